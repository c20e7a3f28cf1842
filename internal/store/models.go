package store

import "time"

// Node statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Node is the persisted and cached identity/health record for a managed
// machine. JSON tags match the external interface's entity fields
// verbatim since the REST facade serializes this struct directly.
type Node struct {
	NodeID        string     `json:"node_id"`
	Hostname      string     `json:"hostname"`
	IPAddress     string     `json:"ip_address,omitempty"`
	OSInfo        string     `json:"os_info,omitempty"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time  `json:"registered_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NodeInfo carries the mutable identity fields supplied at registration.
type NodeInfo struct {
	Hostname  string
	IPAddress string
	OSInfo    string
}

// MetricSample is one persisted heartbeat sample.
type MetricSample struct {
	NodeID          string    `json:"node_id"`
	MetricTime      time.Time `json:"metric_time"`
	CPUUsage        *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage     *float64  `json:"memory_usage,omitempty"`
	DiskUsage       *float64  `json:"disk_usage,omitempty"`
	LoadAverage     *float64  `json:"load_average,omitempty"`
	MemoryTotal     *int64    `json:"memory_total,omitempty"`
	MemoryAvailable *int64    `json:"memory_available,omitempty"`
	DiskTotal       *int64    `json:"disk_total,omitempty"`
	DiskAvailable   *int64    `json:"disk_available,omitempty"`
	Uptime          *int64    `json:"uptime,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Command lifecycle states, forming the DAG rooted at pending.
const (
	CommandPending       = "pending"
	CommandRunning       = "running"
	CommandSuccess       = "success"
	CommandFailed        = "failed"
	CommandTimeout       = "timeout"
	CommandUndeliverable = "undeliverable"
)

// CommandResult is the attached outcome of a terminal command.
type CommandResult struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// CommandRecord is the persisted command request/result round-trip.
type CommandRecord struct {
	CommandID      string         `json:"command_id"`
	TargetNodeID   string         `json:"target_node_id"`
	CommandText    string         `json:"command_text"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Result         *CommandResult `json:"result,omitempty"`
}

// NodeFilter narrows list_nodes.
type NodeFilter struct {
	Status string
	Page   int
	Limit  int
}

// MetricsSummary is the avg/max/count rollup over a time range.
type MetricsSummary struct {
	Count          int      `json:"count"`
	AvgCPU         *float64 `json:"avg_cpu,omitempty"`
	MaxCPU         *float64 `json:"max_cpu,omitempty"`
	AvgMemory      *float64 `json:"avg_memory,omitempty"`
	MaxMemory      *float64 `json:"max_memory,omitempty"`
	AvgDisk        *float64 `json:"avg_disk,omitempty"`
	MaxDisk        *float64 `json:"max_disk,omitempty"`
	AvgLoadAverage *float64 `json:"avg_load_average,omitempty"`
	MaxLoadAverage *float64 `json:"max_load_average,omitempty"`
}

// CommandFilter narrows list_commands.
type CommandFilter struct {
	Status string
	NodeID string
	Limit  int
	Offset int
}
