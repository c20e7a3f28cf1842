package codec

// NodeRegisterPayload is sent by an agent to claim a node identity.
//
//	{"node_id": "node-001", "hostname": "srv1", "ip_address": "10.0.0.1", "os_info": "Linux 6"}
type NodeRegisterPayload struct {
	NodeID    string `json:"node_id"`
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address,omitempty"`
	OSInfo    string `json:"os_info,omitempty"`
}

// RegisterResponsePayload answers node_register.
type RegisterResponsePayload struct {
	Success bool   `json:"success"`
	NodeID  string `json:"node_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// MetricSamplePayload mirrors the persisted MetricSample fields carried
// inline in a heartbeat.
type MetricSamplePayload struct {
	MetricTime      *string  `json:"metric_time,omitempty"`
	CPUUsage        *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage     *float64 `json:"memory_usage,omitempty"`
	DiskUsage       *float64 `json:"disk_usage,omitempty"`
	LoadAverage     *float64 `json:"load_average,omitempty"`
	MemoryTotal     *int64   `json:"memory_total,omitempty"`
	MemoryAvailable *int64   `json:"memory_available,omitempty"`
	DiskTotal       *int64   `json:"disk_total,omitempty"`
	DiskAvailable   *int64   `json:"disk_available,omitempty"`
	Uptime          *int64   `json:"uptime,omitempty"`
}

// HeartbeatPayload is sent by an agent on its heartbeat cadence.
type HeartbeatPayload struct {
	Metrics MetricSamplePayload `json:"metrics"`
}

// HeartbeatAckPayload acknowledges a heartbeat.
type HeartbeatAckPayload struct {
	Accepted bool `json:"accepted"`
}

// ExecuteCommandPayload instructs the agent to run a shell command.
type ExecuteCommandPayload struct {
	CommandID string `json:"command_id"`
	Command   string `json:"command_text"`
	Timeout   int    `json:"timeout"`
}

// CommandStartedPayload is sent immediately on receipt of execute_command.
type CommandStartedPayload struct {
	CommandID string `json:"command_id"`
}

// CommandReceivedPayload is the core's acknowledgement of a command_result.
type CommandReceivedPayload struct {
	CommandID string `json:"command_id"`
}

// CommandResultPayload carries the completed execution outcome.
type CommandResultPayload struct {
	CommandID       string `json:"command_id"`
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// PingPayload / PongPayload are liveness probes exchanged by either side.
type PingPayload struct {
	SentAt string `json:"sent_at,omitempty"`
}

type PongPayload struct {
	SentAt string `json:"sent_at,omitempty"`
}

// WelcomePayload greets a newly attached session.
type WelcomePayload struct {
	Message string `json:"message"`
}

// ErrorPayload carries a protocol-level error; ErrorCode matches apperr codes.
type ErrorPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// NodeSummary is the per-node shape used in nodes_update.
type NodeSummary struct {
	NodeID        string  `json:"node_id"`
	Hostname      string  `json:"hostname"`
	IPAddress     string  `json:"ip_address,omitempty"`
	OSInfo        string  `json:"os_info,omitempty"`
	Status        string  `json:"status"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty"`
}

// NodesUpdatePayload pushes the full node list to observers.
type NodesUpdatePayload struct {
	Nodes []NodeSummary `json:"nodes"`
}

// MetricsUpdatePayload pushes the latest-snapshot map to observers.
type MetricsUpdatePayload struct {
	Metrics map[string]MetricSamplePayload `json:"metrics"`
}

// NodeStatusChangePayload is sent eagerly (no coalescing) on a status flip.
type NodeStatusChangePayload struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}
