// Package sampler produces one MetricSample per call for the heartbeat
// path, completing the pack's CollectMetrics stub with a real
// gopsutil-backed implementation.
package sampler

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample mirrors the heartbeat's MetricSample payload fields.
type Sample struct {
	CPUUsage        *float64
	MemoryUsage     *float64
	DiskUsage       *float64
	LoadAverage     *float64
	MemoryTotal     *int64
	MemoryAvailable *int64
	DiskTotal       *int64
	DiskAvailable   *int64
	Uptime          *int64
}

// Sampler holds the rolling state cpu.Percent needs to report a
// since-previous-call delta rather than a since-boot average.
type Sampler struct {
	rootPath  string
	firstCall bool
}

// New builds a Sampler. rootPath is the filesystem mount sampled for disk
// usage (e.g. "/").
func New(rootPath string) *Sampler {
	if rootPath == "" {
		rootPath = "/"
		if runtime.GOOS == "windows" {
			rootPath = `C:\`
		}
	}
	return &Sampler{rootPath: rootPath, firstCall: true}
}

// Sample collects one snapshot. The very first call after Sampler creation
// reports a nil CPUUsage, per the contract that a percent-since-previous
// figure is meaningless without a prior reading.
func (s *Sampler) Sample(ctx context.Context) Sample {
	out := Sample{}

	if !s.firstCall {
		if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
			out.CPUUsage = ptr(pcts[0])
		}
	} else {
		// Prime gopsutil's internal previous-sample state so the next call
		// can report a real delta.
		cpu.PercentWithContext(ctx, 0, false)
		s.firstCall = false
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryUsage = ptr(vm.UsedPercent)
		out.MemoryTotal = intPtr(int64(vm.Total))
		out.MemoryAvailable = intPtr(int64(vm.Available))
	}

	if du, err := disk.UsageWithContext(ctx, s.rootPath); err == nil {
		out.DiskUsage = ptr(du.UsedPercent)
		out.DiskTotal = intPtr(int64(du.Total))
		out.DiskAvailable = intPtr(int64(du.Free))
	}

	if uptimeSecs, err := host.UptimeWithContext(ctx); err == nil {
		out.Uptime = intPtr(int64(uptimeSecs))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.LoadAverage = ptr(avg.Load1)
	}

	return out
}

func ptr(f float64) *float64 { return &f }
func intPtr(i int64) *int64  { return &i }

// SampleWithTimeout is a convenience wrapper bounding the underlying
// syscalls/proc reads to a fixed deadline, for callers on a heartbeat
// ticker that must not block past their own interval.
func (s *Sampler) SampleWithTimeout(timeout time.Duration) Sample {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Sample(ctx)
}
