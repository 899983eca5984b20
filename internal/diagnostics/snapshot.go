// Package diagnostics takes best-effort host resource snapshots for the
// doctor command. Every probe is optional: a source that fails leaves its
// fields zero and marks the snapshot partial instead of erroring.
package diagnostics

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one host resource reading.
type Snapshot struct {
	CPUModel   string  `json:"cpuModel,omitempty"`
	CPUCores   int     `json:"cpuCores,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`

	MemTotalMB float64 `json:"memTotalMb,omitempty"`
	MemUsedMB  float64 `json:"memUsedMb,omitempty"`
	MemPercent float64 `json:"memPercent,omitempty"`

	DiskPath    string  `json:"diskPath,omitempty"`
	DiskTotalGB float64 `json:"diskTotalGb,omitempty"`
	DiskUsedGB  float64 `json:"diskUsedGb,omitempty"`
	DiskPercent float64 `json:"diskPercent,omitempty"`

	LoadAvg1  float64 `json:"loadAvg1,omitempty"`
	LoadAvg5  float64 `json:"loadAvg5,omitempty"`
	LoadAvg15 float64 `json:"loadAvg15,omitempty"`

	// Partial is true when at least one probe failed.
	Partial bool `json:"partial,omitempty"`
}

// Collect reads CPU, memory, disk and load information for the path the
// store lives on. diskPath may be empty; the platform root is used then.
func Collect(ctx context.Context, diskPath string) Snapshot {
	var snap Snapshot

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPUModel = infos[0].ModelName
		snap.CPUCores = len(infos)
	} else {
		snap.Partial = true
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else {
		snap.Partial = true
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotalMB = float64(vm.Total) / 1024 / 1024
		snap.MemUsedMB = float64(vm.Used) / 1024 / 1024
		snap.MemPercent = vm.UsedPercent
	} else {
		snap.Partial = true
	}

	if diskPath == "" {
		diskPath = rootDiskPath()
	}
	snap.DiskPath = diskPath
	if usage, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		snap.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
		snap.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
		snap.DiskPercent = usage.UsedPercent
	} else {
		snap.Partial = true
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAvg1 = avg.Load1
		snap.LoadAvg5 = avg.Load5
		snap.LoadAvg15 = avg.Load15
	} else {
		snap.Partial = true
	}

	return snap
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		return "C:\\"
	}
	return "/"
}
