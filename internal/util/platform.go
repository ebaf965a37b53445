package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
}

// GetSystemInfo gathers system information. Fields that cannot be probed
// are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// ResourceUsage is a snapshot of host and process resource consumption.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsedPct  float64 `json:"memory_used_percent"`
	ProcessRSSMB   uint64  `json:"process_rss_mb"`
	ProcessThreads int32   `json:"process_threads"`
	UptimeSeconds  uint64  `json:"host_uptime_sec"`
}

// GetResourceUsage samples CPU, memory and the current process footprint.
func GetResourceUsage() (*ResourceUsage, error) {
	usage := &ResourceUsage{}

	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu usage: %w", err)
	}
	if len(percentages) > 0 {
		usage.CPUPercent = percentages[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to sample memory usage: %w", err)
	}
	usage.MemoryUsedPct = memInfo.UsedPercent

	if uptime, err := host.Uptime(); err == nil {
		usage.UptimeSeconds = uptime
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memStat, err := proc.MemoryInfo(); err == nil {
			usage.ProcessRSSMB = memStat.RSS / (1024 * 1024)
		}
		if threads, err := proc.NumThreads(); err == nil {
			usage.ProcessThreads = threads
		}
	}

	return usage, nil
}
