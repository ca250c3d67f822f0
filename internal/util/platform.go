package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo describes the host, attached to telemetry and the startup log.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers host information. Fields gopsutil cannot read on
// this platform are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil && hostInfo.Platform != "" {
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

// Fields returns the info as a flat map for log and telemetry metadata.
func (s SystemInfo) Fields() map[string]interface{} {
	return map[string]interface{}{
		"hostname":     s.Hostname,
		"os":           s.OS,
		"architecture": s.Architecture,
		"cpu_model":    s.CPUModel,
		"cpu_cores":    s.CPUCores,
		"memory_mb":    s.TotalMemory,
		"go_version":   s.GoVersion,
	}
}
