package controller

import (
	"encoding/json"
	"io"
)

// containerStatsJSON is a narrowed view of Docker's stats-stream payload,
// covering only what the Container Controller needs for a MetricsSample.
type containerStatsJSON struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage    int64   `json:"total_usage"`
			PercpuUsage   []int64 `json:"percpu_usage"`
		} `json:"cpu_usage"`
		SystemUsage int64 `json:"system_cpu_usage"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage int64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage int64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage int64 `json:"usage"`
		Limit int64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes int64 `json:"rx_bytes"`
		TxBytes int64 `json:"tx_bytes"`
	} `json:"networks"`
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
