package utils

import (
	"runtime"
	"time"
)

var startTime = time.Now()

// RuntimeStats is a snapshot of process health.
type RuntimeStats struct {
	UptimeSeconds  int64     `json:"uptime_seconds"`
	GoroutineCount int       `json:"goroutine_count"`
	HeapAllocMB    float64   `json:"heap_alloc_mb"`
	HeapInUseMB    float64   `json:"heap_in_use_mb"`
	HeapObjects    uint64    `json:"heap_objects"`
	NumGC          uint32    `json:"num_gc"`
	LastGCTime     time.Time `json:"last_gc_time"`
}

func GetRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := RuntimeStats{
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAllocMB:    float64(ms.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:    float64(ms.HeapInuse) / 1024 / 1024,
		HeapObjects:    ms.HeapObjects,
		NumGC:          ms.NumGC,
	}
	if ms.LastGC > 0 {
		stats.LastGCTime = time.Unix(0, int64(ms.LastGC))
	}
	return stats
}
