// Package constants defines magic numbers and default values used throughout fragproxy.
package constants

import "time"

// Connection timeouts and limits (spec.md §4.D, §4.E, §4.F).
const (
	DefaultIdleTimeout  = 300 * time.Second
	DefaultConnTimeout  = 5 * time.Second
	DefaultReadTimeout  = 30 * time.Second
	RequestReadTimeout  = 10 * time.Second
	FragmentIOTimeout   = 5 * time.Second
	ProbeTimeout        = 3500 * time.Millisecond
	WatchdogTick        = 1 * time.Second
	CloseDrainTimeout   = 500 * time.Millisecond
	ShutdownGraceLimit  = 5 * time.Second
	StatsTickInterval   = 1 * time.Second
)

// Buffer and request limits.
const (
	MaxRequestHeadSize = 64 * 1024 // bounded initial read, spec.md §4.D
	PipeChunkSize      = 64 * 1024
	HighWaterMark      = 512 * 1024 // backpressure drain threshold, spec.md §4.E
)

// Listener limits.
const (
	ListenBacklog = 1024
)
