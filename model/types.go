package model

import "time"

// EngineState is the lifecycle state of the interception engine.
type EngineState string

const (
	StateInactive     EngineState = "inactive"
	StateActivating   EngineState = "activating"
	StateActive       EngineState = "active"
	StateDeactivating EngineState = "deactivating"
)

// HookMode distinguishes privileged (kernel-level) from restricted (local proxy) operation.
type HookMode string

const (
	HookNone       HookMode = ""
	HookPrivileged HookMode = "privileged"
	HookRestricted HookMode = "restricted"
)

// Status is a point-in-time read of the lifecycle controller.
type Status struct {
	State         EngineState `json:"state"`
	HookMode      HookMode    `json:"hook_mode,omitempty"`
	HookStatus    string      `json:"hook_status"`
	Error         string      `json:"error,omitempty"`
	RootAvailable bool        `json:"root_available"`
	Since         time.Time   `json:"since"`
}

// Active reports whether interception is currently installed.
func (s Status) Active() bool {
	return s.State == StateActive
}

// Snapshot contains the usage ledger counters for the current epoch.
type Snapshot struct {
	BytesUsed        uint64  `json:"bytes_used"`
	BytesSaved       uint64  `json:"bytes_saved"`
	CompressionRatio float64 `json:"compression_ratio"`
	Samples          uint64  `json:"samples"`
	Aborted          uint64  `json:"aborted"`
	Inflated         uint64  `json:"inflated"`

	UsedRate  uint64 `json:"used_rate"`  // Bytes/sec
	SavedRate uint64 `json:"saved_rate"` // Bytes/sec

	// Device-wide counters, only fed in privileged mode
	DeviceReceived uint64 `json:"device_received"`
	DeviceSent     uint64 `json:"device_sent"`

	Epoch uint64    `json:"epoch"`
	Since time.Time `json:"since"`
}

// Metrics is what the UI pulls on every poll while the engine is active.
type Metrics struct {
	Status          Status   `json:"status"`
	Snapshot        Snapshot `json:"snapshot"`
	TokensPerSecond float64  `json:"tokens_per_second"`
}

// SessionState tracks one intercepted exchange.
type SessionState string

const (
	SessionPending   SessionState = "pending"
	SessionStreaming SessionState = "streaming"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// SessionRecord describes a finished StreamSession.
type SessionRecord struct {
	ID            string       `json:"id"`
	URL           string       `json:"url"`
	State         SessionState `json:"state"`
	Encoding      string       `json:"encoding,omitempty"`
	Passthrough   bool         `json:"passthrough"`
	Reason        string       `json:"reason,omitempty"`
	OriginalBytes uint64       `json:"original_bytes"`
	ActualBytes   uint64       `json:"actual_bytes"`
	RangeStart    int64        `json:"range_start"`
	RangeEnd      int64        `json:"range_end"` // exclusive, 0 for full responses
	StartTime     time.Time    `json:"start_time"`
	FinishTime    time.Time    `json:"finish_time"`
}
