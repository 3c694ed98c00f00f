package config

// Config is the daemon configuration. JSON is the canonical shape; YAML input
// is coerced to JSON before the strict decode (see yaml.go).
//
// All duration fields are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`

	// Events declares events added on startup, after any persisted snapshot
	// is restored. An id matching a restored event replaces it.
	Events []EventSpec `json:"events,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	Pretty  bool   `json:"pretty,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// StorageConfig selects the snapshot store.
//
// Driver values: "sqlite", "file", "" or "none" (disabled).
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// KeepSnapshots bounds retained snapshots (sqlite driver). Default 10.
	KeepSnapshots int `json:"keep_snapshots,omitempty"`
}

type SchedulerConfig struct {
	// PollInterval is the PauseAll drain-wait poll period.
	PollInterval string `json:"poll_interval,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`

	// AutosaveInterval is the periodic snapshot fallback; "0s" disables it.
	// Dirty-table saves still happen, rate limited by SaveRatePerSec.
	AutosaveInterval string `json:"autosave_interval,omitempty"`
	// SaveRatePerSec caps mutation-driven snapshot writes. Default 1.
	SaveRatePerSec float64 `json:"save_rate_per_sec,omitempty"`
}

// EventSpec is one declaratively configured event.
type EventSpec struct {
	ID         string         `json:"id,omitempty"`
	Handler    string         `json:"handler"`
	Params     map[string]any `json:"params,omitempty"`
	Delay      string         `json:"delay"`
	AutoRepeat bool           `json:"auto_repeat,omitempty"`
}
