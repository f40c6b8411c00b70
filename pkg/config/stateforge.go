package config

import "fmt"

// PersistenceMode selects the durability variant pkg/persistence wires for
// a running registry.
type PersistenceMode string

const (
	PersistenceModeSyncUpsert    PersistenceMode = "sync-upsert"
	PersistenceModeAsyncUpsert   PersistenceMode = "async-upsert"
	PersistenceModeHistoryAppend PersistenceMode = "history-append"
	PersistenceModeInMemoryOnly  PersistenceMode = "in-memory-only"
)

// PayloadInclusion selects how much of a snapshot.Record's context/event
// payload a recorder retains.
type PayloadInclusion string

const (
	PayloadInclusionFull     PayloadInclusion = "full"
	PayloadInclusionRedacted PayloadInclusion = "redacted"
	PayloadInclusionNone     PayloadInclusion = "none"
)

// DuplicatePolicyName selects registry.DuplicatePolicy at config load time,
// before a *registry.Registry exists to hold the typed constant.
type DuplicatePolicyName string

const (
	DuplicatePolicyNameReject  DuplicatePolicyName = "reject"
	DuplicatePolicyNameReplace DuplicatePolicyName = "replace"
)

// PersistenceConfig selects and tunes the durability boundary.
type PersistenceConfig struct {
	Mode PersistenceMode `yaml:"mode" json:"mode"`
}

// TimeoutsConfig toggles the timeout scheduler.
type TimeoutsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// SnapshotConfig toggles transition recording and its payload retention.
type SnapshotConfig struct {
	Enabled          bool             `yaml:"enabled" json:"enabled"`
	PayloadInclusion PayloadInclusion `yaml:"payloadInclusion" json:"payloadInclusion"`
}

// EvictionConfig controls automatic eviction on offline/final transitions.
type EvictionConfig struct {
	OnOffline bool `yaml:"onOffline" json:"onOffline"`
	OnFinal   bool `yaml:"onFinal" json:"onFinal"`
}

// RegistryConfig controls registry-wide bookkeeping policy.
type RegistryConfig struct {
	DuplicatePolicy DuplicatePolicyName `yaml:"duplicatePolicy" json:"duplicatePolicy"`
}

// Config is the full external configuration surface of a stateforge
// deployment: which persistence variant backs the registry, whether
// timeouts and snapshot recording are active, how much of a snapshot's
// payload is retained, and the eviction/duplicate-registration policies.
// Loaded with Load/LoadWithEnv and validated with a Manager the way every
// other configuration struct in this module's pack is.
type Config struct {
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts" json:"timeouts"`
	Snapshot    SnapshotConfig    `yaml:"snapshot" json:"snapshot"`
	Eviction    EvictionConfig    `yaml:"eviction" json:"eviction"`
	Registry    RegistryConfig    `yaml:"registry" json:"registry"`
}

// DefaultConfig returns a conservative baseline configuration: a
// synchronous upsert persistence mode, timeouts and full-payload snapshots
// enabled, eviction on both offline and final transitions, and rejection
// of duplicate registration.
func DefaultConfig() *Config {
	return &Config{
		Persistence: PersistenceConfig{Mode: PersistenceModeSyncUpsert},
		Timeouts:    TimeoutsConfig{Enabled: true},
		Snapshot: SnapshotConfig{
			Enabled:          true,
			PayloadInclusion: PayloadInclusionFull,
		},
		Eviction: EvictionConfig{OnOffline: true, OnFinal: true},
		Registry: RegistryConfig{DuplicatePolicy: DuplicatePolicyNameReject},
	}
}

// LoadStateforgeConfig loads a Config from path (YAML or JSON, by
// extension), applies STATEFORGE_-prefixed environment overrides, and
// validates it. An empty path returns DefaultConfig unmodified aside from
// environment overrides.
func LoadStateforgeConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := Load(path, cfg); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := ApplyEnvOverrides("STATEFORGE", cfg); err != nil {
		return nil, fmt.Errorf("config: apply env overrides: %w", err)
	}
	if err := validateStateforgeConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func validateStateforgeConfig(cfg *Config) error {
	m := NewManager(cfg)
	m.AddValidator(ValidatorFunc(func(interface{}) error {
		switch cfg.Persistence.Mode {
		case PersistenceModeSyncUpsert, PersistenceModeAsyncUpsert, PersistenceModeHistoryAppend, PersistenceModeInMemoryOnly:
		default:
			return fmt.Errorf("persistence.mode %q is not one of sync-upsert|async-upsert|history-append|in-memory-only", cfg.Persistence.Mode)
		}
		switch cfg.Snapshot.PayloadInclusion {
		case PayloadInclusionFull, PayloadInclusionRedacted, PayloadInclusionNone:
		default:
			return fmt.Errorf("snapshot.payloadInclusion %q is not one of full|redacted|none", cfg.Snapshot.PayloadInclusion)
		}
		switch cfg.Registry.DuplicatePolicy {
		case DuplicatePolicyNameReject, DuplicatePolicyNameReplace:
		default:
			return fmt.Errorf("registry.duplicatePolicy %q is not one of reject|replace", cfg.Registry.DuplicatePolicy)
		}
		return nil
	}))
	return m.Validate()
}
