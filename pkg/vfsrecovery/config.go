package vfsrecovery

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
)

// Tunables holds the six knobs spec §6 exposes for the recovery pipeline,
// plus PayloadCompressionWorkers,
// loaded the way the teacher loads its .dcfh/config: an ini-backed Config
// wrapper with typed getters, a Save, and an ApplyOverrides for
// flag-driven overrides.
type Tunables struct {
	RecordsInitChunkSize      int     // fileIds per stage-2 pass
	LogWriteBufferCapacity    int     // bounded channel capacity for log writers
	LogChunkSize              int64   // on-disk chunk granularity, bytes
	CleanWindow               int     // required clean preceding ops for a recovery point
	RestorePointInitialSkipMS int64   // seed geometric spacing, milliseconds
	RestorePointMultiplier    float64 // geometric factor
	PayloadCompressionWorkers int     // concurrent zstd encoders in PayloadStore
}

// DefaultTunables returns the spec §6 defaults.
func DefaultTunables() Tunables {
	return Tunables{
		RecordsInitChunkSize:      DefaultRecordsInitChunkSize,
		LogWriteBufferCapacity:    DefaultLogWriteBufferCapacity,
		LogChunkSize:              DefaultLogChunkSize,
		CleanWindow:               DefaultCleanWindow,
		RestorePointInitialSkipMS: DefaultRestorePointInitialSkipMS,
		RestorePointMultiplier:    DefaultRestorePointMultiplier,
		PayloadCompressionWorkers: DefaultPayloadCompressionWorkers,
	}
}

// Config wraps an ini-backed tunables file, mirroring the teacher's
// Config/LoadConfig/Save/ApplyOverrides shape.
type Config struct {
	configPath string
	ini        *ini.File
}

// LoadTunablesConfig loads (or creates with defaults) the tunables config
// file at configPath.
func LoadTunablesConfig(configPath string) (*Config, error) {
	cfg := &Config{configPath: configPath}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.ini = ini.Empty()
		if err := cfg.setDefaults(); err != nil {
			return nil, fmt.Errorf("failed to set default tunables: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save default tunables: %w", err)
		}
	} else {
		iniFile, err := ini.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load tunables config: %w", err)
		}
		cfg.ini = iniFile
	}

	return cfg, nil
}

func (c *Config) setDefaults() error {
	section, err := c.ini.NewSection("recovery")
	if err != nil {
		return fmt.Errorf("failed to create recovery section: %w", err)
	}
	defaults := DefaultTunables()
	kv := map[string]string{
		"records_init_chunk_size":       strconv.Itoa(defaults.RecordsInitChunkSize),
		"log_write_buffer_capacity":     strconv.Itoa(defaults.LogWriteBufferCapacity),
		"log_chunk_size":                strconv.FormatInt(defaults.LogChunkSize, 10),
		"clean_window":                  strconv.Itoa(defaults.CleanWindow),
		"restore_point_initial_skip_ms": strconv.FormatInt(defaults.RestorePointInitialSkipMS, 10),
		"restore_point_multiplier":      strconv.FormatFloat(defaults.RestorePointMultiplier, 'f', -1, 64),
		"payload_compression_workers":   strconv.Itoa(defaults.PayloadCompressionWorkers),
	}
	for key, value := range kv {
		if _, err := section.NewKey(key, value); err != nil {
			return fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}
	return nil
}

// Tunables materializes the typed Tunables struct from the ini file,
// falling back to defaults for any key that is absent.
func (c *Config) Tunables() Tunables {
	t := DefaultTunables()
	if !c.ini.HasSection("recovery") {
		return t
	}
	section := c.ini.Section("recovery")

	if section.HasKey("records_init_chunk_size") {
		if v, err := section.Key("records_init_chunk_size").Int(); err == nil {
			t.RecordsInitChunkSize = v
		}
	}
	if section.HasKey("log_write_buffer_capacity") {
		if v, err := section.Key("log_write_buffer_capacity").Int(); err == nil {
			t.LogWriteBufferCapacity = v
		}
	}
	if section.HasKey("log_chunk_size") {
		if v, err := section.Key("log_chunk_size").Int64(); err == nil {
			t.LogChunkSize = v
		}
	}
	if section.HasKey("clean_window") {
		if v, err := section.Key("clean_window").Int(); err == nil {
			t.CleanWindow = v
		}
	}
	if section.HasKey("restore_point_initial_skip_ms") {
		if v, err := section.Key("restore_point_initial_skip_ms").Int64(); err == nil {
			t.RestorePointInitialSkipMS = v
		}
	}
	if section.HasKey("restore_point_multiplier") {
		if v, err := section.Key("restore_point_multiplier").Float64(); err == nil {
			t.RestorePointMultiplier = v
		}
	}
	if section.HasKey("payload_compression_workers") {
		if v, err := section.Key("payload_compression_workers").Int(); err == nil {
			t.PayloadCompressionWorkers = v
		}
	}
	return t
}

// Save writes the current ini contents back to configPath.
func (c *Config) Save() error {
	return c.ini.SaveTo(c.configPath)
}

// ApplyOverrides accepts "key:value" pairs (as CLI tools pass them) and
// applies them to the recovery section, mirroring the teacher's
// ApplyOverrides contract.
func (c *Config) ApplyOverrides(overrides []string) error {
	section := c.ini.Section("recovery")
	for _, override := range overrides {
		parts := strings.SplitN(override, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid override format '%s', expected 'key:value'", override)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "records_init_chunk_size", "log_write_buffer_capacity", "log_chunk_size",
			"clean_window", "restore_point_initial_skip_ms", "restore_point_multiplier",
			"payload_compression_workers":
			section.Key(key).SetValue(value)
		default:
			return fmt.Errorf("unsupported tunable override key '%s'", key)
		}
	}
	return nil
}

// ValidateTunables checks that every field is in a usable range before
// recovery starts: the chunk size, buffer capacity and worker count must be
// at least 1, the log chunk size at least 4096 bytes, the clean window and
// initial skip non-negative, and the multiplier greater than 1.0.
func ValidateTunables(t Tunables) error {
	if t.RecordsInitChunkSize < 1 {
		return fmt.Errorf("records init chunk size must be at least 1, got %d", t.RecordsInitChunkSize)
	}
	if t.LogWriteBufferCapacity < 1 {
		return fmt.Errorf("log write buffer capacity must be at least 1, got %d", t.LogWriteBufferCapacity)
	}
	if t.LogChunkSize < 1<<12 {
		return fmt.Errorf("log chunk size must be at least 4096 bytes, got %d", t.LogChunkSize)
	}
	if t.CleanWindow < 0 {
		return fmt.Errorf("clean window must be non-negative, got %d", t.CleanWindow)
	}
	if t.RestorePointInitialSkipMS < 0 {
		return fmt.Errorf("restore point initial skip must be non-negative, got %d", t.RestorePointInitialSkipMS)
	}
	if t.RestorePointMultiplier <= 1.0 {
		return fmt.Errorf("restore point multiplier must be greater than 1.0, got %f", t.RestorePointMultiplier)
	}
	if t.PayloadCompressionWorkers < 1 {
		return fmt.Errorf("payload compression workers must be at least 1, got %d", t.PayloadCompressionWorkers)
	}
	return nil
}
