// Package config handles configuration persistence for the batch HMI engine.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"batchhmi/s7"
	"batchhmi/tag"
)

// Provider modes accepted in the mode field.
const (
	ModeLive      = "live"
	ModeSimulated = "simulated"
	ModeAuto      = "auto" // probe at startup, fall back to simulated
)

// Config holds the complete application configuration.
type Config struct {
	Namespace       string            `yaml:"namespace"` // topic/key prefix for published data
	Mode            string            `yaml:"mode"`
	PLC             PLCConfig         `yaml:"plc"`
	PollRate        time.Duration     `yaml:"poll_rate"`
	AlarmPollRate   time.Duration     `yaml:"alarm_poll_rate"`
	FreshnessWindow time.Duration     `yaml:"freshness_window"`
	ChunkSize       int               `yaml:"chunk_size,omitempty"`
	Tags            []TagConfig       `yaml:"tags"`
	Alarms          AlarmConfig       `yaml:"alarms"`
	Thresholds      []ThresholdConfig `yaml:"thresholds,omitempty"`
	Simulation      SimulationConfig  `yaml:"simulation,omitempty"`
	MQTT            []MQTTConfig      `yaml:"mqtt,omitempty"`
	Valkey          []ValkeyConfig    `yaml:"valkey,omitempty"`
	Kafka           []KafkaConfig     `yaml:"kafka,omitempty"`
	NATS            []NATSConfig      `yaml:"nats,omitempty"`
	Postgres        PostgresConfig    `yaml:"postgres,omitempty"`
	Web             WebConfig         `yaml:"web"`

	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`
}

// PLCConfig describes the PLC gateway.
type PLCConfig struct {
	Gateway  string        `yaml:"gateway"`             // host[:port]
	Path     string        `yaml:"path"`                // "rack,slot"
	Timeout  time.Duration `yaml:"timeout,omitempty"`   // per call
	ProbeTag string        `yaml:"probe_tag,omitempty"` // read once at startup
}

// TagConfig is one acquired tag. Arrays are stored element-wise as Name[i].
type TagConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`              // bool, int32, float32 (or dint, real)
	Address  string `yaml:"address,omitempty"` // S7 address of the tag or first element
	Length   int    `yaml:"length,omitempty"`  // array length, 0 for scalars
	Packed   bool   `yaml:"packed,omitempty"`  // bool array stored 32 flags per DINT
	Writable bool   `yaml:"writable,omitempty"`
}

// AlarmConfig describes the packed alarm bit array.
type AlarmConfig struct {
	WordTag         string            `yaml:"word_tag"`
	WordAddress     string            `yaml:"word_address,omitempty"`
	Count           int               `yaml:"count"`
	Definitions     []AlarmDefinition `yaml:"definitions,omitempty"`
	DefinitionsFile string            `yaml:"definitions_file,omitempty"` // CSV: index,name,severity
}

// AlarmDefinition names one alarm index.
type AlarmDefinition struct {
	Index    int    `yaml:"index"`
	Name     string `yaml:"name"`
	Severity string `yaml:"severity,omitempty"` // alarm (default) or warning
}

// ThresholdConfig is a hard upper limit on one tag.
type ThresholdConfig struct {
	Name  string        `yaml:"name"`
	Tag   string        `yaml:"tag"` // tag name or array element Name[i]
	Limit float32       `yaml:"limit"`
	Grace time.Duration `yaml:"grace,omitempty"`
}

// SimulationConfig tunes the simulated provider.
type SimulationConfig struct {
	Min            float32 `yaml:"min,omitempty"`
	Max            float32 `yaml:"max,omitempty"`
	Step           float32 `yaml:"step,omitempty"`
	ExcursionProb  float64 `yaml:"excursion_prob,omitempty"`
	ExcursionLevel float32 `yaml:"excursion_level,omitempty"`
	BitFlipProb    float64 `yaml:"bit_flip_prob,omitempty"`
	Seed           int64   `yaml:"seed,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	Popups   bool   `yaml:"popups,omitempty"` // operator notification surface
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"` // 0 uses the freshness window
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // BLPOP <prefix>:writes
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Topic         string        `yaml:"topic,omitempty"` // default <namespace>.alarms
}

// NATSConfig holds NATS publisher configuration.
type NATSConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Subject  string `yaml:"subject,omitempty"` // default <namespace>.alarms
	Stream   string `yaml:"stream,omitempty"`  // JetStream stream; empty publishes core NATS

	// Embedded runs an in-process server on Port for standalone cells.
	Embedded bool   `yaml:"embedded,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	StoreDir string `yaml:"store_dir,omitempty"`
}

// PostgresConfig enables the alarm history database.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// WebConfig holds the REST/SSE server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:       "batchhmi",
		Mode:            ModeAuto,
		PLC:             PLCConfig{Path: "0,1", Timeout: 2 * time.Second},
		PollRate:        time.Second,
		AlarmPollRate:   500 * time.Millisecond,
		FreshnessWindow: 5 * time.Second,
		ChunkSize:       tag.DefaultChunkSize,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
	}
}

// DefaultPath returns the default configuration file path (~/.batchhmi/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".batchhmi", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back best-effort.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals and writes.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock and writes. The caller must
// hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FindTag returns the tag config named name, or nil.
func (c *Config) FindTag(name string) *TagConfig {
	for i := range c.Tags {
		if c.Tags[i].Name == name {
			return &c.Tags[i]
		}
	}
	return nil
}

// Symbols maps tag base names to their S7 addresses, including the alarm
// word array.
func (c *Config) Symbols() map[string]string {
	out := make(map[string]string, len(c.Tags)+1)
	for _, t := range c.Tags {
		if t.Address != "" {
			out[t.Name] = t.Address
		}
	}
	if c.Alarms.WordTag != "" && c.Alarms.WordAddress != "" {
		out[c.Alarms.WordTag] = c.Alarms.WordAddress
	}
	return out
}

// Validate checks the configuration. Every problem is reported as a
// *tag.ConfigError and is fatal at startup.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return &tag.ConfigError{Field: "namespace", Reason: "must contain only alphanumeric characters, hyphens, underscores and dots"}
	}
	switch strings.ToLower(c.Mode) {
	case ModeLive, ModeSimulated, ModeAuto, "":
	default:
		return &tag.ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	for field, d := range map[string]time.Duration{
		"poll_rate":        c.PollRate,
		"alarm_poll_rate":  c.AlarmPollRate,
		"freshness_window": c.FreshnessWindow,
	} {
		if d <= 0 {
			return &tag.ConfigError{Field: field, Reason: "must be positive"}
		}
	}
	if c.ChunkSize < 0 {
		return &tag.ConfigError{Field: "chunk_size", Reason: "must not be negative"}
	}

	needAddress := !strings.EqualFold(c.Mode, ModeSimulated)
	if needAddress && c.PLC.Gateway == "" {
		return &tag.ConfigError{Field: "plc.gateway", Reason: "required unless mode is simulated"}
	}

	seen := make(map[string]bool, len(c.Tags))
	for i, t := range c.Tags {
		if err := t.validate(fmt.Sprintf("tags[%d]", i), needAddress); err != nil {
			return err
		}
		if seen[t.Name] {
			return &tag.ConfigError{Field: fmt.Sprintf("tags[%d].name", i), Reason: fmt.Sprintf("duplicate tag %q", t.Name)}
		}
		seen[t.Name] = true
	}

	if c.PLC.ProbeTag != "" && !c.tagExists(c.PLC.ProbeTag) {
		return &tag.ConfigError{Field: "plc.probe_tag", Reason: fmt.Sprintf("unknown tag %q", c.PLC.ProbeTag)}
	}

	if err := c.Alarms.validate(needAddress); err != nil {
		return err
	}
	if seen[c.Alarms.WordTag] {
		return &tag.ConfigError{Field: "alarms.word_tag", Reason: fmt.Sprintf("%q is also an acquired tag", c.Alarms.WordTag)}
	}

	names := make(map[string]bool, len(c.Thresholds))
	for i, th := range c.Thresholds {
		field := fmt.Sprintf("thresholds[%d]", i)
		if th.Name == "" {
			return &tag.ConfigError{Field: field + ".name", Reason: "required"}
		}
		if names[th.Name] {
			return &tag.ConfigError{Field: field + ".name", Reason: fmt.Sprintf("duplicate threshold %q", th.Name)}
		}
		names[th.Name] = true
		if !c.tagExists(th.Tag) {
			return &tag.ConfigError{Field: field + ".tag", Reason: fmt.Sprintf("unknown tag %q", th.Tag)}
		}
		if math.IsNaN(float64(th.Limit)) || math.IsInf(float64(th.Limit), 0) {
			return &tag.ConfigError{Field: field + ".limit", Reason: "must be finite"}
		}
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return &tag.ConfigError{Field: "postgres.dsn", Reason: "required when postgres is enabled"}
	}
	return nil
}

func (t TagConfig) validate(field string, needAddress bool) error {
	if t.Name == "" {
		return &tag.ConfigError{Field: field + ".name", Reason: "required"}
	}
	if _, _, indexed := tag.SplitElement(t.Name); indexed || strings.ContainsAny(t.Name, "[]") {
		return &tag.ConfigError{Field: field + ".name", Reason: "must not contain an index"}
	}
	kind, err := tag.ParseKind(t.Type)
	if err != nil {
		return &tag.ConfigError{Field: field + ".type", Reason: err.Error()}
	}
	if t.Length < 0 {
		return &tag.ConfigError{Field: field + ".length", Reason: "must not be negative"}
	}
	if t.Packed && (kind != tag.KindBool || t.Length == 0) {
		return &tag.ConfigError{Field: field + ".packed", Reason: "only bool arrays can be packed"}
	}
	if t.Address != "" {
		if err := s7.ValidateAddress(t.Address); err != nil {
			return &tag.ConfigError{Field: field + ".address", Reason: err.Error()}
		}
	} else if needAddress {
		return &tag.ConfigError{Field: field + ".address", Reason: "required unless mode is simulated"}
	}
	return nil
}

func (a AlarmConfig) validate(needAddress bool) error {
	if a.Count == 0 && a.WordTag == "" {
		return nil
	}
	if a.Count <= 0 {
		return &tag.ConfigError{Field: "alarms.count", Reason: "must be positive"}
	}
	if a.WordTag == "" {
		return &tag.ConfigError{Field: "alarms.word_tag", Reason: "required"}
	}
	if a.WordAddress != "" {
		if err := s7.ValidateAddress(a.WordAddress); err != nil {
			return &tag.ConfigError{Field: "alarms.word_address", Reason: err.Error()}
		}
	} else if needAddress {
		return &tag.ConfigError{Field: "alarms.word_address", Reason: "required unless mode is simulated"}
	}
	seen := make(map[int]bool, len(a.Definitions))
	for _, d := range a.Definitions {
		field := fmt.Sprintf("alarms.definitions[%d]", d.Index)
		if err := tag.ValidateIndex(field, d.Index, a.Count); err != nil {
			return err
		}
		if seen[d.Index] {
			return &tag.ConfigError{Field: field, Reason: "duplicate alarm index"}
		}
		seen[d.Index] = true
	}
	return nil
}

// tagExists accepts a scalar tag name or an in-range array element.
func (c *Config) tagExists(name string) bool {
	if t := c.FindTag(name); t != nil {
		return t.Length == 0
	}
	base, i, ok := tag.SplitElement(name)
	if !ok {
		return false
	}
	t := c.FindTag(base)
	return t != nil && i < t.Length
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
