package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile = "/etc/himmelblau/config.yaml"

	DefaultSocketPath      = "/run/himmelblau/broker.sock"
	DefaultTasksSocketPath = "/run/himmelblau/tasks.sock"
	DefaultCacheDir        = "/var/cache/himmelblau"
	DefaultMachineKeyPath  = "/var/lib/himmelblau/machine.key"
	DefaultTPMDevice       = "/dev/tpmrm0"
	DefaultSkelDir         = "/etc/skel"
	DefaultPolicyDir       = "/var/lib/himmelblaud/policies"

	DefaultRequestTimeout = 30 * time.Second
	DefaultRecordTTL      = 4 * time.Hour

	DefaultPasswordVerifierMaxAge = 30 * 24 * time.Hour
	DefaultRefreshTokenMaxAge     = 90 * 24 * time.Hour
	DefaultKerberosTicketMaxAge   = 10 * time.Hour
)

type Config struct {
	// SocketPath is the unix socket the PAM and NSS shims connect to.
	SocketPath string `yaml:"socketPath,omitempty"`
	// TasksSocketPath is the root-only socket of the task executor.
	TasksSocketPath string `yaml:"tasksSocketPath,omitempty"`
	// CacheDir holds the sealed credential records.
	CacheDir string `yaml:"cacheDir,omitempty"`

	Provider ProviderConfig `yaml:"provider"`
	Sealing  SealingConfig  `yaml:"sealing,omitempty"`
	Cache    CacheConfig    `yaml:"cache,omitempty"`
	Backoff  BackoffConfig  `yaml:"backoff,omitempty"`
	IDRange  IDRangeConfig  `yaml:"idRange,omitempty"`
	Access   AccessConfig   `yaml:"access,omitempty"`

	// RequestTimeout bounds requests that carry no timeout of their own.
	RequestTimeout Duration `yaml:"requestTimeout,omitempty"`
	// ApplyPolicy enables fetching and applying the device-management
	// policies assigned to a principal after each online login.
	ApplyPolicy bool `yaml:"applyPolicy,omitempty"`
	// PolicyDir is where the tasks process writes resolved policy bundles.
	PolicyDir string `yaml:"policyDir,omitempty"`
	// SkelDir is copied into newly provisioned home directories.
	SkelDir  string `yaml:"skelDir,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`
	// MetricsAddress enables the Prometheus listener when non-empty.
	MetricsAddress string `yaml:"metricsAddress,omitempty"`
}

type ProviderConfig struct {
	// Authority is the base URL of the identity provider, e.g.
	// "https://login.microsoftonline.com".
	Authority string `yaml:"authority"`
	TenantID  string `yaml:"tenantId"`
	ClientID  string `yaml:"clientId"`
	// DirectoryURL is the base URL of the directory (graph) service.
	DirectoryURL string `yaml:"directoryUrl"`
	// Scope overrides the default OAuth2 scope set when non-empty.
	Scope string `yaml:"scope,omitempty"`
}

type SealingConfig struct {
	// Mode selects the sealing backend: auto, tpm or software.
	Mode      string `yaml:"mode,omitempty"`
	TPMDevice string `yaml:"tpmDevice,omitempty"`
	// MachineKeyPath backs the software fallback.
	MachineKeyPath string `yaml:"machineKeyPath,omitempty"`
}

type CacheConfig struct {
	// RecordTTL bounds how long resolved passwd and group records are
	// served without re-resolution.
	RecordTTL Duration `yaml:"recordTtl,omitempty"`
	// Per-kind freshness: the maximum age at which a cached credential may
	// back an offline authentication.
	PasswordVerifierMaxAge Duration `yaml:"passwordVerifierMaxAge,omitempty"`
	RefreshTokenMaxAge     Duration `yaml:"refreshTokenMaxAge,omitempty"`
	KerberosTicketMaxAge   Duration `yaml:"kerberosTicketMaxAge,omitempty"`
	// OfflinePasswordAuth permits answering password logins from the
	// sealed verifier when the provider is unreachable.
	OfflinePasswordAuth *bool `yaml:"offlinePasswordAuth,omitempty"`
}

type BackoffConfig struct {
	BaseDelay Duration `yaml:"baseDelay,omitempty"`
	Factor    float64  `yaml:"factor,omitempty"`
	MaxDelay  Duration `yaml:"maxDelay,omitempty"`
	// Threshold is the consecutive-failure count at which a principal is
	// locked out of new attempts for the full window.
	Threshold int      `yaml:"threshold,omitempty"`
	Window    Duration `yaml:"window,omitempty"`
}

type IDRangeConfig struct {
	Min uint32 `yaml:"min,omitempty"`
	Max uint32 `yaml:"max,omitempty"`
}

type AccessConfig struct {
	// AllowedUIDs may connect to the shim socket in addition to root.
	AllowedUIDs []uint32 `yaml:"allowedUids,omitempty"`
	// AllowedExePrefixes restricts connecting peers by executable path.
	// Empty imposes no executable check.
	AllowedExePrefixes []string `yaml:"allowedExePrefixes,omitempty"`
	// SocketGroupGID owns the shim socket so NSS lookups need no root.
	SocketGroupGID uint32 `yaml:"socketGroupGid,omitempty"`
}

// Duration marshals as a human-readable string like "90s" or "24h".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func NewDefault() *Config {
	return &Config{
		SocketPath:      DefaultSocketPath,
		TasksSocketPath: DefaultTasksSocketPath,
		CacheDir:        DefaultCacheDir,
		Sealing: SealingConfig{
			Mode:           "auto",
			TPMDevice:      DefaultTPMDevice,
			MachineKeyPath: DefaultMachineKeyPath,
		},
		Cache: CacheConfig{
			RecordTTL:              Duration(DefaultRecordTTL),
			PasswordVerifierMaxAge: Duration(DefaultPasswordVerifierMaxAge),
			RefreshTokenMaxAge:     Duration(DefaultRefreshTokenMaxAge),
			KerberosTicketMaxAge:   Duration(DefaultKerberosTicketMaxAge),
		},
		Backoff: BackoffConfig{
			BaseDelay: Duration(time.Second),
			Factor:    2,
			MaxDelay:  Duration(5 * time.Minute),
			Threshold: 5,
			Window:    Duration(5 * time.Minute),
		},
		IDRange:        IDRangeConfig{Min: 1_000_000, Max: 6_999_999},
		RequestTimeout: Duration(DefaultRequestTimeout),
		PolicyDir:      DefaultPolicyDir,
		SkelDir:        DefaultSkelDir,
		LogLevel:       "info",
	}
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %w", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	// defaults apply to everything the file leaves unset
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.SocketPath == "" {
		return fmt.Errorf("socketPath must be set")
	}
	if cfg.TasksSocketPath == "" {
		return fmt.Errorf("tasksSocketPath must be set")
	}
	if cfg.CacheDir == "" {
		return fmt.Errorf("cacheDir must be set")
	}
	switch cfg.Sealing.Mode {
	case "", "auto", "tpm", "software":
	default:
		return fmt.Errorf("sealing mode %q is not one of auto, tpm, software", cfg.Sealing.Mode)
	}
	p := cfg.Provider
	anySet := p.Authority != "" || p.TenantID != "" || p.ClientID != "" || p.DirectoryURL != ""
	allSet := p.Authority != "" && p.TenantID != "" && p.ClientID != "" && p.DirectoryURL != ""
	if anySet && !allSet {
		return fmt.Errorf("provider requires authority, tenantId, clientId and directoryUrl together")
	}
	if cfg.IDRange.Min >= cfg.IDRange.Max {
		return fmt.Errorf("idRange min %d must be below max %d", cfg.IDRange.Min, cfg.IDRange.Max)
	}
	if cfg.Backoff.Factor < 1 {
		return fmt.Errorf("backoff factor %v must be at least 1", cfg.Backoff.Factor)
	}
	if cfg.Backoff.Threshold < 1 {
		return fmt.Errorf("backoff threshold %d must be at least 1", cfg.Backoff.Threshold)
	}
	return nil
}

func (cfg *Config) String() string {
	contents, err := json.Marshal(cfg)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}
