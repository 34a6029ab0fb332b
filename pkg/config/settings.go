package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DEPLOYCTL_SSH_REMOTE_TEMP_DIR.
const EnvPrefix = "DEPLOYCTL"

// Settings holds deployctl's application configuration.
type Settings struct {
	DataDir      string `mapstructure:"data_dir" validate:"required"`
	Database     string `mapstructure:"database" validate:"required"`
	TemplatesDir string `mapstructure:"templates_dir" validate:"required"`
	PoliciesDir  string `mapstructure:"policies_dir"`

	Engine  EngineSettings  `mapstructure:"engine"`
	SSH     SSHSettings     `mapstructure:"ssh"`
	Log     LogSettings     `mapstructure:"log"`
	Metrics MetricsSettings `mapstructure:"metrics"`
	Tracing TracingSettings `mapstructure:"tracing"`
}

// EngineSettings configures the orchestrator.
type EngineSettings struct {
	// MaxWorkers is the process-wide ceiling on concurrently running tasks.
	MaxWorkers int `mapstructure:"max_workers" validate:"min=1,max=1000"`

	// ParallelLimit is the default per-deployment limit for new deployments.
	ParallelLimit int `mapstructure:"parallel_limit" validate:"min=1"`

	// TimeoutSeconds is the default per-task timeout for new deployments.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"min=1"`

	// PartialSuccess reports mixed outcomes as PARTIAL_SUCCESS instead of SUCCESS.
	PartialSuccess bool `mapstructure:"partial_success"`

	// Retry re-runs tasks that fail with transient connection errors.
	Retry bool `mapstructure:"retry"`

	// RunDeadline bounds a whole run by its task timeout and batch count.
	RunDeadline bool `mapstructure:"run_deadline"`
}

// SSHSettings configures the remote-shell transport.
type SSHSettings struct {
	KnownHostsPath        string        `mapstructure:"known_hosts"`
	StrictHostKeyChecking bool          `mapstructure:"strict_host_key_checking"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	RemoteTempDir         string        `mapstructure:"remote_temp_dir" validate:"required"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// MetricsSettings configures the Prometheus endpoint served during runs.
type MetricsSettings struct {
	// Addr enables the endpoint when non-empty.
	Addr string `mapstructure:"addr"`
}

// TracingSettings configures span export.
type TracingSettings struct {
	Exporter string `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
}

// NewViper returns a viper instance with deployctl's defaults and
// environment overrides. Callers may bind flags before LoadSettings.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("data_dir", "~/.deployctl")
	v.SetDefault("database", "deployctl.db")
	v.SetDefault("templates_dir", "templates")
	v.SetDefault("policies_dir", "policies")

	v.SetDefault("engine.max_workers", 20)
	v.SetDefault("engine.parallel_limit", 10)
	v.SetDefault("engine.timeout_seconds", 300)
	v.SetDefault("engine.partial_success", false)
	v.SetDefault("engine.retry", false)
	v.SetDefault("engine.run_deadline", false)

	v.SetDefault("ssh.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("ssh.strict_host_key_checking", true)
	v.SetDefault("ssh.connect_timeout", "30s")
	v.SetDefault("ssh.remote_temp_dir", "/tmp")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadSettings reads configPath (when set) into v and decodes the result.
// Without configPath, config.yaml in the data directory is used if present.
func LoadSettings(v *viper.Viper, configPath string) (*Settings, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(expandHome(v.GetString("data_dir")))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	s.DataDir = expandHome(s.DataDir)
	s.SSH.KnownHostsPath = expandHome(s.SSH.KnownHostsPath)

	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &s, nil
}

// DatabasePath resolves Database against DataDir.
func (s *Settings) DatabasePath() string {
	return s.resolve(s.Database)
}

// TemplatesPath resolves TemplatesDir against DataDir.
func (s *Settings) TemplatesPath() string {
	return s.resolve(s.TemplatesDir)
}

// PoliciesPath resolves PoliciesDir against DataDir; empty disables custom policies.
func (s *Settings) PoliciesPath() string {
	if s.PoliciesDir == "" {
		return ""
	}
	return s.resolve(s.PoliciesDir)
}

func (s *Settings) resolve(p string) string {
	p = expandHome(p)
	if p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.DataDir, p)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
