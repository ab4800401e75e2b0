package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SHIPYARD_HTTP_ADDR.
const EnvPrefix = "SHIPYARD"

// Config holds runtime configuration for the engine and the CLI.
type Config struct {
	Environment string          `mapstructure:"environment"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Docker      DockerConfig    `mapstructure:"docker"`
	Workspace   WorkspaceConfig `mapstructure:"workspace"`
	Ports       PortsConfig     `mapstructure:"ports"`
	Deploy      DeployConfig    `mapstructure:"deploy"`
	Reconcile   ReconcileConfig `mapstructure:"reconcile"`
	Log         LogConfig       `mapstructure:"log"`
	Client      ClientConfig    `mapstructure:"client"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIToken        string        `mapstructure:"api_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// RedisConfig is optional; an empty Addr disables redis-backed features.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DockerConfig points at the container engine.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	ComposeCmd string `mapstructure:"compose_cmd"`
	DockerCmd  string `mapstructure:"docker_cmd"`
}

// WorkspaceConfig configures per-attempt scratch directories.
type WorkspaceConfig struct {
	Root string        `mapstructure:"root"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// PortsConfig bounds the host port range handed to deployments.
type PortsConfig struct {
	Start int  `mapstructure:"start"`
	End   int  `mapstructure:"end"`
	Probe bool `mapstructure:"probe"`
}

// DeployConfig tunes the pipeline.
type DeployConfig struct {
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	PublicURLTemplate string        `mapstructure:"public_url_template"`
	NamePrefix        string        `mapstructure:"name_prefix"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	KeepWorkdir       bool          `mapstructure:"keep_workdir"`
}

// ReconcileConfig schedules orphan recovery.
type ReconcileConfig struct {
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ClientConfig is read by CLI commands that talk to a running engine.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.api_token", "")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.rate_limit", 30)
	v.SetDefault("http.rate_window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/shipyard.db")
	v.SetDefault("database.migrations_dir", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.compose_cmd", "docker compose")
	v.SetDefault("docker.docker_cmd", "docker")

	v.SetDefault("workspace.root", "./data/deploy")
	v.SetDefault("workspace.ttl", "24h")

	v.SetDefault("ports.start", 3000)
	v.SetDefault("ports.end", 3999)
	v.SetDefault("ports.probe", true)

	v.SetDefault("deploy.command_timeout", "10m")
	v.SetDefault("deploy.public_url_template", "http://localhost:%d")
	v.SetDefault("deploy.name_prefix", "shipyard")
	v.SetDefault("deploy.subscriber_buffer", 256)
	v.SetDefault("deploy.keep_workdir", false)

	v.SetDefault("reconcile.schedule", "@every 5m")
	v.SetDefault("reconcile.stale_after", "30m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.timeout", "30s")
}

// Load reads configuration from defaults, an optional file and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return LoadFrom(v, path)
}

// LoadFrom is Load against a caller-owned viper instance, so CLI flags bound
// to v take part in resolution.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Ports.Start <= 0 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Ports.Start, c.Ports.End))
	}
	if !strings.Contains(c.Deploy.PublicURLTemplate, "%d") {
		errs = append(errs, errors.New("deploy.public_url_template must contain %d"))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	return errors.Join(errs...)
}
