package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	CI             CIConfig             `mapstructure:"ci"`
	Fleets         []FleetConfig        `mapstructure:"fleets"`
	Scaling        ScalingConfig        `mapstructure:"scaling"`
	Provider       ProviderConfig       `mapstructure:"provider"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Store          StoreConfig          `mapstructure:"store"`
	DryRun         bool                 `mapstructure:"dry_run"`
	LogLevel       string               `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

// CIConfig holds credentials and tuning for the remote CI provider API.
// The token is read from the environment only (ARMADA_CI_TOKEN) and must
// never appear in a persisted config file.
type CIConfig struct {
	Token            string        `mapstructure:"token"`
	BaseURL          string        `mapstructure:"base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
}

// FleetConfig identifies one fleet: the repository or organization its
// workers register against, the capability labels they advertise, and an
// optional worker group. Immutable after the fleet is enabled.
type FleetConfig struct {
	Name         string        `mapstructure:"name" json:"name"`
	Organization string        `mapstructure:"organization" json:"organization,omitempty"`
	Repository   string        `mapstructure:"repository" json:"repository,omitempty"`
	Labels       []string      `mapstructure:"labels" json:"labels"`
	WorkerGroup  string        `mapstructure:"worker_group" json:"worker_group,omitempty"`
	Scaling      ScalingConfig `mapstructure:"scaling" json:"scaling"`
}

// Scope returns the provider path scope for this fleet, either an
// organization or an owner/repo pair.
func (f FleetConfig) Scope() string {
	if f.Organization != "" {
		return "orgs/" + f.Organization
	}
	return "repos/" + f.Repository
}

type ScalingConfig struct {
	MinRunners         int           `mapstructure:"min_runners" json:"min_runners"`
	MaxRunners         int           `mapstructure:"max_runners" json:"max_runners"`
	JobsPerRunner      int           `mapstructure:"jobs_per_runner" json:"jobs_per_runner"`
	ScaleUpThreshold   int           `mapstructure:"scale_up_threshold" json:"scale_up_threshold"`
	ScaleDownThreshold int           `mapstructure:"scale_down_threshold" json:"scale_down_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown" json:"cooldown"`
	TickInterval       time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
	MaxWorkerAge       time.Duration `mapstructure:"max_worker_age" json:"max_worker_age"`
	MaxConcurrentOps   int64         `mapstructure:"max_concurrent_ops" json:"max_concurrent_ops"`
	ActivationTimeout  time.Duration `mapstructure:"activation_timeout" json:"activation_timeout"`
}

type ProviderConfig struct {
	Type   string       `mapstructure:"type"`
	Docker DockerConfig `mapstructure:"docker"`
	AWS    AWSConfig    `mapstructure:"aws"`
}

type DockerConfig struct {
	Host        string            `mapstructure:"host"`
	Image       string            `mapstructure:"image"`
	WorkDir     string            `mapstructure:"work_dir"`
	Network     string            `mapstructure:"network"`
	CPULimit    float64           `mapstructure:"cpu_limit"`
	MemoryLimit int64             `mapstructure:"memory_limit"`
	Labels      map[string]string `mapstructure:"labels"`
	Volumes     []string          `mapstructure:"volumes"`
	PullPolicy  string            `mapstructure:"pull_policy"`
}

type AWSConfig struct {
	Region             string            `mapstructure:"region"`
	InstanceType       string            `mapstructure:"instance_type"`
	AMI                string            `mapstructure:"ami"`
	SubnetID           string            `mapstructure:"subnet_id"`
	SecurityGroupIDs   []string          `mapstructure:"security_group_ids"`
	KeyName            string            `mapstructure:"key_name"`
	IAMInstanceProfile string            `mapstructure:"iam_instance_profile"`
	UseSpot            bool              `mapstructure:"use_spot"`
	SpotMaxPrice       string            `mapstructure:"spot_max_price"`
	Tags               map[string]string `mapstructure:"tags"`
	VolumeSize         int32             `mapstructure:"volume_size"`
	VolumeType         string            `mapstructure:"volume_type"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type LeaderElectionConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	LockFilePath string        `mapstructure:"lock_file_path"`
	RetryPeriod  time.Duration `mapstructure:"retry_period"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ARMADA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Per-fleet scaling overrides fall back to the global section.
	for i := range cfg.Fleets {
		cfg.Fleets[i].Scaling = mergeScaling(cfg.Scaling, cfg.Fleets[i].Scaling)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)

	// CI provider defaults. The token key is registered empty so the
	// ARMADA_CI_TOKEN environment variable binds; it has no file default on
	// purpose.
	v.SetDefault("ci.token", "")
	v.SetDefault("ci.base_url", "https://api.github.com")
	v.SetDefault("ci.request_timeout", 30*time.Second)
	v.SetDefault("ci.max_retries", 3)
	v.SetDefault("ci.retry_backoff_base", 1*time.Second)
	v.SetDefault("ci.retry_backoff_max", 30*time.Second)

	// Scaling defaults
	v.SetDefault("scaling.min_runners", 0)
	v.SetDefault("scaling.max_runners", 10)
	v.SetDefault("scaling.jobs_per_runner", 1)
	v.SetDefault("scaling.scale_up_threshold", 0)
	v.SetDefault("scaling.scale_down_threshold", 0)
	v.SetDefault("scaling.cooldown", 60*time.Second)
	v.SetDefault("scaling.tick_interval", 60*time.Second)
	v.SetDefault("scaling.max_worker_age", time.Duration(0))
	v.SetDefault("scaling.max_concurrent_ops", 10)
	v.SetDefault("scaling.activation_timeout", 5*time.Minute)

	// Provider defaults
	v.SetDefault("provider.type", "docker")
	v.SetDefault("provider.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("provider.docker.image", "myoung34/github-runner:latest")
	v.SetDefault("provider.docker.work_dir", "/runner/_work")
	v.SetDefault("provider.docker.network", "bridge")
	v.SetDefault("provider.docker.cpu_limit", 1.0)
	v.SetDefault("provider.docker.memory_limit", 2147483648) // 2GB
	v.SetDefault("provider.docker.pull_policy", "always")
	v.SetDefault("provider.aws.region", "us-east-1")
	v.SetDefault("provider.aws.instance_type", "t3.medium")
	v.SetDefault("provider.aws.use_spot", true)
	v.SetDefault("provider.aws.volume_size", 30)
	v.SetDefault("provider.aws.volume_type", "gp3")

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	// Leader election defaults
	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/tmp/armada-leader.lock")
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/tmp/armada-events.json")
	v.SetDefault("store.max_events", 1000)

	// General defaults
	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

// mergeScaling overlays a fleet's scaling section on the global one. Zero
// means "unset" and inherits the global value; a fleet cannot override a
// nonzero global back to zero. Where zero is the wanted value (min_runners,
// thresholds, cooldown off), it must be set globally.
func mergeScaling(base, override ScalingConfig) ScalingConfig {
	out := base
	if override.MinRunners != 0 {
		out.MinRunners = override.MinRunners
	}
	if override.MaxRunners != 0 {
		out.MaxRunners = override.MaxRunners
	}
	if override.JobsPerRunner != 0 {
		out.JobsPerRunner = override.JobsPerRunner
	}
	if override.ScaleUpThreshold != 0 {
		out.ScaleUpThreshold = override.ScaleUpThreshold
	}
	if override.ScaleDownThreshold != 0 {
		out.ScaleDownThreshold = override.ScaleDownThreshold
	}
	if override.Cooldown != 0 {
		out.Cooldown = override.Cooldown
	}
	if override.TickInterval != 0 {
		out.TickInterval = override.TickInterval
	}
	if override.MaxWorkerAge != 0 {
		out.MaxWorkerAge = override.MaxWorkerAge
	}
	if override.ActivationTimeout != 0 {
		out.ActivationTimeout = override.ActivationTimeout
	}
	return out
}

func (c *Config) Validate() error {
	// CI provider validation
	if c.CI.Token == "" {
		return fmt.Errorf("ci.token is required (set ARMADA_CI_TOKEN)")
	}
	if c.CI.BaseURL == "" {
		return fmt.Errorf("ci.base_url is required")
	}
	if c.CI.MaxRetries < 0 {
		return fmt.Errorf("ci.max_retries must be >= 0")
	}

	// Global scaling validation; also the fallback for per-fleet sections.
	if err := ValidateScaling(c.Scaling); err != nil {
		return fmt.Errorf("scaling: %w", err)
	}
	if c.Scaling.MaxConcurrentOps <= 0 {
		return fmt.Errorf("scaling.max_concurrent_ops must be > 0")
	}

	seen := make(map[string]bool, len(c.Fleets))
	for i, f := range c.Fleets {
		if f.Name == "" {
			return fmt.Errorf("fleets[%d].name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate fleet name %q", f.Name)
		}
		seen[f.Name] = true
		if err := ValidateFleet(f); err != nil {
			return fmt.Errorf("fleet %q: %w", f.Name, err)
		}
	}

	// Provider validation
	if c.Provider.Type != "docker" && c.Provider.Type != "ec2" {
		return fmt.Errorf("provider.type must be either 'docker' or 'ec2'")
	}

	if c.Provider.Type == "docker" {
		if c.Provider.Docker.Image == "" {
			return fmt.Errorf("provider.docker.image is required when using docker provider")
		}
	}

	if c.Provider.Type == "ec2" {
		if c.Provider.AWS.Region == "" {
			return fmt.Errorf("provider.aws.region is required when using ec2 provider")
		}
		if c.Provider.AWS.AMI == "" {
			return fmt.Errorf("provider.aws.ami is required when using ec2 provider")
		}
		if c.Provider.AWS.SubnetID == "" {
			return fmt.Errorf("provider.aws.subnet_id is required when using ec2 provider")
		}
		if len(c.Provider.AWS.SecurityGroupIDs) == 0 {
			return fmt.Errorf("provider.aws.security_group_ids is required when using ec2 provider")
		}
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	// Leader election validation
	if c.LeaderElection.Enabled {
		if c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.RetryPeriod <= 0 {
			return fmt.Errorf("leader_election.retry_period must be > 0")
		}
	}

	return nil
}

// ValidateFleet checks a fleet definition at enable time. Misconfiguration
// is rejected here, never discovered later inside the tick loop.
func ValidateFleet(f FleetConfig) error {
	if f.Organization == "" && f.Repository == "" {
		return fmt.Errorf("either organization or repository must be set")
	}
	if f.Organization != "" && f.Repository != "" {
		return fmt.Errorf("organization and repository are mutually exclusive")
	}
	if len(f.Labels) == 0 {
		return fmt.Errorf("at least one capability label is required")
	}
	return ValidateScaling(f.Scaling)
}

// ValidateScaling checks scaling policy parameters.
func ValidateScaling(s ScalingConfig) error {
	if s.MinRunners < 0 {
		return fmt.Errorf("min_runners must be >= 0")
	}
	if s.MaxRunners < s.MinRunners {
		return fmt.Errorf("max_runners must be >= min_runners")
	}
	if s.JobsPerRunner <= 0 {
		return fmt.Errorf("jobs_per_runner must be > 0")
	}
	if s.ScaleUpThreshold < 0 {
		return fmt.Errorf("scale_up_threshold must be >= 0")
	}
	if s.ScaleDownThreshold < 0 {
		return fmt.Errorf("scale_down_threshold must be >= 0")
	}
	if s.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if s.TickInterval < 0 {
		return fmt.Errorf("tick_interval must be >= 0")
	}
	return nil
}
