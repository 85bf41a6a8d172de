package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/djlord-it/easy-gitops/internal/gitops"
)

// Executor modes.
const (
	ExecutorDocker = "docker"
	ExecutorDryRun = "dryrun"
)

// Notification delivery modes.
const (
	// NotifyContainer runs the notifier image like any other job.
	NotifyContainer = "container"
	// NotifyNative posts notifications from the process.
	NotifyNative = "native"
)

// Config holds all configuration for the easygitops application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL string `json:"database_url,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	ProjectsFile string `json:"projects_file"`
	IngestSecret string `json:"-"`

	Executor      string `json:"executor"`
	DockerBinary  string `json:"docker_binary"`
	StorageVolume string `json:"storage_volume,omitempty"`
	NotifyMode    string `json:"notify_mode"`

	JobTimeout    time.Duration `json:"-"`
	JobTimeoutStr string        `json:"job_timeout"`

	DeployBranch      string `json:"deploy_branch"`
	ManifestPath      string `json:"manifest_path"`
	ManifestDir       string `json:"manifest_dir"`
	ContainerName     string `json:"container_name"`
	SourceDir         string `json:"source_dir"`
	HubImage          string `json:"hub_image"`
	KubectlImage      string `json:"kubectl_image"`
	NotifyImage       string `json:"notify_image"`
	BotEmail          string `json:"bot_email"`
	BotName           string `json:"bot_name"`
	CommitTitle       string `json:"commit_title"`
	CredentialHelper  string `json:"credential_helper"`
	GitHost           string `json:"git_host"`
	ImageDeletePolicy string `json:"image_delete_policy"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`
	DispatcherWorkers         int           `json:"dispatcher_workers"`
	EventBusBufferSize        int           `json:"eventbus_buffer_size"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	ReconcileEnabled      bool          `json:"reconcile_enabled"`
	ReconcileInterval     time.Duration `json:"-"`
	ReconcileIntervalStr  string        `json:"reconcile_interval"`
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	g := gitops.DefaultConfig()

	cfg := Config{
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		HTTPAddr:                  os.Getenv("HTTP_ADDR"),
		ProjectsFile:              envOr("PROJECTS_FILE", "projects.yaml"),
		IngestSecret:              os.Getenv("INGEST_SECRET"),
		Executor:                  envOr("EXECUTOR", ExecutorDocker),
		DockerBinary:              envOr("DOCKER_BINARY", "docker"),
		StorageVolume:             os.Getenv("STORAGE_VOLUME"),
		NotifyMode:                envOr("NOTIFY_MODE", NotifyContainer),
		JobTimeoutStr:             envOr("JOB_TIMEOUT", g.JobTimeout.String()),
		DeployBranch:              envOr("DEPLOY_BRANCH", g.DeployBranch),
		ManifestPath:              envOr("MANIFEST_PATH", g.ManifestPath),
		ManifestDir:               envOr("MANIFEST_DIR", g.ManifestDir),
		ContainerName:             envOr("CONTAINER_NAME", g.Container),
		SourceDir:                 envOr("SOURCE_DIR", g.SourceDir),
		HubImage:                  envOr("HUB_IMAGE", g.HubImage),
		KubectlImage:              envOr("KUBECTL_IMAGE", g.KubectlImage),
		NotifyImage:               envOr("NOTIFY_IMAGE", g.NotifyImage),
		BotEmail:                  envOr("BOT_EMAIL", g.BotEmail),
		BotName:                   envOr("BOT_NAME", g.BotName),
		CommitTitle:               envOr("COMMIT_TITLE", g.CommitTitle),
		CredentialHelper:          envOr("CREDENTIAL_HELPER", g.CredentialHelper),
		GitHost:                   envOr("GIT_HOST", g.GitHost),
		ImageDeletePolicy:         envOr("IMAGE_DELETE_POLICY", string(g.ImageDeletePolicy)),
		DBConnMaxLifetimeStr:      envOr("DB_CONN_MAX_LIFETIME", "30m"),
		DBConnMaxIdleTimeStr:      envOr("DB_CONN_MAX_IDLE_TIME", "5m"),
		HTTPShutdownTimeoutStr:    envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		DispatcherDrainTimeoutStr: envOr("DISPATCHER_DRAIN_TIMEOUT", "30s"),
		MetricsEnabled:            os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:               envOr("METRICS_PATH", "/metrics"),
		MetricsPort:               envOr("METRICS_PORT", "9090"),
		ReconcileEnabled:          os.Getenv("RECONCILE_ENABLED") == "true",
		ReconcileIntervalStr:      envOr("RECONCILE_INTERVAL", "1m"),
		ReconcileThresholdStr:     envOr("RECONCILE_THRESHOLD", "2m"),
		CircuitBreakerCooldownStr: envOr("CIRCUIT_BREAKER_COOLDOWN", "2m"),
		AnalyticsRetentionStr:     envOr("ANALYTICS_RETENTION", "168h"),
	}

	cfg.ReconcileBatchSize = envPositiveInt("RECONCILE_BATCH_SIZE", 100)
	cfg.EventBusBufferSize = envPositiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.DispatcherWorkers = envPositiveInt("DISPATCHER_WORKERS", 1)
	cfg.DBMaxOpenConns = envPositiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envPositiveInt("DB_MAX_IDLE_CONNS", 5)

	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := parseInt(s); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
		}
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(d.raw); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

type durationField struct {
	env string
	raw string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"JOB_TIMEOUT", c.JobTimeoutStr, &c.JobTimeout},
		{"DB_CONN_MAX_LIFETIME", c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DISPATCHER_DRAIN_TIMEOUT", c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout},
		{"RECONCILE_INTERVAL", c.ReconcileIntervalStr, &c.ReconcileInterval},
		{"RECONCILE_THRESHOLD", c.ReconcileThresholdStr, &c.ReconcileThreshold},
		{"CIRCUIT_BREAKER_COOLDOWN", c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"ANALYTICS_RETENTION", c.AnalyticsRetentionStr, &c.AnalyticsRetention},
	}
}

// GitOps returns the handler configuration.
func (c Config) GitOps() gitops.Config {
	return gitops.Config{
		DeployBranch:      c.DeployBranch,
		ManifestPath:      c.ManifestPath,
		ManifestDir:       c.ManifestDir,
		Container:         c.ContainerName,
		SourceDir:         c.SourceDir,
		HubImage:          c.HubImage,
		KubectlImage:      c.KubectlImage,
		NotifyImage:       c.NotifyImage,
		BotEmail:          c.BotEmail,
		BotName:           c.BotName,
		CommitTitle:       c.CommitTitle,
		CredentialHelper:  c.CredentialHelper,
		GitHost:           c.GitHost,
		ImageDeletePolicy: gitops.ImageDeletePolicy(c.ImageDeletePolicy),
		JobTimeout:        c.JobTimeout,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envPositiveInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := parseInt(s)
	if err != nil || n <= 0 {
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, fallback)
		return fallback
	}
	return n
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		Config
		DatabaseURL  string `json:"database_url,omitempty"`
		IngestSecret string `json:"ingest_secret,omitempty"`
	}{
		Config:       c,
		DatabaseURL:  maskSecret(c.DatabaseURL),
		IngestSecret: maskSecret(c.IngestSecret),
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
