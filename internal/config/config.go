package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultTaskTimeLimit is the hard wall-clock ceiling for one job body.
const DefaultTaskTimeLimit = 24 * time.Hour

// Config holds all configuration for the rgd-jobs server, worker and CLI.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Docker   DockerConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
	MaxUploadBytes  int64
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL      string
	QueueKey string
}

type StorageConfig struct {
	Backend string
	Disk    DiskConfig
	S3      S3Config
}

type DiskConfig struct {
	Root string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

type DockerConfig struct {
	Binary     string
	APITimeout time.Duration
}

type WorkerConfig struct {
	Concurrency    int
	TaskTimeLimit  time.Duration
	PollWait       time.Duration
	WorkDir        string
	ReaperInterval time.Duration
	// StuckAfter is how long a job may stay running before the reaper fails it.
	StuckAfter time.Duration
}

var validBackends = map[string]bool{
	"disk": true,
	"s3":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	taskLimit := envDurationSecs("TASK_TIME_LIMIT_SECS", DefaultTaskTimeLimit)

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("RGD_PORT", 8080),
			Env:             envString("RGD_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
			MaxUploadBytes:  int64(envInt("MAX_UPLOAD_MB", 4096)) << 20,
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			QueueKey: envString("RGD_QUEUE_KEY", "rgd:tasks"),
		},
		Storage: StorageConfig{
			Backend: envString("STORAGE_BACKEND", "disk"),
			Disk: DiskConfig{
				Root: envString("STORAGE_DISK_ROOT", "/var/lib/rgd/artifacts"),
			},
			S3: S3Config{
				Bucket:          os.Getenv("S3_BUCKET"),
				Region:          os.Getenv("S3_REGION"),
				Endpoint:        os.Getenv("S3_ENDPOINT"),
				Profile:         os.Getenv("AWS_PROFILE"),
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				ForcePathStyle:  envBool("S3_FORCE_PATH_STYLE", false),
			},
		},
		Docker: DockerConfig{
			Binary:     envString("DOCKER_BINARY", "docker"),
			APITimeout: envDuration("DOCKER_API_TIMEOUT", 10*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", 2),
			TaskTimeLimit:  taskLimit,
			PollWait:       envDuration("WORKER_POLL_WAIT", 5*time.Second),
			WorkDir:        envString("WORK_DIR", os.TempDir()),
			ReaperInterval: envDuration("REAPER_INTERVAL", 10*time.Minute),
			StuckAfter:     envDuration("REAPER_STUCK_AFTER", 2*taskLimit),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("STORAGE_BACKEND must be one of disk, s3; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "disk" && strings.TrimSpace(c.Storage.Disk.Root) == "" {
		return fmt.Errorf("STORAGE_DISK_ROOT is required when STORAGE_BACKEND is disk")
	}
	if c.Storage.Backend == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is s3")
	}
	if c.Storage.S3.Endpoint != "" &&
		!strings.HasPrefix(c.Storage.S3.Endpoint, "http://") && !strings.HasPrefix(c.Storage.S3.Endpoint, "https://") {
		return fmt.Errorf("S3_ENDPOINT must start with http:// or https://, got %q", c.Storage.S3.Endpoint)
	}
	if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
		return fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.TaskTimeLimit <= 0 {
		return fmt.Errorf("TASK_TIME_LIMIT_SECS must be positive")
	}
	if c.Worker.StuckAfter < c.Worker.TaskTimeLimit {
		return fmt.Errorf("REAPER_STUCK_AFTER (%s) must not be shorter than the task time limit (%s)",
			c.Worker.StuckAfter, c.Worker.TaskTimeLimit)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
