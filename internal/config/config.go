package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Content    ContentConfig    `yaml:"content"`
	Identity   IdentityConfig   `yaml:"identity"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Detector   DetectorConfig   `yaml:"detector"`
	Captioner  CaptionerConfig  `yaml:"captioner"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	APIKey      string `yaml:"api_key"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Name       string `yaml:"name"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	MaxConns   int    `yaml:"max_conns"`
	SQLitePath string `yaml:"sqlite_path"`
}

// DSN returns URL when set, otherwise a URL assembled from the parts.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Backend string `yaml:"backend"`
	// Routes overrides the destination queue of a stage.
	Routes map[string]string `yaml:"routes"`
	// Pools lists the capability tags this worker consumes.
	Pools      []string          `yaml:"pools"`
	PoolQueues map[string]string `yaml:"pool_queues"`
	Workers    int               `yaml:"workers"`
	AckWait    time.Duration     `yaml:"ack_wait"`
	MaxDeliver int               `yaml:"max_deliver"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type ContentConfig struct {
	Root          string        `yaml:"root"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
	SkipDirs      []string      `yaml:"skip_dirs"`
	ImageExts     []string      `yaml:"image_exts"`
	VideoExts     []string      `yaml:"video_exts"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	FFprobePath   string        `yaml:"ffprobe_path"`
	MaxFrameWidth int           `yaml:"max_frame_width"`
}

type IdentityConfig struct {
	Threshold          float64       `yaml:"threshold"`
	Dimension          int           `yaml:"dimension"`
	CacheBackend       string        `yaml:"cache_backend"`
	CacheDir           string        `yaml:"cache_dir"`
	CachePrefix        string        `yaml:"cache_prefix"`
	EpochCheckInterval time.Duration `yaml:"epoch_check_interval"`
}

type ClusteringConfig struct {
	Method      string        `yaml:"method"`
	Eps         float64       `yaml:"eps"`
	MinSamples  int           `yaml:"min_samples"`
	K           int           `yaml:"k"`
	KMeansAbove int           `yaml:"kmeans_above"`
	MaxIter     int           `yaml:"max_iter"`
	LockFile    string        `yaml:"lock_file"`
	Interval    time.Duration `yaml:"interval"`
}

type PipelineConfig struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SweepBatch      int           `yaml:"sweep_batch"`
	FallbackKeyword string        `yaml:"fallback_keyword"`
	MaxKeywords     int           `yaml:"max_keywords"`
}

type DetectorConfig struct {
	Backend            string        `yaml:"backend"`
	URL                string        `yaml:"url"`
	Timeout            time.Duration `yaml:"timeout"`
	ModelsDir          string        `yaml:"models_dir"`
	ONNXLibrary        string        `yaml:"onnx_library"`
	DetectionThreshold float64       `yaml:"detection_threshold"`
	DedupThreshold     float64       `yaml:"dedup_threshold"`
}

type CaptionerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type MetadataConfig struct {
	ExiftoolPath string        `yaml:"exiftool_path"`
	Timeout      time.Duration `yaml:"timeout"`
	DryRun       bool          `yaml:"dry_run"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies .env and environment variable overrides.
// An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnvOverrides(cfg)
	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills every zero value that has a sensible default.
func SetDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "mediaflow.db"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "nats"
	}
	if len(cfg.Queue.Pools) == 0 {
		cfg.Queue.Pools = []string{"detection", "caption", "harvest", "ledger"}
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.AckWait == 0 {
		cfg.Queue.AckWait = 2 * time.Minute
	}
	if cfg.Queue.MaxDeliver == 0 {
		cfg.Queue.MaxDeliver = 5
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "mediaflow"
	}
	if cfg.Content.ScanInterval == 0 {
		cfg.Content.ScanInterval = 10 * time.Minute
	}
	if len(cfg.Content.SkipDirs) == 0 {
		cfg.Content.SkipDirs = []string{"@eaDir", ".git"}
	}
	if len(cfg.Content.ImageExts) == 0 {
		cfg.Content.ImageExts = []string{".jpg", ".jpeg", ".png", ".webp", ".bmp", ".tif", ".tiff", ".gif"}
	}
	if len(cfg.Content.VideoExts) == 0 {
		cfg.Content.VideoExts = []string{".mp4", ".mov", ".avi", ".mkv", ".m4v", ".webm"}
	}
	if cfg.Content.FFmpegPath == "" {
		cfg.Content.FFmpegPath = "ffmpeg"
	}
	if cfg.Content.FFprobePath == "" {
		cfg.Content.FFprobePath = "ffprobe"
	}
	if cfg.Content.MaxFrameWidth == 0 {
		cfg.Content.MaxFrameWidth = 1280
	}
	if cfg.Identity.Threshold == 0 {
		cfg.Identity.Threshold = 0.7
	}
	if cfg.Identity.Dimension == 0 {
		cfg.Identity.Dimension = 512
	}
	if cfg.Identity.CacheBackend == "" {
		cfg.Identity.CacheBackend = "dir"
	}
	if cfg.Identity.CacheDir == "" {
		cfg.Identity.CacheDir = "cache"
	}
	if cfg.Identity.CachePrefix == "" {
		cfg.Identity.CachePrefix = "identity-index"
	}
	if cfg.Identity.EpochCheckInterval == 0 {
		cfg.Identity.EpochCheckInterval = 30 * time.Second
	}
	if cfg.Clustering.Method == "" {
		cfg.Clustering.Method = "auto"
	}
	if cfg.Clustering.Eps == 0 {
		cfg.Clustering.Eps = 0.45
	}
	if cfg.Clustering.MinSamples == 0 {
		cfg.Clustering.MinSamples = 3
	}
	if cfg.Clustering.KMeansAbove == 0 {
		cfg.Clustering.KMeansAbove = 20000
	}
	if cfg.Clustering.MaxIter == 0 {
		cfg.Clustering.MaxIter = 50
	}
	if cfg.Clustering.LockFile == "" {
		cfg.Clustering.LockFile = "mediaflow-clustering.lock"
	}
	if cfg.Pipeline.StaleAfter == 0 {
		cfg.Pipeline.StaleAfter = 30 * time.Minute
	}
	if cfg.Pipeline.SweepInterval == 0 {
		cfg.Pipeline.SweepInterval = 5 * time.Minute
	}
	if cfg.Pipeline.SweepBatch == 0 {
		cfg.Pipeline.SweepBatch = 500
	}
	if cfg.Pipeline.FallbackKeyword == "" {
		cfg.Pipeline.FallbackKeyword = "needs_review"
	}
	if cfg.Pipeline.MaxKeywords == 0 {
		cfg.Pipeline.MaxKeywords = 40
	}
	if cfg.Detector.Backend == "" {
		cfg.Detector.Backend = "http"
	}
	if cfg.Detector.Timeout == 0 {
		cfg.Detector.Timeout = 2 * time.Minute
	}
	if cfg.Detector.DetectionThreshold == 0 {
		cfg.Detector.DetectionThreshold = 0.5
	}
	if cfg.Detector.DedupThreshold == 0 {
		cfg.Detector.DedupThreshold = 0.6
	}
	if cfg.Captioner.Timeout == 0 {
		cfg.Captioner.Timeout = 5 * time.Minute
	}
	if cfg.Metadata.ExiftoolPath == "" {
		cfg.Metadata.ExiftoolPath = "exiftool"
	}
	if cfg.Metadata.Timeout == 0 {
		cfg.Metadata.Timeout = time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects combinations no component can run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database driver %q", c.Database.Driver)
	}
	switch c.Queue.Backend {
	case "nats", "asynq", "memory":
	default:
		return fmt.Errorf("invalid queue backend %q", c.Queue.Backend)
	}
	switch c.Identity.CacheBackend {
	case "dir", "minio", "none":
	default:
		return fmt.Errorf("invalid identity cache backend %q", c.Identity.CacheBackend)
	}
	switch c.Clustering.Method {
	case "auto", "dbscan", "kmeans":
	default:
		return fmt.Errorf("invalid clustering method %q", c.Clustering.Method)
	}
	switch c.Detector.Backend {
	case "http", "onnx", "combined":
	default:
		return fmt.Errorf("invalid detector backend %q", c.Detector.Backend)
	}
	if c.Identity.Threshold <= 0 || c.Identity.Threshold > 1 {
		return fmt.Errorf("identity threshold must be in (0, 1], got %v", c.Identity.Threshold)
	}
	if c.Clustering.Eps <= 0 || c.Clustering.Eps >= 2 {
		return fmt.Errorf("clustering eps must be in (0, 2), got %v", c.Clustering.Eps)
	}
	return nil
}

// QueueForPool returns the queue a pool tag consumes. Unmapped tags name the queue directly.
func (q QueueConfig) QueueForPool(pool string) string {
	if name, ok := q.PoolQueues[pool]; ok {
		return name
	}
	return pool
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MF_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MF_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("MF_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MF_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MF_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("MF_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("MF_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("MF_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("MF_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("MF_SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("MF_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MF_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MF_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MF_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = v
	}
	if v := os.Getenv("MF_POOLS"); v != "" {
		cfg.Queue.Pools = splitList(v)
	}
	if v := os.Getenv("MF_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("MF_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("MF_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("MF_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("MF_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("MF_CONTENT_ROOT"); v != "" {
		cfg.Content.Root = v
	}
	if v := os.Getenv("MF_IDENTITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Identity.Threshold = f
		}
	}
	if v := os.Getenv("MF_IDENTITY_CACHE_DIR"); v != "" {
		cfg.Identity.CacheDir = v
	}
	if v := os.Getenv("MF_DETECTOR_URL"); v != "" {
		cfg.Detector.URL = v
	}
	if v := os.Getenv("MF_CAPTIONER_URL"); v != "" {
		cfg.Captioner.URL = v
	}
	if v := os.Getenv("MF_MODELS_DIR"); v != "" {
		cfg.Detector.ModelsDir = v
	}
	if v := os.Getenv("MF_ONNX_LIBRARY"); v != "" {
		cfg.Detector.ONNXLibrary = v
	}
	if v := os.Getenv("MF_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
