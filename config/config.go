package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL string
	DBPath      string
	LogLevel    string
	LogFile     string
	MetricsAddr string
	AMQPURL     string
	FeedsDir    string

	HTTP      HTTPConfig
	Jobs      JobsConfig
	Media     MediaConfig
	S3        S3Config
	Minio     MinioConfig
	Scheduler SchedulerConfig
	Feeds     map[string]*FeedConfig
}

// HTTPConfig controls the feed request executor.
type HTTPConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

type JobsConfig struct {
	Workers             int
	Tries               int
	MaxExceptions       int
	RetryFor            time.Duration
	Backoff             time.Duration
	MediaSyncPerMinute  int
	MediaDownloadPerMin int
	MediaSyncQueue      string
	MediaDownloadQueue  string
	DrainTimeout        time.Duration // one-shot commands wait this long for the in-process queue
}

type MediaConfig struct {
	AutoDownload bool
	Disk         string // s3, minio, none
	PathPrefix   string
	Feed         string // feed whose Media resource backs media.sync; first feed when empty
	PruneCron    string
	ChangesCron  string // polls the Media resource for changes since the media cursor
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, etc.
	AccessKeyID     string
	SecretAccessKey string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

// FeedConfig describes one RESO OData feed (IDX or VOW).
type FeedConfig struct {
	Name               string `yaml:"name"`
	Source             string `yaml:"source"`
	Channel            string `yaml:"channel"`
	BaseURI            string `yaml:"base_uri"`
	Token              string `yaml:"token"`
	TokenEnv           string `yaml:"token_env"`
	Resource           string `yaml:"resource"`
	PageSize           int    `yaml:"page_size"`
	MaxPages           int    `yaml:"max_pages"`
	RequirePowerOfSale bool   `yaml:"require_power_of_sale"`
	PushFilter         bool   `yaml:"push_filter"`
	Cron               string `yaml:"cron"`
	BackfillLimit      int    `yaml:"backfill_limit"`
	PreviewTop         int    `yaml:"preview_top"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPath:      getEnv("DB_PATH", "mls_sync.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", "mls_sync.log"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9102"),
		AMQPURL:     os.Getenv("AMQP_URL"),
		FeedsDir:    getEnv("FEEDS_DIR", "config/feeds"),
		HTTP: HTTPConfig{
			Timeout:      getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
			Retries:      getEnvInt("HTTP_RETRIES", 3),
			RetryBackoff: getEnvDuration("HTTP_RETRY_BACKOFF", 2*time.Second),
		},
		Jobs: JobsConfig{
			Workers:             getEnvInt("JOB_WORKERS", 4),
			Tries:               getEnvInt("JOB_TRIES", 5),
			MaxExceptions:       getEnvInt("JOB_MAX_EXCEPTIONS", 3),
			RetryFor:            getEnvDuration("JOB_RETRY_FOR", 6*time.Hour),
			Backoff:             getEnvDuration("JOB_BACKOFF", 30*time.Second),
			MediaSyncPerMinute:  getEnvInt("RATE_MEDIA_SYNC_PER_MIN", 120),
			MediaDownloadPerMin: getEnvInt("RATE_MEDIA_DOWNLOAD_PER_MIN", 60),
			MediaSyncQueue:      getEnv("MEDIA_SYNC_QUEUE", "media"),
			MediaDownloadQueue:  getEnv("MEDIA_DOWNLOAD_QUEUE", "downloads"),
			DrainTimeout:        getEnvDuration("JOB_DRAIN_TIMEOUT", 10*time.Minute),
		},
		Media: MediaConfig{
			AutoDownload: getEnvBool("MEDIA_AUTO_DOWNLOAD", false),
			Disk:         getEnv("MEDIA_DISK", "none"),
			PathPrefix:   strings.Trim(getEnv("MEDIA_PATH_PREFIX", "listings"), "/"),
			Feed:         os.Getenv("MEDIA_FEED"),
			PruneCron:    os.Getenv("MEDIA_PRUNE_CRON"),
			ChangesCron:  os.Getenv("MEDIA_CHANGES_CRON"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getEnv("MINIO_BUCKET", "listing-media"),
			UseSSL:    getEnvBool("MINIO_SSL", false),
		},
		Scheduler: SchedulerConfig{
			Cron:     os.Getenv("SCHEDULE_CRON"),
			Interval: getEnvDuration("SCHEDULE_INTERVAL", 0),
		},
		Feeds: make(map[string]*FeedConfig),
	}

	if err := cfg.loadFeedConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFeedConfigs() error {
	entries, err := os.ReadDir(c.FeedsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(c.FeedsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		feed, err := ParseFeed(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		c.Feeds[feed.Name] = feed
	}

	return nil
}

// ParseFeed decodes a feed definition and fills defaults.
func ParseFeed(data []byte) (*FeedConfig, error) {
	var feed FeedConfig
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return nil, err
	}
	if feed.Name == "" {
		return nil, fmt.Errorf("feed name is required")
	}
	if feed.BaseURI == "" {
		return nil, fmt.Errorf("feed %s: base_uri is required", feed.Name)
	}
	feed.BaseURI = strings.TrimRight(feed.BaseURI, "/")
	if feed.Source == "" {
		feed.Source = feed.Name
	}
	if feed.Resource == "" {
		feed.Resource = "Property"
	}
	if feed.Channel == "" {
		feed.Channel = feed.Source + ".property"
		if feed.RequirePowerOfSale {
			feed.Channel += ".pos"
		}
	}
	if feed.Token == "" && feed.TokenEnv != "" {
		feed.Token = os.Getenv(feed.TokenEnv)
	}
	if feed.PageSize <= 0 {
		feed.PageSize = 100
	}
	if feed.MaxPages <= 0 {
		feed.MaxPages = 50
	}
	if feed.BackfillLimit <= 0 {
		feed.BackfillLimit = 200
	}
	if feed.PreviewTop <= 0 {
		feed.PreviewTop = 5
	}
	return &feed, nil
}

// MediaFeed returns the feed used for media.sync, nil when none is
// configured.
func (c *Config) MediaFeed() *FeedConfig {
	if f, ok := c.Feeds[c.Media.Feed]; ok {
		return f
	}
	if names := c.FeedNames(); len(names) > 0 {
		return c.Feeds[names[0]]
	}
	return nil
}

// FeedNames returns configured feed names in a stable order.
func (c *Config) FeedNames() []string {
	names := make([]string, 0, len(c.Feeds))
	for name := range c.Feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
