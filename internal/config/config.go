package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string

	// Assembly configuration
	MultipartThresholdMB int64
	InlineReadLimitMB    int64
	ChunkTTL             time.Duration
	SweepInterval        time.Duration

	// Backend selection
	StorageBackend  string
	MetadataBackend string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// S3 configuration
	S3Region    string
	S3Bucket    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Jaeger configuration
	JaegerEndpoint string
}

var defaults = map[string]any{
	"service_port":           "8080",
	"service_name":           "chunkdrop-service",
	"multipart_threshold_mb": 20,
	"inline_read_limit_mb":   5,
	"chunk_ttl":              24 * time.Hour,
	"sweep_interval":         time.Minute,
	"storage_backend":        "minio",
	"metadata_backend":       "tidb",
	"minio_endpoint":         "localhost:9000",
	"minio_access_key":       "minioadmin",
	"minio_secret_key":       "minioadmin",
	"minio_bucket_name":      "chunkdrop",
	"minio_use_ssl":          false,
	"s3_region":              "us-east-1",
	"s3_bucket":              "chunkdrop",
	"s3_endpoint":            "",
	"s3_access_key":          "",
	"s3_secret_key":          "",
	"tidb_host":              "localhost",
	"tidb_port":              "4000",
	"tidb_user":              "root",
	"tidb_password":          "",
	"tidb_database":          "chunkdrop",
	"redis_host":             "localhost",
	"redis_port":             "6379",
	"redis_password":         "",
	"redis_db":               0,
	"cache_ttl":              5 * time.Minute,
	"jaeger_endpoint":        "localhost:4318",
}

// flagKeys maps CLI flag names to configuration keys
var flagKeys = map[string]string{
	"port":             "service_port",
	"storage-backend":  "storage_backend",
	"metadata-backend": "metadata_backend",
	"chunk-ttl":        "chunk_ttl",
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. Flags that were set on the command line take precedence.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	config := &Config{
		ServicePort: v.GetString("service_port"),
		ServiceName: v.GetString("service_name"),

		MultipartThresholdMB: v.GetInt64("multipart_threshold_mb"),
		InlineReadLimitMB:    v.GetInt64("inline_read_limit_mb"),
		ChunkTTL:             v.GetDuration("chunk_ttl"),
		SweepInterval:        v.GetDuration("sweep_interval"),

		StorageBackend:  v.GetString("storage_backend"),
		MetadataBackend: v.GetString("metadata_backend"),

		MinIOEndpoint:   v.GetString("minio_endpoint"),
		MinIOAccessKey:  v.GetString("minio_access_key"),
		MinIOSecretKey:  v.GetString("minio_secret_key"),
		MinIOBucketName: v.GetString("minio_bucket_name"),
		MinIOUseSSL:     v.GetBool("minio_use_ssl"),

		S3Region:    v.GetString("s3_region"),
		S3Bucket:    v.GetString("s3_bucket"),
		S3Endpoint:  v.GetString("s3_endpoint"),
		S3AccessKey: v.GetString("s3_access_key"),
		S3SecretKey: v.GetString("s3_secret_key"),

		TiDBHost:     v.GetString("tidb_host"),
		TiDBPort:     v.GetString("tidb_port"),
		TiDBUser:     v.GetString("tidb_user"),
		TiDBPassword: v.GetString("tidb_password"),
		TiDBDatabase: v.GetString("tidb_database"),

		RedisHost:     v.GetString("redis_host"),
		RedisPort:     v.GetString("redis_port"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		CacheTTL:      v.GetDuration("cache_ttl"),

		JaegerEndpoint: v.GetString("jaeger_endpoint"),
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case "minio", "s3", "memory":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.StorageBackend)
	}
	switch c.MetadataBackend {
	case "tidb", "memory":
	default:
		return fmt.Errorf("unknown metadata backend: %q", c.MetadataBackend)
	}
	if c.MultipartThresholdMB <= 0 || c.InlineReadLimitMB <= 0 {
		return fmt.Errorf("multipart threshold and inline read limit must be positive")
	}
	if c.ChunkTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("chunk ttl and sweep interval must be positive")
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}
