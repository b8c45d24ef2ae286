package config

import "os"

// Config holds all service configuration loaded from environment variables.
type Config struct {
	Port           string
	MetricsPort    string
	PostgresDSN    string
	MongoURI       string
	MongoDB        string
	RedisAddr      string
	RedisPassword  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	SynthesisURL   string
	SessionSecret  string
}

func Load() *Config {
	return &Config{
		Port:           getenv("PORT", "8080"),
		MetricsPort:    getenv("METRICS_PORT", "9090"),
		PostgresDSN:    getenv("POSTGRES_DSN", ""),
		MongoURI:       getenv("MONGO_URI", ""),
		MongoDB:        getenv("MONGO_DB", "finsight"),
		RedisAddr:      getenv("REDIS_ADDR", "redis:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", "minio:9000"),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "finsight-documents"),
		MinioUseSSL:    getenv("MINIO_USE_SSL", "false") == "true",
		SynthesisURL:   getenv("SYNTHESIS_URL", "http://synthesis-service:8000"),
		SessionSecret:  getenv("SESSION_SECRET", ""),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
