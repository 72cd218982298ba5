// Package config loads settings for the messaging services.
// Priority: environment variables > YAML file > defaults. Outside
// production a .env file discovered up the directory tree seeds the
// environment first.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ndolo/messenger/internal/logger"
)

// DatabaseConfig is the postgres document store connection.
type DatabaseConfig struct {
	URL            string `yaml:"database_url"`
	MaxConnections int    `yaml:"db_max_connections"`
}

// RedisConfig is the snapshot cache backend.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PushConfig carries the Web Push VAPID keypair. Empty keys disable
// sending; subscriptions are still stored.
type PushConfig struct {
	Subscriber      string `yaml:"subscriber"`
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
}

// Config holds everything the sync service and the messaging agent
// need.
type Config struct {
	// Server (syncd)
	ServerAddr   string        `yaml:"server_addr"`
	ReadTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	IdleTimeout  time.Duration `yaml:"-"`

	// Agent endpoints
	SyncURL string `yaml:"sync_url"` // REST base of the sync service
	FeedURL string `yaml:"feed_url"` // ws:// change-feed endpoint

	// Messaging
	EncryptionSalt string `yaml:"encryption_salt"`
	SupportUserID  string `yaml:"support_user_id"`

	// Intervals (seconds in YAML/env)
	HeartbeatInterval time.Duration `yaml:"-"`
	CleanupInterval   time.Duration `yaml:"-"`

	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	LogLevel           string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"-"`
	Redis    RedisConfig    `yaml:"-"`
	Push     PushConfig     `yaml:"-"`
}

// DatabaseURL returns the postgres connection string.
func (c *Config) DatabaseURL() string { return c.Database.URL }

// DBMaxConnections returns the pool size, defaulted.
func (c *Config) DBMaxConnections() int {
	if c.Database.MaxConnections <= 0 {
		return 20
	}
	return c.Database.MaxConnections
}

// yamlConfig is the flat on-disk form; durations are whole seconds.
type yamlConfig struct {
	ServerAddr         string `yaml:"server_addr"`
	ReadTimeout        int    `yaml:"read_timeout"`
	WriteTimeout       int    `yaml:"write_timeout"`
	IdleTimeout        int    `yaml:"idle_timeout"`
	SyncURL            string `yaml:"sync_url"`
	FeedURL            string `yaml:"feed_url"`
	EncryptionSalt     string `yaml:"encryption_salt"`
	SupportUserID      string `yaml:"support_user_id"`
	HeartbeatInterval  int    `yaml:"heartbeat_interval"`
	CleanupInterval    int    `yaml:"cleanup_interval"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	LogLevel           string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Push     PushConfig     `yaml:"push"`
}

// Load reads configuration: .env (if any), then CONFIG_PATH or
// config/messenger.yaml, then environment overrides.
func Load() *Config {
	loadEnv()
	yc := yamlConfig{
		ServerAddr:         ":8090",
		ReadTimeout:        15,
		WriteTimeout:       15,
		IdleTimeout:        60,
		SyncURL:            "http://localhost:8090",
		FeedURL:            "ws://localhost:8090/v1/feed",
		HeartbeatInterval:  30,
		CleanupInterval:    300,
		CORSAllowedOrigins: "*",
		LogLevel:           "info",
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/messenger.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cfg := &Config{
		ServerAddr:         envStr("SERVER_ADDR", yc.ServerAddr),
		ReadTimeout:        time.Duration(yc.ReadTimeout) * time.Second,
		WriteTimeout:       time.Duration(yc.WriteTimeout) * time.Second,
		IdleTimeout:        time.Duration(yc.IdleTimeout) * time.Second,
		SyncURL:            envStr("SYNC_URL", yc.SyncURL),
		FeedURL:            envStr("FEED_URL", yc.FeedURL),
		EncryptionSalt:     envStr("ENCRYPTION_SALT", yc.EncryptionSalt),
		SupportUserID:      envStr("SUPPORT_USER_ID", yc.SupportUserID),
		HeartbeatInterval:  time.Duration(envInt("HEARTBEAT_INTERVAL", yc.HeartbeatInterval)) * time.Second,
		CleanupInterval:    time.Duration(envInt("CLEANUP_INTERVAL", yc.CleanupInterval)) * time.Second,
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", yc.Database.URL),
			MaxConnections: envInt("DB_MAX_CONNECTIONS", yc.Database.MaxConnections),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", yc.Redis.URL),
		},
		Push: PushConfig{
			Subscriber:      envStr("PUSH_SUBSCRIBER", defaultStr(yc.Push.Subscriber, "ndolo-messenger")),
			VAPIDPublicKey:  envStr("VAPID_PUBLIC_KEY", yc.Push.VAPIDPublicKey),
			VAPIDPrivateKey: envStr("VAPID_PRIVATE_KEY", yc.Push.VAPIDPrivateKey),
		},
	}
	return cfg
}

// loadEnv reads .env outside production only (containers get pure env
// config). Walks up to five directories looking for the file.
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
		if dir == "" {
			dir = "/"
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func defaultStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
