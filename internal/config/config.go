package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr              string
	PublicURL         string
	RedisURL          string
	RedisKeyPrefix    string
	TokenSecret       string
	TokenTTL          time.Duration
	BrowserSessionTTL time.Duration
	OperationTimeout  time.Duration
	OrphanSweepAfter  time.Duration
	StaticDir         string
	ClientConfig      json.RawMessage
	CORSOrigin        string
	// Messaging platform
	CircuitDomain     string
	CircuitBaseURL    string
	BotClientID       string
	BotClientSecret   string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthScope        string
	// Session history, disabled when DatabaseURL is empty
	DatabaseURL   string
	MigrationsDir string
	// Document archive, disabled when ArchiveEndpoint is empty
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveRegion    string
	ArchiveInsecure  bool
	// Logging
	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"API_ADDR":                           ":8787",
	"COEDIT_PUBLIC_URL":                  "http://localhost:8787",
	"REDIS_URL":                          "redis://localhost:6379/0",
	"REDIS_KEY_PREFIX":                   "coedit",
	"COEDIT_TOKEN_SECRET":                "coedit-dev-secret",
	"COEDIT_TOKEN_TTL_SECONDS":           3600,
	"COEDIT_BROWSER_SESSION_TTL_SECONDS": 86400,
	"COEDIT_OPERATION_TIMEOUT_SECONDS":   30,
	"COEDIT_ORPHAN_SWEEP_AFTER_SECONDS":  0,
	"COEDIT_STATIC_DIR":                  "./public",
	"COEDIT_CLIENT_CONFIG":               "{}",
	"CORS_ORIGIN":                        "*",
	"CIRCUIT_DOMAIN":                     "circuitsandbox.net",
	"CIRCUIT_BASE_URL":                   "",
	"CIRCUIT_BOT_CLIENT_ID":              "",
	"CIRCUIT_BOT_CLIENT_SECRET":          "",
	"CIRCUIT_OAUTH_CLIENT_ID":            "",
	"CIRCUIT_OAUTH_CLIENT_SECRET":        "",
	"CIRCUIT_OAUTH_SCOPE":                "READ_USER_PROFILE",
	"DATABASE_URL":                       "",
	"COEDIT_MIGRATIONS_DIR":              "./db/migrations",
	"ARCHIVE_ENDPOINT":                   "",
	"ARCHIVE_BUCKET":                     "coedit-documents",
	"ARCHIVE_ACCESS_KEY":                 "",
	"ARCHIVE_SECRET_KEY":                 "",
	"ARCHIVE_REGION":                     "us-east-1",
	"ARCHIVE_INSECURE":                   false,
	"LOG_LEVEL":                          "info",
	"LOG_FORMAT":                         "json",
}

func Load() Config {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return Config{
		Addr:              v.GetString("API_ADDR"),
		PublicURL:         strings.TrimRight(v.GetString("COEDIT_PUBLIC_URL"), "/"),
		RedisURL:          v.GetString("REDIS_URL"),
		RedisKeyPrefix:    v.GetString("REDIS_KEY_PREFIX"),
		TokenSecret:       v.GetString("COEDIT_TOKEN_SECRET"),
		TokenTTL:          seconds(v, "COEDIT_TOKEN_TTL_SECONDS"),
		BrowserSessionTTL: seconds(v, "COEDIT_BROWSER_SESSION_TTL_SECONDS"),
		OperationTimeout:  seconds(v, "COEDIT_OPERATION_TIMEOUT_SECONDS"),
		OrphanSweepAfter:  seconds(v, "COEDIT_ORPHAN_SWEEP_AFTER_SECONDS"),
		StaticDir:         v.GetString("COEDIT_STATIC_DIR"),
		ClientConfig:      rawJSON(v.GetString("COEDIT_CLIENT_CONFIG")),
		CORSOrigin:        v.GetString("CORS_ORIGIN"),
		CircuitDomain:     v.GetString("CIRCUIT_DOMAIN"),
		CircuitBaseURL:    strings.TrimRight(v.GetString("CIRCUIT_BASE_URL"), "/"),
		BotClientID:       v.GetString("CIRCUIT_BOT_CLIENT_ID"),
		BotClientSecret:   v.GetString("CIRCUIT_BOT_CLIENT_SECRET"),
		OAuthClientID:     v.GetString("CIRCUIT_OAUTH_CLIENT_ID"),
		OAuthClientSecret: v.GetString("CIRCUIT_OAUTH_CLIENT_SECRET"),
		OAuthScope:        v.GetString("CIRCUIT_OAUTH_SCOPE"),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		MigrationsDir:     v.GetString("COEDIT_MIGRATIONS_DIR"),
		ArchiveEndpoint:   v.GetString("ARCHIVE_ENDPOINT"),
		ArchiveBucket:     v.GetString("ARCHIVE_BUCKET"),
		ArchiveAccessKey:  v.GetString("ARCHIVE_ACCESS_KEY"),
		ArchiveSecretKey:  v.GetString("ARCHIVE_SECRET_KEY"),
		ArchiveRegion:     v.GetString("ARCHIVE_REGION"),
		ArchiveInsecure:   v.GetBool("ARCHIVE_INSECURE"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
	}
}

// seconds reads an integer number of seconds, falling back to the registered
// default when the value is negative or not a number.
func seconds(v *viper.Viper, key string) time.Duration {
	value := v.GetInt(key)
	if value < 0 || (value == 0 && strings.TrimSpace(v.GetString(key)) != "0") {
		fallback, _ := defaults[key].(int)
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func rawJSON(value string) json.RawMessage {
	value = strings.TrimSpace(value)
	if value == "" || !json.Valid([]byte(value)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(value)
}
