package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string
	DBPath        string

	BrokerDir string

	ProfileFirstName string
	ProfileLastName  string
	ProfileEmail     string

	MaxConcurrentSubmissions int
	MaxAttempts              int

	VerifyDelay      time.Duration
	VerifyMaxRetries int
	StaleClaimCutoff time.Duration
	ReclaimOnStartup bool
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8082"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       getenv("DATA_DIR", "./data"),
		DBPath:        getenv("DB_PATH", "./data/removals.db"),

		BrokerDir: os.Getenv("BROKER_DIR"),

		ProfileFirstName: os.Getenv("PROFILE_FIRST_NAME"),
		ProfileLastName:  os.Getenv("PROFILE_LAST_NAME"),
		ProfileEmail:     os.Getenv("PROFILE_EMAIL"),

		MaxConcurrentSubmissions: getenvInt("MAX_CONCURRENT_SUBMISSIONS", 3),
		MaxAttempts:              getenvInt("MAX_ATTEMPTS", 3),

		VerifyDelay:      getenvDuration("VERIFY_DELAY", 24*time.Hour),
		VerifyMaxRetries: getenvInt("VERIFY_MAX_RETRIES", 5),
		StaleClaimCutoff: getenvDuration("STALE_CLAIM_CUTOFF", 30*time.Minute),
		ReclaimOnStartup: getenvBool("RECLAIM_ON_STARTUP", true),
	}
	if cfg.RedisAddr == "" {
		panic(fmt.Errorf("REDIS_ADDR is required"))
	}
	return cfg
}
