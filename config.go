package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backendAzure  = "azure"
	backendMemory = "memory"
)

type config struct {
	Backend       string
	ConnStr       string
	TasksTable    string
	LogsTable     string
	EventsQueue   string
	RedisConn     string
	UpdateChannel string
	CacheTTL      time.Duration
	DeduperTTL    time.Duration
	LogsPageSize  int
	Port          string

	NotifyWorkers        int
	NotifyBuffer         int
	NotifyTimeout        time.Duration
	NotifyHandoffTimeout time.Duration

	AuthDomain    string
	AuthAudience  string
	LocalAuthMode string
	LocalSecret   string

	TraceEndpoint   string
	ServiceName     string
	TraceSampleRate float64
}

func loadConfig() (config, error) {
	cfg := config{
		Backend:       strings.ToLower(envString("STORAGE_BACKEND", backendAzure)),
		ConnStr:       os.Getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:    envString("TASKS_TABLE", "tasks"),
		LogsTable:     envString("LOGS_TABLE", "logs"),
		EventsQueue:   os.Getenv("BOARD_EVENTS_QUEUE"),
		RedisConn:     os.Getenv("REDIS_CONNECTION_STRING"),
		UpdateChannel: envString("REDIS_UPDATES_CHANNEL", "board-updates"),
		Port:          envString("PORT", "8080"),
		AuthDomain:    os.Getenv("AUTH0_DOMAIN"),
		AuthAudience:  os.Getenv("AUTH0_AUDIENCE"),
		LocalAuthMode: strings.ToLower(os.Getenv("LOCAL_AUTH_MODE")),
		LocalSecret:   os.Getenv("LOCAL_AUTH_SHARED_SECRET"),
		TraceEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:   envString("OTEL_SERVICE_NAME", "kanban-api"),
	}

	var err error
	if cfg.CacheTTL, err = envDur("CACHE_TTL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DeduperTTL, err = envDur("DEDUPER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.LogsPageSize, err = envInt("LOGS_PAGE_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.NotifyWorkers, err = envInt("NOTIFY_WORKERS", 4); err != nil {
		return cfg, err
	}
	if cfg.NotifyBuffer, err = envInt("NOTIFY_BUFFER", 256); err != nil {
		return cfg, err
	}
	if cfg.NotifyTimeout, err = envDur("NOTIFY_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.NotifyHandoffTimeout, err = envDur("NOTIFY_HANDOFF_TIMEOUT", 15*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.TraceSampleRate, err = envFloat("OTEL_TRACES_SAMPLE_RATE", 1); err != nil {
		return cfg, err
	}

	switch cfg.Backend {
	case backendMemory:
	case backendAzure:
		if cfg.ConnStr == "" {
			return cfg, fmt.Errorf("missing STORAGE_CONNECTION_STRING")
		}
	default:
		return cfg, fmt.Errorf("invalid STORAGE_BACKEND %q", cfg.Backend)
	}
	if cfg.LocalAuthMode != "" && cfg.LocalAuthMode != "hs256" {
		return cfg, fmt.Errorf("invalid LOCAL_AUTH_MODE %q", cfg.LocalAuthMode)
	}
	if cfg.LocalAuthMode == "hs256" && cfg.LocalSecret == "" {
		return cfg, fmt.Errorf("missing LOCAL_AUTH_SHARED_SECRET")
	}
	if (cfg.AuthDomain == "") != (cfg.AuthAudience == "") {
		return cfg, fmt.Errorf("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set together")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("invalid %s: must be between 0 and 1", key)
	}
	return f, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return d, nil
}

// redisOptions accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
