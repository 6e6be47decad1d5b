package main

import (
	"strings"
	"time"
)

const (
	defaultDataDir    = "fleet-data"
	defaultStatusBind = "127.0.0.1:8332"
)

// Config is the resolved runtime configuration: base config file, secrets
// overlay, then command-line overrides, in that order.
type Config struct {
	DataDir    string
	StatusBind string
	LogLevel   string
	LogStdout  bool

	StatsInterval time.Duration
	ZMQEventAddr  string

	DiscordChannelID string
	DiscordBotToken  string
	AdminJWTSecret   string

	ActivePoolID string
	Pools        []Pool
	Users        []User
	Devices      []Device
}

func defaultConfig() Config {
	return Config{
		DataDir:       defaultDataDir,
		StatusBind:    defaultStatusBind,
		LogLevel:      "info",
		StatsInterval: defaultStatsInterval,
	}
}

func parseLogLevel(s string) (logLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logLevelDebug, true
	case "info", "":
		return logLevelInfo, true
	case "warn", "warning":
		return logLevelWarn, true
	case "error":
		return logLevelError, true
	}
	return logLevelInfo, false
}
