package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

type baseConfigFile struct {
	DataDir           string `toml:"data_dir"`
	StatusBind        string `toml:"status_bind"`
	LogLevel          string `toml:"log_level"`
	StatsIntervalSecs int    `toml:"stats_interval_secs"`
	ZMQEventAddr      string `toml:"zmq_event_addr"`
	DiscordChannelID  string `toml:"discord_channel_id"`
	ActivePoolID      string `toml:"active_pool_id"`

	Pools   []poolConfigEntry   `toml:"pools"`
	Users   []userConfigEntry   `toml:"users"`
	Devices []deviceConfigEntry `toml:"devices"`
}

type poolConfigEntry struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	URL         string `toml:"url"`
	Algo        string `toml:"algo"`
	Kind        string `toml:"kind"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	BTCPrefixed bool   `toml:"btc_prefixed"`
	Referral    string `toml:"referral"`
}

type userConfigEntry struct {
	ID     string `toml:"id"`
	Wallet string `toml:"wallet"`
	Worker string `toml:"worker"`
}

type deviceConfigEntry struct {
	ID            string  `toml:"id"`
	UserID        string  `toml:"user_id"`
	Name          string  `toml:"name"`
	CPUAllocation float64 `toml:"cpu_allocation"`
}

type secretsFile struct {
	DiscordBotToken string `toml:"discord_bot_token"`
	AdminJWTSecret  string `toml:"admin_jwt_secret"`
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config", "config.toml")
}

func loadConfig(configPath, secretsPath string) Config {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}
	if bc, ok, err := loadBaseConfigFile(configPath); err != nil {
		fatal("config file", err, "path", configPath)
	} else if ok {
		applyBaseConfig(&cfg, *bc)
	} else {
		logger.Warn("config file missing, using defaults", "path", configPath)
	}

	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "config", "secrets.toml")
	}
	ensureSecretFilePermissions(secretsPath)
	if sc, ok, err := loadSecretsFile(secretsPath); err != nil {
		fatal("secrets file", err, "path", secretsPath)
	} else if ok {
		cfg.DiscordBotToken = strings.TrimSpace(sc.DiscordBotToken)
		cfg.AdminJWTSecret = strings.TrimSpace(sc.AdminJWTSecret)
	}

	if cfg.ActivePoolID == "" && len(cfg.Pools) > 0 {
		cfg.ActivePoolID = cfg.Pools[0].ID
	}
	return cfg
}

func loadBaseConfigFile(path string) (*baseConfigFile, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var bc baseConfigFile
	if err := toml.Unmarshal(data, &bc); err != nil {
		return nil, false, err
	}
	return &bc, true, nil
}

func loadSecretsFile(path string) (*secretsFile, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var sc secretsFile
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, false, err
	}
	return &sc, true, nil
}

// ensureSecretFilePermissions tightens a world-readable secrets file. Best
// effort; a missing file is fine.
func ensureSecretFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(path, 0o600); err != nil {
			logger.Warn("tighten secrets permissions", "path", path, "error", err)
		}
	}
}

func applyBaseConfig(cfg *Config, bc baseConfigFile) {
	if v := strings.TrimSpace(bc.DataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(bc.StatusBind); v != "" {
		cfg.StatusBind = v
	}
	if v := strings.TrimSpace(bc.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	if bc.StatsIntervalSecs > 0 {
		cfg.StatsInterval = time.Duration(bc.StatsIntervalSecs) * time.Second
	}
	cfg.ZMQEventAddr = strings.TrimSpace(bc.ZMQEventAddr)
	cfg.DiscordChannelID = strings.TrimSpace(bc.DiscordChannelID)
	cfg.ActivePoolID = strings.TrimSpace(bc.ActivePoolID)

	for _, p := range bc.Pools {
		kind := PoolKind(strings.TrimSpace(p.Kind))
		if kind == "" {
			kind = PoolStandard
		}
		algo := AlgoFamily(strings.TrimSpace(p.Algo))
		if algo == "" {
			algo = AlgoSHA256
		}
		cfg.Pools = append(cfg.Pools, Pool{
			ID:          strings.TrimSpace(p.ID),
			Name:        strings.TrimSpace(p.Name),
			URL:         strings.TrimSpace(p.URL),
			Algo:        algo,
			Kind:        kind,
			Username:    strings.TrimSpace(p.Username),
			Password:    p.Password,
			BTCPrefixed: p.BTCPrefixed,
			Referral:    strings.TrimSpace(p.Referral),
		})
	}
	for _, u := range bc.Users {
		cfg.Users = append(cfg.Users, User{
			ID:     strings.TrimSpace(u.ID),
			Wallet: strings.TrimSpace(u.Wallet),
			Worker: sanitizeWorkerName(u.Worker),
		})
	}
	for _, d := range bc.Devices {
		cpu := d.CPUAllocation
		if cpu <= 0 || cpu > 100 {
			cpu = 100
		}
		cfg.Devices = append(cfg.Devices, Device{
			ID:            strings.TrimSpace(d.ID),
			UserID:        strings.TrimSpace(d.UserID),
			Name:          sanitizeWorkerName(d.Name),
			CPUAllocation: cpu,
		})
	}
}
