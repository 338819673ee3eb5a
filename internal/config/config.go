package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/life-stream-dev/life-stream-go-session-host/internal/utils"
)

const (
	DefaultPath = "config.json"
	EnvPrefix   = "SESSION_HOST_"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type DatabaseConfig struct {
	Host               string `json:"host" toml:"host" env:"HOST"`
	Port               uint64 `json:"port" toml:"port" env:"PORT"`
	Username           string `json:"username" toml:"username" env:"USERNAME"`
	Password           string `json:"password" toml:"password" env:"PASSWORD"`
	Database           string `json:"database" toml:"database" env:"NAME"`
	UseTLS             bool   `json:"use_tls" toml:"use_tls" env:"USE_TLS"`
	ConnectTimeout     string `json:"connect_timeout" toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	SocketTimeout      string `json:"socket_timeout" toml:"socket_timeout" env:"SOCKET_TIMEOUT"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" toml:"connect_idle_timeout" env:"CONNECT_IDLE_TIMEOUT"`
	OperationTimeout   string `json:"operation_timeout" toml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	Heartbeat          string `json:"heartbeat" toml:"heartbeat" env:"HEARTBEAT"`
	MinPoolSize        uint64 `json:"min_pool_size" toml:"min_pool_size" env:"MIN_POOL_SIZE"`
	MaxPoolSize        uint64 `json:"max_pool_size" toml:"max_pool_size" env:"MAX_POOL_SIZE"`
	SessionCacheSize   int    `json:"session_cache_size" toml:"session_cache_size" env:"SESSION_CACHE_SIZE"`
	SessionCacheTTL    string `json:"session_cache_ttl" toml:"session_cache_ttl" env:"SESSION_CACHE_TTL"`
}

// RelayConfig configures the relay server and the address participants dial.
type RelayConfig struct {
	Addr           string `json:"addr" toml:"addr" env:"ADDR"`
	WebSocketAddr  string `json:"websocket_addr" toml:"websocket_addr" env:"WEBSOCKET_ADDR"`
	DialAddr       string `json:"dial_addr" toml:"dial_addr" env:"DIAL_ADDR"`
	MaxConnections int    `json:"max_connections" toml:"max_connections" env:"MAX_CONNECTIONS"`
	KeepAlive      string `json:"keep_alive" toml:"keep_alive" env:"KEEP_ALIVE"`
	RequestTimeout string `json:"request_timeout" toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// SessionConfig holds the timing knobs of the session manager and its capabilities.
type SessionConfig struct {
	JoinTimeout       string `json:"join_timeout" toml:"join_timeout" env:"JOIN_TIMEOUT"`
	StopTimeout       string `json:"stop_timeout" toml:"stop_timeout" env:"STOP_TIMEOUT"`
	TransferTimeout   string `json:"transfer_timeout" toml:"transfer_timeout" env:"TRANSFER_TIMEOUT"`
	EchoFlagTTL       string `json:"echo_flag_ttl" toml:"echo_flag_ttl" env:"ECHO_FLAG_TTL"`
	ExportInterval    string `json:"export_interval" toml:"export_interval" env:"EXPORT_INTERVAL"`
	ExportThrottle    string `json:"export_throttle" toml:"export_throttle" env:"EXPORT_THROTTLE"`
	KeepAliveInterval string `json:"keep_alive_interval" toml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`
}

type MetricsConfig struct {
	Addr string `json:"addr" toml:"addr" env:"ADDR"`
}

type Config struct {
	Database  DatabaseConfig `json:"database" toml:"database" envPrefix:"DATABASE_"`
	Relay     RelayConfig    `json:"relay" toml:"relay" envPrefix:"RELAY_"`
	Session   SessionConfig  `json:"session" toml:"session" envPrefix:"SESSION_"`
	Metrics   MetricsConfig  `json:"metrics" toml:"metrics" envPrefix:"METRICS_"`
	DebugMode bool           `json:"debug_mode" toml:"debug_mode" env:"DEBUG_MODE"`
	AppName   string         `json:"app_name" toml:"app_name" env:"APP_NAME"`
	LogDir    string         `json:"log_dir" toml:"log_dir" env:"LOG_DIR"`
}

func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "session_host",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "10s",
			Heartbeat:          "15s",
			MinPoolSize:        1,
			MaxPoolSize:        16,
			SessionCacheSize:   256,
			SessionCacheTTL:    "1m",
		},
		Relay: RelayConfig{
			Addr:           ":7350",
			DialAddr:       "tcp://127.0.0.1:7350",
			MaxConnections: 10000,
			KeepAlive:      "30s",
			RequestTimeout: "10s",
		},
		Session: SessionConfig{
			JoinTimeout:       "30s",
			StopTimeout:       "15s",
			TransferTimeout:   "30s",
			EchoFlagTTL:       "2s",
			ExportInterval:    "30s",
			ExportThrottle:    "1s",
			KeepAliveInterval: "10s",
		},
		AppName: "session-host",
		LogDir:  "logs",
	}
}

var (
	config      Config
	initialized bool
	mu          sync.Mutex
)

// ReadConfig loads path (JSON, or TOML when the extension is .toml), applies environment
// overrides and caches the result for GetConfig.
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	bytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if werr := writeDefault(path, cfg); werr != nil {
				return cfg, fmt.Errorf("config create failed (%s): %w", path, werr)
			}
			return cfg, ErrConfigCreated
		}
		return cfg, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if isToml(path) {
		if err := toml.Unmarshal(bytes, &cfg); err != nil {
			return cfg, fmt.Errorf("the configuration file does not contain valid TOML: %w", err)
		}
	} else if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}

	mu.Lock()
	config = cfg
	initialized = true
	mu.Unlock()
	return cfg, nil
}

func GetConfig() (Config, error) {
	mu.Lock()
	if initialized {
		defer mu.Unlock()
		return config, nil
	}
	mu.Unlock()
	return ReadConfig(DefaultPath)
}

// ApplyEnv overrides cfg from SESSION_HOST_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.AppName) == "" {
		return fmt.Errorf("config missing app_name")
	}
	durations := map[string]string{
		"session.join_timeout":        cfg.Session.JoinTimeout,
		"session.stop_timeout":        cfg.Session.StopTimeout,
		"session.transfer_timeout":    cfg.Session.TransferTimeout,
		"session.echo_flag_ttl":       cfg.Session.EchoFlagTTL,
		"session.export_interval":     cfg.Session.ExportInterval,
		"session.export_throttle":     cfg.Session.ExportThrottle,
		"session.keep_alive_interval": cfg.Session.KeepAliveInterval,
		"relay.keep_alive":            cfg.Relay.KeepAlive,
		"relay.request_timeout":       cfg.Relay.RequestTimeout,
	}
	for name, raw := range durations {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := utils.ParseStringTime(raw); err != nil {
			return fmt.Errorf("config %s invalid: %w", name, err)
		}
	}
	return nil
}

// Duration parses one of the string durations of the config, falling back to def.
func Duration(raw string, def time.Duration) time.Duration {
	return utils.DurationOr(raw, def)
}

func isToml(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func writeDefault(path string, cfg Config) error {
	writer, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer writer.Close()
	if isToml(path) {
		return toml.NewEncoder(writer).Encode(cfg)
	}
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}
