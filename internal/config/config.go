package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt/internal/utils"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.json"

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type MQTTConfig struct {
	Port              int     `json:"port" yaml:"port"`
	WebSocketAddr     string  `json:"websocket_addr" yaml:"websocket_addr"`
	WebSocketPath     string  `json:"websocket_path" yaml:"websocket_path"`
	MaxQoS            byte    `json:"max_qos" yaml:"max_qos"`
	KeepAliveSecs     uint16  `json:"keep_alive_secs" yaml:"keep_alive_secs"`
	WaitTimeoutSecs   int     `json:"wait_timeout_secs" yaml:"wait_timeout_secs"`
	AllowWildcards    bool    `json:"allow_wildcards" yaml:"allow_wildcards"`
	ReceiveBufferSize int     `json:"receive_buffer_size" yaml:"receive_buffer_size"`
	MaxConnections    int     `json:"max_connections" yaml:"max_connections"`
	ConnectionRate    float64 `json:"connection_rate" yaml:"connection_rate"`
	ConnectionBurst   int     `json:"connection_burst" yaml:"connection_burst"`
}

// WaitTimeout 连接等待与确认重传共用的超时
func (c MQTTConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSecs) * time.Second
}

func (c MQTTConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

type AuthConfig struct {
	// 用户名 -> bcrypt 哈希，为空时允许所有连接
	Users map[string]string `json:"users" yaml:"users"`
}

type DatabaseConfig struct {
	Type               string `json:"type" yaml:"type"`
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
	CacheSize          int    `json:"cache_size" yaml:"cache_size"`
	CacheTTL           string `json:"cache_ttl" yaml:"cache_ttl"`
}

const (
	DatabaseMemory = "memory"
	DatabaseMongo  = "mongo"
)

type Config struct {
	MQTT      MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Auth      AuthConfig     `json:"auth" yaml:"auth"`
	Database  DatabaseConfig `json:"database" yaml:"database"`
	DebugMode bool           `json:"debug_mode" yaml:"debug_mode"`
	AppName   string         `json:"app_name" yaml:"app_name"`
	LogDir    string         `json:"log_dir" yaml:"log_dir"`
}

func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Port:              1883,
			WebSocketPath:     "/mqtt",
			MaxQoS:            2,
			WaitTimeoutSecs:   5,
			AllowWildcards:    true,
			ReceiveBufferSize: 8192,
			MaxConnections:    10000,
		},
		Auth: AuthConfig{Users: map[string]string{}},
		Database: DatabaseConfig{
			Type:               DatabaseMemory,
			Host:               "localhost",
			Port:               27017,
			Database:           "mqtt",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        50,
			CacheSize:          1024,
			CacheTTL:           "1m",
		},
		AppName: "life-stream-mqtt",
		LogDir:  "logs",
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.MaxQoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.max_qos must be 0, 1 or 2, got %d", c.MQTT.MaxQoS))
	}
	if c.MQTT.WaitTimeoutSecs <= 0 {
		errs = append(errs, errors.New("mqtt.wait_timeout_secs must be positive"))
	}
	if c.MQTT.ReceiveBufferSize <= 0 {
		errs = append(errs, errors.New("mqtt.receive_buffer_size must be positive"))
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.ConnectionRate < 0 {
		errs = append(errs, errors.New("mqtt.connection_rate must not be negative"))
	}
	switch c.Database.Type {
	case DatabaseMemory:
	case DatabaseMongo:
		for name, value := range map[string]string{
			"connect_timeout":      c.Database.ConnectTimeout,
			"socket_timeout":       c.Database.SocketTimeout,
			"connect_idle_timeout": c.Database.ConnectIdleTimeout,
			"operation_timeout":    c.Database.OperationTimeout,
			"heartbeat":            c.Database.Heartbeat,
			"cache_ttl":            c.Database.CacheTTL,
		} {
			if _, err := utils.ParseStringTime(value); err != nil {
				errs = append(errs, fmt.Errorf("database.%s: %w", name, err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database type %q", c.Database.Type))
	}
	return errors.Join(errs...)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func marshal(path string, config *Config) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(config)
	}
	return json.MarshalIndent(config, "", "\t")
}

// ReadConfig 读取配置文件，文件不存在时写入默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	config := Default()

	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("fail to read configuration file: %w", err)
		}
		data, err := marshal(path, config)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("fail to create configuration file: %w", err)
		}
		return config, ErrConfigCreated
	}

	if isYAML(path) {
		err = yaml.Unmarshal(bytes, config)
	} else {
		err = json.Unmarshal(bytes, config)
	}
	if err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid content: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
