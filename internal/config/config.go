package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server   `mapstructure:"server"`
	Client   Client   `mapstructure:"client"`
	Identity Identity `mapstructure:"identity"`
	Redis    Redis    `mapstructure:"redis"`
	Mongo    Mongo    `mapstructure:"mongo"`
	Log      Log      `mapstructure:"log"`
}

type Server struct {
	Addr    string `mapstructure:"addr"`
	Metrics bool   `mapstructure:"metrics"`
}

type Client struct {
	ServerURL   string        `mapstructure:"server_url"`
	UserID      string        `mapstructure:"user_id"`
	RoomID      string        `mapstructure:"room_id"`
	PageSize    int           `mapstructure:"page_size"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// Identity selects where the device keypair is persisted.
type Identity struct {
	Backend string `mapstructure:"backend"` // "bolt" or "redis"
	Path    string `mapstructure:"path"`
	KeyBits int    `mapstructure:"key_bits"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Mongo struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type Log struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

const (
	BackendBolt  = "bolt"
	BackendRedis = "redis"

	MinKeyBits = 2048
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:9090")
	v.SetDefault("server.metrics", true)

	v.SetDefault("client.server_url", "http://localhost:9090")
	v.SetDefault("client.page_size", 20)
	v.SetDefault("client.http_timeout", 10*time.Second)

	v.SetDefault("identity.backend", BackendBolt)
	v.SetDefault("identity.path", "identity.db")
	v.SetDefault("identity.key_bits", MinKeyBits)

	v.SetDefault("redis.addr", "localhost:6379") // Redis server
	v.SetDefault("redis.password", "")           // no password by default
	v.SetDefault("redis.db", 0)                  // use default DB

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "mydb")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// LoadConfig reads filename (a YAML file) when it is not empty and layers
// E2E_CHAT_* environment variables over the defaults.
func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("E2E_CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename == "" {
		return v, nil
	}

	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.Identity.KeyBits < MinKeyBits {
		c.Identity.KeyBits = MinKeyBits
	}
	if c.Client.PageSize <= 0 {
		c.Client.PageSize = 20
	}
	switch c.Identity.Backend {
	case BackendBolt, BackendRedis:
	default:
		return nil, errors.New("identity.backend must be \"bolt\" or \"redis\"")
	}
	return &c, nil
}

// Load is LoadConfig followed by ParseConfig.
func Load(filename string) (*Config, error) {
	v, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(v)
}
