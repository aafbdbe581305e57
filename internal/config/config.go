package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Data      DataConfig
	MCP       MCPConfig
	Redis     RedisConfig
	Embedding EmbeddingConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string
	Environment string
	Version     string
	Debug       bool
}

// ServerConfig 后端服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	ReadTimeout  int
	WriteTimeout int
}

// DataConfig 数据根目录配置
type DataConfig struct {
	Root string // 知识库、索引、tool-servers.json 所在目录
}

// MCPConfig MCP 服务器配置
type MCPConfig struct {
	StartPort    int
	MaxPort      int
	ServerBinary string // 子进程可执行文件，留空则取当前可执行文件旁的 kbhub-mcp
	StartTimeout int    // 启动到 running 的秒数
	StopTimeout  int    // 停止到 SIGKILL 的秒数
}

// RedisConfig Redis 配置（可选的向量缓存）
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

// EmbeddingConfig Embedding 配置
type EmbeddingConfig struct {
	Provider   string // local / openai / ollama / dashscope
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    int
	Dimensions int
	BatchSize  int
}

var globalConfig *Config

// Load 加载配置
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 环境变量
	v.SetEnvPrefix("KBHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 数据根目录下的 config.json 优先级最高
	if err := applyDataRootConfig(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("config not loaded")
	}
	return globalConfig
}

// dataRootConfig 数据根目录 config.json 的结构
type dataRootConfig struct {
	Backend *struct {
		Port int    `json:"port"`
		Host string `json:"host"`
	} `json:"backend"`
	MCP *struct {
		StartPort int `json:"start_port"`
		MaxPort   int `json:"max_port"`
	} `json:"mcp"`
}

// applyDataRootConfig 读取数据根目录的 config.json 并覆盖端口配置
func applyDataRootConfig(cfg *Config) error {
	path := filepath.Join(cfg.Data.Root, "config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var drc dataRootConfig
	if err := json.Unmarshal(raw, &drc); err != nil {
		return fmt.Errorf("invalid config.json: %w", err)
	}

	if drc.Backend != nil {
		if drc.Backend.Port > 0 {
			cfg.Server.Port = drc.Backend.Port
		}
		if drc.Backend.Host != "" {
			cfg.Server.Host = drc.Backend.Host
		}
	}
	if drc.MCP != nil {
		if drc.MCP.StartPort > 0 {
			cfg.MCP.StartPort = drc.MCP.StartPort
		}
		if drc.MCP.MaxPort > 0 {
			cfg.MCP.MaxPort = drc.MCP.MaxPort
		}
	}
	return nil
}

// GetAddr 获取服务器地址
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddr 获取 Redis 地址
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "kbhub")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", false)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)

	// Data
	v.SetDefault("data.root", "./data")

	// MCP
	v.SetDefault("mcp.startPort", 8100)
	v.SetDefault("mcp.maxPort", 8200)
	v.SetDefault("mcp.startTimeout", 10)
	v.SetDefault("mcp.stopTimeout", 5)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Embedding
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "kbhub-minilm-256")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.timeout", 60)
	v.SetDefault("embedding.batchSize", 32)
}
