// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件和环境变量加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Model      ModelConfig      `mapstructure:"model"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Generation GenerationConfig `mapstructure:"generation"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port      string `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	SecretKey string `mapstructure:"secret_key"`
	Debug     bool   `mapstructure:"debug"`
}

// DatabaseConfig 存储所有数据存储连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时禁用历史缓存。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ModelConfig 存储模型文件与加载参数的配置。
type ModelConfig struct {
	Dir          string `mapstructure:"dir"`
	DefaultModel string `mapstructure:"default_model"`
	NCtx         int    `mapstructure:"n_ctx"`
	NGPULayers   int    `mapstructure:"n_gpu_layers"`
	NThreads     int    `mapstructure:"n_threads"`
}

// Path 返回当前模型文件的完整路径。
func (m ModelConfig) Path() string {
	return filepath.Join(m.Dir, m.DefaultModel)
}

// RuntimeConfig 存储 llama-server 推理进程的配置。
type RuntimeConfig struct {
	// llama-server 可执行文件路径
	Bin string `mapstructure:"bin"`
	// 推理进程监听地址，默认仅本机可达
	Addr string `mapstructure:"addr"`
	// 启动后等待 /health 就绪的秒数
	StartupTimeout int `mapstructure:"startup_timeout"`
}

// GenerationConfig 存储默认生成参数。
type GenerationConfig struct {
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	TopK        int     `mapstructure:"top_k"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 环境变量（如 N_CTX、DATABASE_URL）优先于文件中的同名配置项。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()
	bindEnvKeys()

	if err := viper.ReadInConfig(); err != nil {
		// 配置文件缺失时仅依赖默认值与环境变量
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			panic(fmt.Errorf("读取配置文件失败: %w", err))
		}
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.secret_key", "dev-secret-key-change-in-production")
	viper.SetDefault("server.debug", false)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("model.dir", "./models")
	viper.SetDefault("model.default_model", "model.gguf")
	viper.SetDefault("model.n_ctx", 8192)
	viper.SetDefault("model.n_gpu_layers", -1)
	viper.SetDefault("model.n_threads", 4)
	viper.SetDefault("runtime.bin", "llama-server")
	viper.SetDefault("runtime.addr", "127.0.0.1:8088")
	viper.SetDefault("runtime.startup_timeout", 120)
	viper.SetDefault("generation.max_tokens", 512)
	viper.SetDefault("generation.temperature", 0.7)
	viper.SetDefault("generation.top_p", 0.9)
	viper.SetDefault("generation.top_k", 40)
}

// bindEnvKeys 把约定的环境变量名绑定到对应配置项。
func bindEnvKeys() {
	_ = viper.BindEnv("server.port", "PORT")
	_ = viper.BindEnv("server.secret_key", "SECRET_KEY")
	_ = viper.BindEnv("server.debug", "DEBUG")
	_ = viper.BindEnv("database.mysql.dsn", "DATABASE_URL")
	_ = viper.BindEnv("database.redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("model.dir", "MODEL_DIR")
	_ = viper.BindEnv("model.default_model", "DEFAULT_MODEL")
	_ = viper.BindEnv("model.n_ctx", "N_CTX")
	_ = viper.BindEnv("model.n_gpu_layers", "N_GPU_LAYERS")
	_ = viper.BindEnv("model.n_threads", "N_THREADS")
	_ = viper.BindEnv("generation.max_tokens", "MAX_TOKENS")
	_ = viper.BindEnv("generation.temperature", "TEMPERATURE")
	_ = viper.BindEnv("generation.top_p", "TOP_P")
	_ = viper.BindEnv("generation.top_k", "TOP_K")
}
