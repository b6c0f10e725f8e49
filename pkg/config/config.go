package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
	Variables VariablesConfig `mapstructure:"variables"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bus       BusConfig       `mapstructure:"bus"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Historian HistorianConfig `mapstructure:"historian"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	Host            string `mapstructure:"host"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	// RateLimitRPS throttles /api/v1 per client; 0 disables it.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// RuntimeConfig carries the executor and host defaults.
type RuntimeConfig struct {
	FlowsDir          string `mapstructure:"flows_dir"`
	ScanIntervalMs    int    `mapstructure:"scan_interval_ms"`
	RunTimeoutMs      int    `mapstructure:"run_timeout_ms"`
	NodeTimeoutMs     int    `mapstructure:"node_timeout_ms"`
	MaxMessages       int    `mapstructure:"max_messages"`
	StopOnError       bool   `mapstructure:"stop_on_error"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs"`
}

type ScriptingConfig struct {
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
	CacheSize        int `mapstructure:"cache_size"`
	CallStackSize    int `mapstructure:"call_stack_size"`
	RegistryMaxSize  int `mapstructure:"registry_max_size"`
}

type VariablesConfig struct {
	Driver    string `mapstructure:"driver"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type BusConfig struct {
	Driver       string `mapstructure:"driver"`
	OutputBuffer int64  `mapstructure:"output_buffer"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

type HistorianConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	BufferSize   int    `mapstructure:"buffer_size"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddCaller  bool   `mapstructure:"add_caller"`
	Stacktrace bool   `mapstructure:"stacktrace"`
}

// Load reads <serviceName>.yaml from ./configs or /etc/plantflow, applies
// defaults and PLANTFLOW_* environment overrides.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/plantflow")

	return load(v)
}

// LoadFile reads an explicit config file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("PLANTFLOW")

	if err := v.ReadInConfig(); err != nil {
		// Defaults and env vars are enough to start.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(v, &config)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("runtime.flows_dir", "./flows")
	v.SetDefault("runtime.scan_interval_ms", 1000)
	v.SetDefault("runtime.run_timeout_ms", 30000)
	v.SetDefault("runtime.node_timeout_ms", 0)
	v.SetDefault("runtime.max_messages", 10000)
	v.SetDefault("runtime.stop_on_error", false)
	v.SetDefault("runtime.max_concurrent_runs", 64)

	v.SetDefault("scripting.default_timeout_ms", 5000)
	v.SetDefault("scripting.cache_size", 256)
	v.SetDefault("scripting.call_stack_size", 256)
	v.SetDefault("scripting.registry_max_size", 1024*80)

	v.SetDefault("variables.driver", "memory")
	v.SetDefault("variables.key_prefix", "plantflow:vars")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.output_buffer", 1000)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "plantflow")

	v.SetDefault("historian.driver", "memory")
	v.SetDefault("historian.dsn", "file:historian.db?cache=shared")
	v.SetDefault("historian.buffer_size", 1024)
	v.SetDefault("historian.max_open_conns", 10)
	v.SetDefault("historian.max_idle_conns", 5)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "flowd")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
	v.SetDefault("logger.stacktrace", false)
}

func overrideFromEnv(v *viper.Viper, cfg *Config) {
	// AutomaticEnv does not reach into slices or keys missing from the file.
	if dir := v.GetString("FLOWS_DIR"); dir != "" {
		cfg.Runtime.FlowsDir = dir
	}
	if redisHost := v.GetString("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := v.GetInt("REDIS_PORT"); redisPort != 0 {
		cfg.Redis.Port = redisPort
	}
	if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if servicePort := v.GetInt("SERVER_PORT"); servicePort != 0 {
		cfg.Server.Port = servicePort
	}
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RuntimeConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMs) * time.Millisecond
}

func (c RuntimeConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMs) * time.Millisecond
}

func (c RuntimeConfig) NodeTimeout() time.Duration {
	return time.Duration(c.NodeTimeoutMs) * time.Millisecond
}
