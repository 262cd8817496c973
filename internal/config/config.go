package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at process start and passed explicitly to each
// component. Nothing reads it through package state.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Inference InferenceConfig `mapstructure:"inference"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Linking   LinkingConfig   `mapstructure:"linking"`
	Server    ServerConfig    `mapstructure:"server"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type QueueConfig struct {
	URL string `mapstructure:"url"`
	// ClaimMinIdle must exceed worst-case inference latency, or in-flight
	// messages get claimed and processed twice.
	ClaimMinIdle  time.Duration `mapstructure:"claim_min_idle"`
	MaxDeliveries int64         `mapstructure:"max_deliveries"`
	BatchSize     int64         `mapstructure:"batch_size"`
	PoolSize      int           `mapstructure:"pool_size"`
	MinIdleConns  int           `mapstructure:"min_idle_conns"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type InferenceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	DetectStream   string `mapstructure:"detect_stream"`
	ClassifyStream string `mapstructure:"classify_stream"`
	EventStream    string `mapstructure:"event_stream"`
	ClassifyTopN   int    `mapstructure:"classify_top_n"`
}

type NotifierConfig struct {
	// IndependenceWindow groups repeated (camera, species) detections into
	// one ecological occurrence. Zero disables the window.
	IndependenceWindow time.Duration `mapstructure:"independence_window"`
}

type ChannelsConfig struct {
	DispatchStreamPrefix string        `mapstructure:"dispatch_stream_prefix"`
	SendRatePerMinute    int           `mapstructure:"send_rate_per_minute"`
	SendTimeout          time.Duration `mapstructure:"send_timeout"`
	Email                EmailConfig   `mapstructure:"email"`
	ChatA                ChatConfig    `mapstructure:"chat_a"`
	ChatB                ChatConfig    `mapstructure:"chat_b"`
}

type EmailConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ChatConfig holds a shoutrrr service URL template with a %s placeholder for
// the recipient id (e.g. "telegram://<token>@telegram?chats=%s"). Empty means
// the channel is not configured.
type ChatConfig struct {
	URLTemplate string `mapstructure:"url_template"`
}

type LinkingConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type ServerConfig struct {
	Port       int `mapstructure:"port"`
	HealthPort int `mapstructure:"health_port"`
}

// Load reads config.yaml from path (or the working directory) with CAMTRAP_
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CAMTRAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("queue.url", "redis://localhost:6379/0")
	v.SetDefault("queue.claim_min_idle", 5*time.Minute)
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("storage.bucket", "camtrap-images")
	v.SetDefault("inference.timeout", 60*time.Second)
	v.SetDefault("pipeline.detect_stream", "camtrap:detect")
	v.SetDefault("pipeline.classify_stream", "camtrap:classify")
	v.SetDefault("pipeline.event_stream", "camtrap:events")
	v.SetDefault("pipeline.classify_top_n", 3)
	v.SetDefault("notifier.independence_window", time.Duration(0))
	v.SetDefault("channels.dispatch_stream_prefix", "camtrap:dispatch:")
	v.SetDefault("channels.send_rate_per_minute", 20)
	v.SetDefault("channels.send_timeout", 15*time.Second)
	v.SetDefault("linking.token_ttl", 24*time.Hour)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.health_port", 8081)
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
