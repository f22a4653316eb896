package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Lnurl      LnurlConfig      `mapstructure:"lnurl"`
	Nostr      NostrConfig      `mapstructure:"nostr"`
	Federation FederationConfig `mapstructure:"federation"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// Domain 对外域名（CORS 后缀匹配和 lightning address 用）
	Domain string `mapstructure:"domain"`
	// BaseURL 回调地址前缀，例如 https://pay.example.com
	BaseURL string `mapstructure:"base_url"`
	// AllowedOrigins CORS 白名单
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentNotify string `mapstructure:"payment_notify"`
	DeliveryAlert string `mapstructure:"delivery_alert"`
}

// LnurlConfig LNURL-pay 协议参数
type LnurlConfig struct {
	MinSendableMsat int64 `mapstructure:"min_sendable_msat"`
	MaxSendableMsat int64 `mapstructure:"max_sendable_msat"`
	// CommentAllowed 允许付款方附言的最大长度，0 表示不允许
	CommentAllowed int `mapstructure:"comment_allowed"`
	// InvoiceExpirySeconds 新开 invoice 的有效期
	InvoiceExpirySeconds int64 `mapstructure:"invoice_expiry_seconds"`
	// SuccessMessage 支付成功后返回给付款方的提示语
	SuccessMessage string `mapstructure:"success_message"`
}

type NostrConfig struct {
	// SecretKey 服务端 nostr 私钥（hex），用于签 zap receipt
	SecretKey string `mapstructure:"secret_key"`
	// Relays zap receipt 的兜底广播 relay
	Relays []string `mapstructure:"relays"`
}

type FederationConfig struct {
	// Mode real 走联邦网关守护进程，fake 用内存假联邦（本地联调）
	Mode       string `mapstructure:"mode"`
	GatewayURL string `mapstructure:"gateway_url"`
	APIKey     string `mapstructure:"api_key"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
