package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Bus    BusConfig    `mapstructure:"bus"`
	GDPR   GDPRConfig   `mapstructure:"gdpr"`
	Roles  RolesConfig  `mapstructure:"roles"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type BusConfig struct {
	Kind     string         `mapstructure:"kind"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RabbitMQConfig struct {
	URL           string    `mapstructure:"url"`
	Endpoints     []string  `mapstructure:"endpoints"`
	Exchange      string    `mapstructure:"exchange"`
	PrefetchCount int       `mapstructure:"prefetch_count"`
	Workers       int       `mapstructure:"workers"`
	DeliveryQueue int       `mapstructure:"delivery_queue"`
	Username      string    `mapstructure:"username"`
	Password      string    `mapstructure:"password"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	GroupID  string   `mapstructure:"group_id"`
	ClientID string   `mapstructure:"client_id"`
	Workers  int      `mapstructure:"workers"`
}

type GDPRConfig struct {
	Participants   []string `mapstructure:"participants"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

type RolesConfig struct {
	Gateway   GatewayRole   `mapstructure:"gateway"`
	Profile   ProfileRole   `mapstructure:"profile"`
	Messaging MessagingRole `mapstructure:"messaging"`
}

type GatewayRole struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type ProfileRole struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
	Listen  string `mapstructure:"listen"`
}

type MessagingRole struct {
	Enabled     bool   `mapstructure:"enabled"`
	DBPath      string `mapstructure:"db_path"`
	ResolverURL string `mapstructure:"resolver_url"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("skillswap")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.kind", "rabbitmq")
	v.SetDefault("bus.rabbitmq.exchange", "skillswap.events")
	v.SetDefault("bus.rabbitmq.prefetch_count", 16)
	v.SetDefault("bus.rabbitmq.workers", 4)
	v.SetDefault("bus.rabbitmq.delivery_queue", 256)
	v.SetDefault("bus.kafka.workers", 4)
	v.SetDefault("gdpr.participants", []string{"user-service", "message-service"})
	v.SetDefault("gdpr.timeout_seconds", 30)
	v.SetDefault("roles.gateway.listen", ":8080")
	v.SetDefault("roles.profile.listen", ":8081")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Bus.Kind {
	case "rabbitmq", "kafka", "memory":
	default:
		return fmt.Errorf("bus.kind must be one of rabbitmq, kafka, memory")
	}
	if len(c.GDPR.Participants) == 0 {
		return fmt.Errorf("gdpr.participants is required")
	}
	if c.GDPR.TimeoutSeconds < 1 {
		return fmt.Errorf("gdpr.timeout_seconds must be >= 1")
	}
	if !c.Roles.Gateway.Enabled && !c.Roles.Profile.Enabled && !c.Roles.Messaging.Enabled {
		return fmt.Errorf("at least one role must be enabled")
	}
	if c.Roles.Profile.Enabled && c.Roles.Profile.DBPath == "" {
		return fmt.Errorf("roles.profile.db_path is required")
	}
	if c.Roles.Messaging.Enabled {
		if c.Roles.Messaging.DBPath == "" {
			return fmt.Errorf("roles.messaging.db_path is required")
		}
		if c.Roles.Messaging.ResolverURL == "" {
			return fmt.Errorf("roles.messaging.resolver_url is required")
		}
	}
	return nil
}
