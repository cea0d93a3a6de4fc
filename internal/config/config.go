package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds typed configuration for the portal service.
type Config struct {
	LogLevel           string
	HTTPAddr           string
	MetricsAddr        string
	Storage            string
	PostgresDSN        string
	RedisAddr          string
	RedisPassword      string
	DefinitionCacheTTL time.Duration
	KafkaBrokers       string
	ConsumerGroup      string
	EventsTopic        string
	NotificationsTopic string
	AuditTopic         string
	OTelEndpoint       string
	SweepSchedule      string
	RoleRanking        []string
	NodeID             int
	Retention          time.Duration
}

// SetDefaults registers the fallback for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9095")
	v.SetDefault("storage", StoragePostgres)
	v.SetDefault("definition_cache_ttl", time.Minute)
	v.SetDefault("consumer_group", "finance-portal-workflows")
	v.SetDefault("events_topic", "portal.events")
	v.SetDefault("notifications_topic", "portal.notifications")
	v.SetDefault("audit_topic", "portal.audit")
	v.SetDefault("sweep_schedule", "@every 1m")
	v.SetDefault("role_ranking", []string{"super_admin", "admin", "manager"})
	v.SetDefault("node_id", 1)
	v.SetDefault("retention", 90*24*time.Hour)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		HTTPAddr:           v.GetString("http_addr"),
		MetricsAddr:        v.GetString("metrics_addr"),
		Storage:            strings.ToLower(v.GetString("storage")),
		PostgresDSN:        v.GetString("postgres_dsn"),
		RedisAddr:          v.GetString("redis_addr"),
		RedisPassword:      v.GetString("redis_password"),
		DefinitionCacheTTL: v.GetDuration("definition_cache_ttl"),
		KafkaBrokers:       v.GetString("kafka_brokers"),
		ConsumerGroup:      v.GetString("consumer_group"),
		EventsTopic:        v.GetString("events_topic"),
		NotificationsTopic: v.GetString("notifications_topic"),
		AuditTopic:         v.GetString("audit_topic"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
		SweepSchedule:      v.GetString("sweep_schedule"),
		RoleRanking:        splitList(v.GetStringSlice("role_ranking")),
		NodeID:             v.GetInt("node_id"),
		Retention:          v.GetDuration("retention"),
	}
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn is required when storage is postgres")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q (want %s or %s)", c.Storage, StoragePostgres, StorageMemory)
	}
	if len(c.RoleRanking) == 0 {
		return errors.New("role_ranking must name at least one role")
	}
	if c.NodeID < 0 || c.NodeID > 65535 {
		return fmt.Errorf("node_id %d out of range", c.NodeID)
	}
	return nil
}

// Brokers returns the Kafka broker list. Empty disables Kafka.
func (c Config) Brokers() []string {
	return splitList([]string{c.KafkaBrokers})
}

// splitList flattens comma-separated entries, as env vars deliver lists
// as a single string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
