// Package config loads the event router configuration from a YAML file with
// EVENTROUTER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-eventrouter/pkg/archive"
	"github.com/illmade-knight/go-eventrouter/pkg/consumer"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/illmade-knight/go-eventrouter/pkg/dispatch"
	"github.com/illmade-knight/go-eventrouter/pkg/engine"
	"github.com/illmade-knight/go-eventrouter/pkg/event"
	"github.com/illmade-knight/go-eventrouter/pkg/liveness"
	"github.com/illmade-knight/go-eventrouter/pkg/microservice"
	"github.com/illmade-knight/go-eventrouter/pkg/notify"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/illmade-knight/go-eventrouter/pkg/policy"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. EVENTROUTER_SERVICE_HTTP_PORT.
const EnvPrefix = "eventrouter"

// Backend names.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
	BackendLog       = "log"
	BackendPubsub    = "pubsub"
	BackendBigQuery  = "bigquery"
	BackendNone      = "none"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Service      microservice.BaseConfig `mapstructure:"service"`
	Topology     TopologyConfig          `mapstructure:"topology"`
	Engine       EngineConfig            `mapstructure:"engine"`
	Heartbeat    HeartbeatConfig         `mapstructure:"heartbeat"`
	Notification NotificationConfig      `mapstructure:"notification"`
	Review       ReviewConfig            `mapstructure:"review"`
	Archive      ArchiveConfig           `mapstructure:"archive"`
	Consumers    []ConsumerConfig        `mapstructure:"consumers"`
}

// TopologyConfig is the partition layout. It is data, not code.
type TopologyConfig struct {
	Partitions       []PartitionConfig `mapstructure:"partitions"`
	DefaultPartition int               `mapstructure:"default_partition"`
	PrimaryRegions   []string          `mapstructure:"primary_regions"`
}

// PartitionConfig declares one partition and the routing keys it owns.
type PartitionConfig struct {
	ID          int      `mapstructure:"id"`
	Capacity    int      `mapstructure:"capacity"`
	RoutingKeys []string `mapstructure:"routing_keys"`
}

// EngineConfig tunes the partition logs, consumer liveness, dispatch and the
// dead-letter policy.
type EngineConfig struct {
	LoadWindow            time.Duration `mapstructure:"load_window"`
	BacklogDegradedRatio  float64       `mapstructure:"backlog_degraded_ratio"`
	MaxRetained           int           `mapstructure:"max_retained"`
	LaggingAfter          time.Duration `mapstructure:"lagging_after"`
	DeadAfter             time.Duration `mapstructure:"dead_after"`
	NotifyThreshold       int           `mapstructure:"notify_threshold"`
	RetryCeiling          int           `mapstructure:"retry_ceiling"`
	EscalationDestination string        `mapstructure:"escalation_destination"`
	MonitorInterval       time.Duration `mapstructure:"monitor_interval"`
	SweepConcurrency      int           `mapstructure:"sweep_concurrency"`
	DispatchTimeout       time.Duration `mapstructure:"dispatch_timeout"`
	BaseDelay             time.Duration `mapstructure:"base_delay"`
	DelayScale            float64       `mapstructure:"delay_scale"`
	NonPrimaryFactor      float64       `mapstructure:"non_primary_factor"`
}

// HeartbeatConfig selects where consumer heartbeats are kept.
type HeartbeatConfig struct {
	Backend   string          `mapstructure:"backend"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

// RedisConfig is used by the redis heartbeat backend.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// FirestoreConfig is used by the firestore heartbeat backend.
type FirestoreConfig struct {
	Collection string `mapstructure:"collection"`
}

// NotificationConfig selects the escalation channel. A positive RatePerSecond
// wraps it in a token-bucket limiter.
type NotificationConfig struct {
	Backend       string  `mapstructure:"backend"`
	TopicID       string  `mapstructure:"topic_id"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// ReviewConfig selects where entries parked for manual review are exported.
type ReviewConfig struct {
	Backend   string `mapstructure:"backend"`
	TopicID   string `mapstructure:"topic_id"`
	DatasetID string `mapstructure:"dataset_id"`
	TableID   string `mapstructure:"table_id"`
}

// ArchiveConfig enables archiving of trimmed log entries to GCS. An empty
// Bucket disables it.
type ArchiveConfig struct {
	Bucket        string        `mapstructure:"bucket"`
	Prefix        string        `mapstructure:"prefix"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ConsumerConfig registers one built-in policy at startup.
type ConsumerConfig struct {
	Name           string   `mapstructure:"name"`
	Policy         string   `mapstructure:"policy"`
	Interests      []string `mapstructure:"interests"`
	Affinity       string   `mapstructure:"affinity"`
	ProcessingRate float64  `mapstructure:"processing_rate"`
}

// Load reads path, applies defaults and environment overrides, and validates
// the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
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
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.http_port", ":8080")
	v.SetDefault("service.service_name", "eventrouter")

	v.SetDefault("engine.load_window", time.Minute)
	v.SetDefault("engine.backlog_degraded_ratio", 0.8)
	v.SetDefault("engine.max_retained", 1000)
	v.SetDefault("engine.lagging_after", 2*time.Minute)
	v.SetDefault("engine.dead_after", 5*time.Minute)
	v.SetDefault("engine.notify_threshold", 3)
	v.SetDefault("engine.retry_ceiling", 5)
	v.SetDefault("engine.escalation_destination", "ops")
	v.SetDefault("engine.monitor_interval", 5*time.Second)
	v.SetDefault("engine.sweep_concurrency", 8)
	v.SetDefault("engine.dispatch_timeout", 30*time.Second)
	v.SetDefault("engine.base_delay", time.Minute)
	v.SetDefault("engine.delay_scale", 0.0)
	v.SetDefault("engine.non_primary_factor", 1.5)

	v.SetDefault("heartbeat.backend", BackendMemory)
	v.SetDefault("heartbeat.redis.key_prefix", "eventrouter:heartbeat:")
	v.SetDefault("heartbeat.redis.ttl", 10*time.Minute)
	v.SetDefault("heartbeat.firestore.collection", "consumer-heartbeats")

	v.SetDefault("notification.backend", BackendLog)
	v.SetDefault("notification.rate_per_second", 0.0)
	v.SetDefault("notification.burst", 1)

	v.SetDefault("review.backend", BackendNone)
	v.SetDefault("review.table_id", "manual_review")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "partitions")
	v.SetDefault("archive.batch_size", 500)
	v.SetDefault("archive.flush_interval", time.Minute)
}

// Validate rejects inconsistent topologies and unknown backends.
func (c Config) Validate() error {
	if _, err := partition.NewTable(c.PartitionSpecs(), c.Topology.DefaultPartition); err != nil {
		return fmt.Errorf("%w: topology: %v", ErrInvalidConfig, err)
	}
	if c.Engine.DeadAfter < c.Engine.LaggingAfter {
		return fmt.Errorf("%w: engine.dead_after (%s) is shorter than engine.lagging_after (%s)", ErrInvalidConfig, c.Engine.DeadAfter, c.Engine.LaggingAfter)
	}
	if c.Engine.NotifyThreshold <= 0 || c.Engine.RetryCeiling <= 0 {
		return fmt.Errorf("%w: engine.notify_threshold and engine.retry_ceiling must be positive", ErrInvalidConfig)
	}
	if c.Engine.SweepConcurrency <= 0 {
		return fmt.Errorf("%w: engine.sweep_concurrency must be positive", ErrInvalidConfig)
	}
	if c.Engine.DelayScale < 0 {
		return fmt.Errorf("%w: engine.delay_scale must not be negative", ErrInvalidConfig)
	}

	switch c.Heartbeat.Backend {
	case BackendMemory, BackendFirestore:
	case BackendRedis:
		if c.Heartbeat.Redis.Addr == "" {
			return fmt.Errorf("%w: heartbeat.redis.addr is required for the redis backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown heartbeat backend %q", ErrInvalidConfig, c.Heartbeat.Backend)
	}

	switch c.Notification.Backend {
	case BackendLog:
	case BackendPubsub:
		if c.Notification.TopicID == "" {
			return fmt.Errorf("%w: notification.topic_id is required for the pubsub backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown notification backend %q", ErrInvalidConfig, c.Notification.Backend)
	}

	switch c.Review.Backend {
	case BackendNone:
	case BackendPubsub:
		if c.Review.TopicID == "" {
			return fmt.Errorf("%w: review.topic_id is required for the pubsub backend", ErrInvalidConfig)
		}
	case BackendBigQuery:
		if c.Review.DatasetID == "" || c.Review.TableID == "" {
			return fmt.Errorf("%w: review.dataset_id and review.table_id are required for the bigquery backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown review backend %q", ErrInvalidConfig, c.Review.Backend)
	}

	needsProject := c.Heartbeat.Backend == BackendFirestore || c.Notification.Backend == BackendPubsub ||
		c.Review.Backend != BackendNone || c.Archive.Bucket != ""
	if needsProject && c.Service.ProjectID == "" {
		return fmt.Errorf("%w: service.project_id is required by the configured cloud backends", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Consumers))
	for i, cc := range c.Consumers {
		if cc.Name == "" {
			return fmt.Errorf("%w: consumers[%d]: name is required", ErrInvalidConfig, i)
		}
		if seen[cc.Name] {
			return fmt.Errorf("%w: consumers[%d]: duplicate name %q", ErrInvalidConfig, i, cc.Name)
		}
		seen[cc.Name] = true
		if _, err := policy.ByName(cc.Policy, nil, nil); err != nil {
			return fmt.Errorf("%w: consumers[%d]: %v", ErrInvalidConfig, i, err)
		}
		if _, err := cc.interests(); err != nil {
			return fmt.Errorf("%w: consumers[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// PartitionSpecs converts the topology into partition specs.
func (c Config) PartitionSpecs() []partition.Spec {
	specs := make([]partition.Spec, 0, len(c.Topology.Partitions))
	for _, p := range c.Topology.Partitions {
		specs = append(specs, partition.Spec{ID: p.ID, Capacity: p.Capacity, RoutingKeys: p.RoutingKeys})
	}
	return specs
}

// ToEngine builds the engine configuration.
func (c Config) ToEngine() engine.Config {
	return engine.Config{
		Partitions:       c.PartitionSpecs(),
		DefaultPartition: c.Topology.DefaultPartition,
		Log: partition.LogConfig{
			LoadWindow:    c.Engine.LoadWindow,
			DegradedRatio: c.Engine.BacklogDegradedRatio,
			MaxRetained:   c.Engine.MaxRetained,
		},
		Thresholds: consumer.Thresholds{
			LaggingAfter: c.Engine.LaggingAfter,
			DeadAfter:    c.Engine.DeadAfter,
		},
		Dispatch: dispatch.Config{
			BaseDelay:        c.Engine.BaseDelay,
			DelayScale:       c.Engine.DelayScale,
			Timeout:          c.Engine.DispatchTimeout,
			PrimaryRegions:   c.Topology.PrimaryRegions,
			NonPrimaryFactor: c.Engine.NonPrimaryFactor,
		},
		DeadLetter: deadletter.Policy{
			NotifyThreshold:  c.Engine.NotifyThreshold,
			RetryCeiling:     c.Engine.RetryCeiling,
			Destination:      c.Engine.EscalationDestination,
			SweepConcurrency: c.Engine.SweepConcurrency,
		},
		MonitorInterval: c.Engine.MonitorInterval,
	}
}

// ToRedis converts the heartbeat redis settings.
func (c Config) ToRedis() liveness.RedisConfig {
	r := c.Heartbeat.Redis
	return liveness.RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, KeyPrefix: r.KeyPrefix, TTL: r.TTL}
}

// ToArchive converts the archive settings.
func (c Config) ToArchive() archive.Config {
	return archive.Config{
		ObjectPrefix:  c.Archive.Prefix,
		BatchSize:     c.Archive.BatchSize,
		FlushInterval: c.Archive.FlushInterval,
	}
}

// ConsumerSpecs builds registration specs for the configured consumers.
func (c Config) ConsumerSpecs(pub policy.Publisher, sender notify.Sender) ([]consumer.Spec, error) {
	specs := make([]consumer.Spec, 0, len(c.Consumers))
	for _, cc := range c.Consumers {
		handler, err := policy.ByName(cc.Policy, pub, sender)
		if err != nil {
			return nil, fmt.Errorf("consumer %s: %w", cc.Name, err)
		}
		interests, err := cc.interests()
		if err != nil {
			return nil, fmt.Errorf("consumer %s: %w", cc.Name, err)
		}
		specs = append(specs, consumer.Spec{
			Name:           cc.Name,
			Interests:      interests,
			Affinity:       cc.Affinity,
			ProcessingRate: cc.ProcessingRate,
			Handler:        handler,
		})
	}
	return specs, nil
}

func (cc ConsumerConfig) interests() ([]event.EventType, error) {
	if len(cc.Interests) == 0 {
		return nil, errors.New("at least one interest is required")
	}
	out := make([]event.EventType, 0, len(cc.Interests))
	for _, raw := range cc.Interests {
		t, err := event.ParseEventType(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
