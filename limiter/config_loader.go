package limiter

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// LoadConfig reads a rate limit configuration file (yaml, json or toml,
// inferred from the extension) and validates it.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	cfg := DefaultConfig()

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read rate limit config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal rate limit config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate rate limit config: %w", err)
	}
	return cfg, nil
}

// NewEngineFromConfig builds an engine with its store, event bus and
// policies wired from configuration. The logger may be nil.
func NewEngineFromConfig(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []EngineOption{}
	if logger != nil {
		opts = append(opts, WithEngineLogger(logger))
	}
	if !cfg.Enabled {
		opts = append(opts, WithEngineDisabled())
	}
	if cfg.ViolationCapacity > 0 {
		opts = append(opts, WithEngineViolationCapacity(cfg.ViolationCapacity))
	}
	if cfg.EventBusBuffer > 0 {
		opts = append(opts, WithEngineEventBus(NewEventBus(cfg.EventBusBuffer)))
	}

	if cfg.Enabled && cfg.StoreType == string(StoreTypeRedis) {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		store := NewRedisStore(client, cfg.Redis.KeyPrefix)
		opts = append(opts, WithEngineStore(store))
	}

	engine := NewEngine(opts...)

	for name, pc := range cfg.Policies {
		if err := engine.AddLimit(pc.ToPolicy(name)); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("add policy %q: %w", name, err)
		}
	}
	return engine, nil
}
