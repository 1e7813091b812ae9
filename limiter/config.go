package limiter

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config is the file-level engine configuration. Field names follow
// the mapstructure tags so the whole block can be unmarshalled from
// viper.
type Config struct {
	// Enabled gates the whole engine; false means every check admits.
	Enabled bool `mapstructure:"enabled"`

	// StoreType selects the backing store: memory or redis.
	StoreType string `mapstructure:"store_type"`

	// Redis settings, required when StoreType is redis.
	Redis RedisConfig `mapstructure:"redis"`

	// EventBusBuffer is the event channel size (0 disables the bus).
	EventBusBuffer int `mapstructure:"event_bus_buffer"`

	// ViolationCapacity bounds each policy's violation ring.
	ViolationCapacity int `mapstructure:"violation_capacity"`

	// Policies maps policy name to its definition.
	Policies map[string]PolicyConfig `mapstructure:"policies"`
}

// RedisConfig describes the optional distributed store connection.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PolicyConfig is the file shape of a Policy.
type PolicyConfig struct {
	Algorithm         string        `mapstructure:"algorithm"`
	Scope             string        `mapstructure:"scope"`
	MaxRequests       int64         `mapstructure:"max_requests"`
	Window            time.Duration `mapstructure:"window"`
	BurstAllowance    int64         `mapstructure:"burst_allowance"`
	RecoveryTime      time.Duration `mapstructure:"recovery_time"`
	Enabled           *bool         `mapstructure:"enabled"` // nil = true
	PenaltyMultiplier float64       `mapstructure:"penalty_multiplier"`
	Whitelist         []string      `mapstructure:"whitelist"`
	Blacklist         []string      `mapstructure:"blacklist"`
}

// DefaultConfig returns a disabled memory-backed configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		StoreType:         string(StoreTypeMemory),
		EventBusBuffer:    500,
		ViolationCapacity: defaultViolationCapacity,
		Policies:          make(map[string]PolicyConfig),
	}
}

// Validate checks the configuration shape. Per-policy semantic checks
// run again in Policy.Validate at registration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	err := validation.ValidateStruct(&c,
		validation.Field(&c.StoreType, validation.Required,
			validation.In(string(StoreTypeMemory), string(StoreTypeRedis))),
		validation.Field(&c.EventBusBuffer, validation.Min(0)),
		validation.Field(&c.ViolationCapacity, validation.Min(0)),
	)
	if err != nil {
		return err
	}

	if c.StoreType == string(StoreTypeRedis) {
		if err := validation.ValidateStruct(&c.Redis,
			validation.Field(&c.Redis.Addr, validation.Required),
			validation.Field(&c.Redis.DB, validation.Min(0), validation.Max(15)),
		); err != nil {
			return err
		}
	}

	for name, pc := range c.Policies {
		if err := pc.Validate(); err != nil {
			return &ValidationError{Policy: name, Field: "policies", Message: err.Error()}
		}
	}
	return nil
}

// Validate checks a single policy block.
func (pc PolicyConfig) Validate() error {
	return validation.ValidateStruct(&pc,
		validation.Field(&pc.Algorithm, validation.Required, validation.In(
			string(AlgorithmFixedWindow),
			string(AlgorithmSlidingWindow),
			string(AlgorithmTokenBucket),
			string(AlgorithmLeakyBucket),
			string(AlgorithmAdaptive),
		)),
		validation.Field(&pc.Scope, validation.Required, validation.In(
			string(ScopeGlobal),
			string(ScopeIP),
			string(ScopeUser),
			string(ScopeAPIKey),
			string(ScopeEndpoint),
			string(ScopeCombined),
		)),
		validation.Field(&pc.MaxRequests, validation.Required, validation.Min(int64(1))),
		validation.Field(&pc.Window, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&pc.BurstAllowance, validation.Min(int64(0))),
		validation.Field(&pc.PenaltyMultiplier, validation.Min(0.0), validation.Max(0.9999)),
	)
}

// ToPolicy converts a named config block into a runtime Policy.
func (pc PolicyConfig) ToPolicy(name string) Policy {
	enabled := true
	if pc.Enabled != nil {
		enabled = *pc.Enabled
	}

	return Policy{
		Name:              name,
		Algorithm:         AlgorithmType(pc.Algorithm),
		Scope:             ScopeKind(pc.Scope),
		MaxRequests:       pc.MaxRequests,
		Window:            pc.Window,
		BurstAllowance:    pc.BurstAllowance,
		RecoveryTime:      pc.RecoveryTime,
		Enabled:           enabled,
		PenaltyMultiplier: pc.PenaltyMultiplier,
		Whitelist:         pc.Whitelist,
		Blacklist:         pc.Blacklist,
	}
}
