package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Edition determines which backends are used by default
	Edition Edition `yaml:"edition"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`

	// Operator authentication for /admin
	Auth AuthConfig `yaml:"auth"`

	// Scoring domain
	Scoring ScoringConfig `yaml:"scoring"`
	Loyalty LoyaltyConfig `yaml:"loyalty"`
	Batch   BatchConfig   `yaml:"batch"`
	Search  SearchConfig  `yaml:"search"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// AuthConfig holds operator token settings.
type AuthConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	Issuer       string   `yaml:"issuer"`
	AllowedRoles []string `yaml:"allowed_roles"`
}

// ScoreWeights is the trust score weight table.
type ScoreWeights struct {
	Base              int `json:"base" yaml:"base"`
	KYCBonus          int `json:"kycBonus" yaml:"kyc_bonus"`
	BankBonus         int `json:"bankBonus" yaml:"bank_bonus"`
	PerCompletedOrder int `json:"perCompletedOrder" yaml:"per_completed_order"`
	CompletedOrderCap int `json:"completedOrderCap" yaml:"completed_order_cap"`
	PerCancelledOrder int `json:"perCancelledOrder" yaml:"per_cancelled_order"`
	PerUpheldReport   int `json:"perUpheldReport" yaml:"per_upheld_report"`
	PerSuspectSignal  int `json:"perSuspectSignal" yaml:"per_suspect_signal"`
	Min               int `json:"min" yaml:"min"`
	Max               int `json:"max" yaml:"max"`
}

// RiskThresholds are the inclusive lower bounds of each risk level.
// Scores below High are CRITICAL.
type RiskThresholds struct {
	Low    int `json:"low" yaml:"low"`
	Medium int `json:"medium" yaml:"medium"`
	High   int `json:"high" yaml:"high"`
}

// SuspectRule is a named CEL expression evaluated over aggregated signals.
type SuspectRule struct {
	Name        string `json:"name" yaml:"name"`
	Expression  string `json:"expression" yaml:"expression"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// ScoringConfig holds the scoring tables.
type ScoringConfig struct {
	Weights      ScoreWeights   `yaml:"weights"`
	Thresholds   RiskThresholds `yaml:"thresholds"`
	SuspectRules []SuspectRule  `yaml:"suspect_rules"`
	HistoryLimit int            `yaml:"history_limit"`
}

// LoyaltyConfig holds the tier table.
type LoyaltyConfig struct {
	Tiers []Tier `yaml:"tiers"`
}

// BatchConfig holds batch recalibration settings.
type BatchConfig struct {
	PageSize    int `yaml:"page_size"`
	MaxFailures int `yaml:"max_failures"` // failures kept in the summary
}

// SearchConfig holds trending search settings.
type SearchConfig struct {
	TrendingWindow time.Duration `yaml:"trending_window"`
	TrendingLimit  int           `yaml:"trending_limit"`

	// RecordLimit caps recorded searches per client per RecordWindow. 0 disables it.
	RecordLimit  int           `yaml:"record_limit"`
	RecordWindow time.Duration `yaml:"record_window"`
}

// Edition represents the deployment edition.
type Edition string

const (
	// EditionCommunity uses SQLite + channels + in-memory cache
	EditionCommunity Edition = "community"

	// EditionPro uses PostgreSQL + NATS + Redis
	EditionPro Edition = "pro"
)

// DefaultScoreWeights returns the stock weight table.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Base:              50,
		KYCBonus:          20,
		BankBonus:         10,
		PerCompletedOrder: 1,
		CompletedOrderCap: 30,
		PerCancelledOrder: 10,
		PerUpheldReport:   20,
		PerSuspectSignal:  0,
		Min:               0,
		Max:               100,
	}
}

// DefaultRiskThresholds returns the stock classifier thresholds.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{Low: 80, Medium: 50, High: 30}
}

// DefaultSuspectRules returns the stock suspect-signal rules.
func DefaultSuspectRules() []SuspectRule {
	return []SuspectRule{
		{
			Name:        "new-account-cancellations",
			Expression:  "account_age_days < 7 && cancelled_orders >= 2",
			Description: "Young account already cancelling orders",
		},
		{
			Name:        "cancellation-heavy",
			Expression:  "cancelled_orders > completed_orders && cancelled_orders >= 3",
			Description: "More cancellations than completions",
		},
		{
			Name:        "unverified-reported",
			Expression:  "!kyc_verified && report_count >= 1",
			Description: "Upheld report against an unverified user",
		},
	}
}

// DefaultTiers returns the stock loyalty tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "bronze", MinBalance: 0, DiscountPercent: 0, EarnMultiplier: 1.0, Benefits: []string{"Earn 1 point per 1 spent"}},
		{Name: "silver", MinBalance: 1000, DiscountPercent: 5, EarnMultiplier: 1.2, Benefits: []string{"Earn 1.2x points", "5% off"}},
		{Name: "gold", MinBalance: 5000, DiscountPercent: 10, EarnMultiplier: 1.5, Benefits: []string{"Earn 1.5x points", "10% off", "Priority support"}},
		{Name: "platinum", MinBalance: 15000, DiscountPercent: 15, EarnMultiplier: 2.0, Benefits: []string{"Earn 2x points", "15% off", "Free shipping"}},
		{Name: "diamond", MinBalance: 50000, DiscountPercent: 20, EarnMultiplier: 3.0, Benefits: []string{"Earn 3x points", "20% off", "Dedicated account manager"}},
	}
}

// DefaultConfig returns a default configuration for the Community edition.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Edition: EditionCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			LocalTTL:      5 * time.Minute,
			RiskRecordTTL: time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Auth: AuthConfig{
			Issuer:       "kestrel",
			AllowedRoles: []string{"super_admin", "staff_fraud", "manager"},
		},
		Scoring: ScoringConfig{
			Weights:      DefaultScoreWeights(),
			Thresholds:   DefaultRiskThresholds(),
			SuspectRules: DefaultSuspectRules(),
			HistoryLimit: 20,
		},
		Loyalty: LoyaltyConfig{
			Tiers: DefaultTiers(),
		},
		Batch: BatchConfig{
			PageSize:    50,
			MaxFailures: 100,
		},
		Search: SearchConfig{
			TrendingWindow: time.Hour,
			TrendingLimit:  10,
			RecordLimit:    60,
			RecordWindow:   time.Minute,
		},
	}
}

// ProConfig returns a configuration for the Pro edition.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Edition = EditionPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		RiskRecordTTL:  time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
