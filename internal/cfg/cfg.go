package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the resolved engine configuration.
type Settings struct {
	Key, Secret  string
	BaseURL      string
	WsPublicURL  string
	WsPrivateURL string

	Symbols     []string
	Interval    string // kline interval, exchange notation ("1","5","15","60")
	AccountMode string // "oneway" or "hedge"
	Leverage    int
	RiskUSD     float64
	DryRun      bool

	MaxDailyLossPct float64
	MaxDrawdownPct  float64
	FlipCooldown    time.Duration
	MaxSpreadPct    float64
	MinVolatility   float64
	MinConfidence   float64
	Timezone        string

	SignalURL     string
	SignalTimeout time.Duration

	ReconcileInterval time.Duration
	StaleOrderTimeout time.Duration
	FlattenTimeout    time.Duration
	OrderTimeout      time.Duration

	DataPath    string
	StatePath   string
	MetricsPort int
	RESTTimeout time.Duration
	MaxRetries  int
	Ping        time.Duration
}

// Location resolves the configured timezone for the daily risk boundary.
func (s *Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

type configFile struct {
	API struct {
		Key          string `yaml:"key"`
		Secret       string `yaml:"secret"`
		BaseURL      string `yaml:"baseURL"`
		WsPublicURL  string `yaml:"wsPublicURL"`
		WsPrivateURL string `yaml:"wsPrivateURL"`
	} `yaml:"api"`

	Trading struct {
		Symbols     []string `yaml:"symbols"`
		Interval    string   `yaml:"interval"`
		AccountMode string   `yaml:"accountMode"`
		Leverage    int      `yaml:"leverage"`
		RiskUSD     float64  `yaml:"riskUSD"`
		DryRun      bool     `yaml:"dryRun"`
	} `yaml:"trading"`

	Risk struct {
		MaxDailyLossPct float64 `yaml:"maxDailyLossPct"`
		MaxDrawdownPct  float64 `yaml:"maxDrawdownPct"`
		FlipCooldown    string  `yaml:"flipCooldown"`
		MaxSpreadPct    float64 `yaml:"maxSpreadPct"`
		MinVolatility   float64 `yaml:"minVolatility"`
		MinConfidence   float64 `yaml:"minConfidence"`
		Timezone        string  `yaml:"timezone"`
	} `yaml:"risk"`

	Signal struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"signal"`

	Engine struct {
		ReconcileInterval string `yaml:"reconcileInterval"`
		StaleOrderTimeout string `yaml:"staleOrderTimeout"`
		FlattenTimeout    string `yaml:"flattenTimeout"`
		OrderTimeout      string `yaml:"orderTimeout"`
	} `yaml:"engine"`

	System struct {
		DataPath     string `yaml:"dataPath"`
		StatePath    string `yaml:"statePath"`
		MetricsPort  int    `yaml:"metricsPort"`
		RESTTimeout  string `yaml:"restTimeout"`
		MaxRetries   int    `yaml:"maxRetries"`
		PingInterval string `yaml:"pingInterval"`
	} `yaml:"system"`
}

// Load resolves settings from the YAML file named by CONFIG_FILE, falling
// back to environment variables.
func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials may always be overridden from the environment so they can
	// stay out of the file.
	key := getEnvOrDefault("BYBIT_API_KEY", cf.API.Key)
	secret := getEnvOrDefault("BYBIT_API_SECRET", cf.API.Secret)

	s := Settings{
		Key:          key,
		Secret:       secret,
		BaseURL:      getEnvOrDefault("BASE_URL", defaultStr(cf.API.BaseURL, "https://api.bybit.com")),
		WsPublicURL:  getEnvOrDefault("WS_PUBLIC_URL", defaultStr(cf.API.WsPublicURL, "wss://stream.bybit.com/v5/public/linear")),
		WsPrivateURL: getEnvOrDefault("WS_PRIVATE_URL", defaultStr(cf.API.WsPrivateURL, "wss://stream.bybit.com/v5/private")),

		Symbols:     defaultSymbols(cf.Trading.Symbols),
		Interval:    defaultStr(cf.Trading.Interval, "5"),
		AccountMode: strings.ToLower(defaultStr(cf.Trading.AccountMode, "oneway")),
		Leverage:    defaultInt(cf.Trading.Leverage, 5),
		RiskUSD:     defaultFloat(cf.Trading.RiskUSD, 100),
		DryRun:      getBoolFromEnvOrConfig("DRY_RUN", cf.Trading.DryRun),

		MaxDailyLossPct: defaultFloat(cf.Risk.MaxDailyLossPct, 0.05),
		MaxDrawdownPct:  defaultFloat(cf.Risk.MaxDrawdownPct, 0.15),
		FlipCooldown:    parseDurationOr(cf.Risk.FlipCooldown, 5*time.Minute),
		MaxSpreadPct:    defaultFloat(cf.Risk.MaxSpreadPct, 0.001),
		MinVolatility:   cf.Risk.MinVolatility,
		MinConfidence:   defaultFloat(cf.Risk.MinConfidence, 0.6),
		Timezone:        defaultStr(cf.Risk.Timezone, "UTC"),

		SignalURL:     getEnvOrDefault("SIGNAL_URL", cf.Signal.URL),
		SignalTimeout: parseDurationOr(cf.Signal.Timeout, 10*time.Second),

		ReconcileInterval: parseDurationOr(cf.Engine.ReconcileInterval, 30*time.Second),
		StaleOrderTimeout: parseDurationOr(cf.Engine.StaleOrderTimeout, 2*time.Minute),
		FlattenTimeout:    parseDurationOr(cf.Engine.FlattenTimeout, 45*time.Second),
		OrderTimeout:      parseDurationOr(cf.Engine.OrderTimeout, 30*time.Second),

		DataPath:    getEnvOrDefault("DATA_PATH", cf.System.DataPath),
		StatePath:   getEnvOrDefault("STATE_PATH", defaultStr(cf.System.StatePath, "state")),
		MetricsPort: defaultInt(cf.System.MetricsPort, 8080),
		RESTTimeout: parseDurationOr(cf.System.RESTTimeout, 5*time.Second),
		MaxRetries:  defaultInt(cf.System.MaxRetries, 3),
		Ping:        parseDurationOr(cf.System.PingInterval, 20*time.Second),
	}

	if err := validateSettings(&s); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func loadFromEnv() (Settings, error) {
	key, err := getEnvRequired("BYBIT_API_KEY")
	if err != nil {
		return Settings{}, err
	}
	secret, err := getEnvRequired("BYBIT_API_SECRET")
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		Key:          key,
		Secret:       secret,
		BaseURL:      getEnvOrDefault("BASE_URL", "https://api.bybit.com"),
		WsPublicURL:  getEnvOrDefault("WS_PUBLIC_URL", "wss://stream.bybit.com/v5/public/linear"),
		WsPrivateURL: getEnvOrDefault("WS_PRIVATE_URL", "wss://stream.bybit.com/v5/private"),

		Symbols:     splitOrDefault(os.Getenv("SYMBOLS"), []string{"BTCUSDT"}),
		Interval:    getEnvOrDefault("KLINE_INTERVAL", "5"),
		AccountMode: strings.ToLower(getEnvOrDefault("ACCOUNT_MODE", "oneway")),
		Leverage:    getIntOrDefault("LEVERAGE", 5),
		RiskUSD:     getFloatOrDefault("RISK_USD", 100),
		DryRun:      getBoolOrDefault("DRY_RUN", false),

		MaxDailyLossPct: getFloatOrDefault("MAX_DAILY_LOSS_PCT", 0.05),
		MaxDrawdownPct:  getFloatOrDefault("MAX_DRAWDOWN_PCT", 0.15),
		FlipCooldown:    getDurationOrDefault("FLIP_COOLDOWN", 5*time.Minute),
		MaxSpreadPct:    getFloatOrDefault("MAX_SPREAD_PCT", 0.001),
		MinVolatility:   getFloatOrDefault("MIN_VOLATILITY", 0),
		MinConfidence:   getFloatOrDefault("MIN_CONFIDENCE", 0.6),
		Timezone:        getEnvOrDefault("RISK_TIMEZONE", "UTC"),

		SignalURL:     os.Getenv("SIGNAL_URL"),
		SignalTimeout: getDurationOrDefault("SIGNAL_TIMEOUT", 10*time.Second),

		ReconcileInterval: getDurationOrDefault("RECONCILE_INTERVAL", 30*time.Second),
		StaleOrderTimeout: getDurationOrDefault("STALE_ORDER_TIMEOUT", 2*time.Minute),
		FlattenTimeout:    getDurationOrDefault("FLATTEN_TIMEOUT", 45*time.Second),
		OrderTimeout:      getDurationOrDefault("ORDER_TIMEOUT", 30*time.Second),

		DataPath:    os.Getenv("DATA_PATH"), // optional journal
		StatePath:   getEnvOrDefault("STATE_PATH", "state"),
		MetricsPort: getIntOrDefault("METRICS_PORT", 8080),
		RESTTimeout: getDurationOrDefault("REST_TIMEOUT", 5*time.Second),
		MaxRetries:  getIntOrDefault("MAX_RETRIES", 3),
		Ping:        getDurationOrDefault("PING_INTERVAL", 20*time.Second),
	}

	if err := validateSettings(&s); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func validateSettings(s *Settings) error {
	if s.Key == "" || s.Secret == "" {
		return fmt.Errorf("API key and secret are required")
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol must be specified")
	}
	if s.BaseURL == "" || s.WsPublicURL == "" || s.WsPrivateURL == "" {
		return fmt.Errorf("base URL and stream URLs cannot be empty")
	}
	if s.AccountMode != "oneway" && s.AccountMode != "hedge" {
		return fmt.Errorf("account mode must be oneway or hedge, got %q", s.AccountMode)
	}
	if s.Leverage < 1 || s.Leverage > 100 {
		return fmt.Errorf("leverage must be between 1 and 100, got %d", s.Leverage)
	}
	if s.RiskUSD <= 0 {
		return fmt.Errorf("riskUSD must be positive, got %f", s.RiskUSD)
	}
	if s.MaxDailyLossPct <= 0 || s.MaxDailyLossPct > 0.5 {
		return fmt.Errorf("max daily loss must be between 0 and 0.5, got %f", s.MaxDailyLossPct)
	}
	if s.MaxDrawdownPct <= 0 || s.MaxDrawdownPct > 0.9 {
		return fmt.Errorf("max drawdown must be between 0 and 0.9, got %f", s.MaxDrawdownPct)
	}
	if s.MaxSpreadPct <= 0 || s.MaxSpreadPct > 0.05 {
		return fmt.Errorf("max spread must be between 0 and 0.05, got %f", s.MaxSpreadPct)
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0,1], got %f", s.MinConfidence)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	if s.ReconcileInterval < time.Second || s.ReconcileInterval > 10*time.Minute {
		return fmt.Errorf("reconcile interval must be between 1s and 10m, got %v", s.ReconcileInterval)
	}
	if s.FlattenTimeout < time.Second {
		return fmt.Errorf("flatten timeout must be at least 1s, got %v", s.FlattenTimeout)
	}
	if s.OrderTimeout < time.Second {
		return fmt.Errorf("order timeout must be at least 1s, got %v", s.OrderTimeout)
	}
	if s.StaleOrderTimeout < s.OrderTimeout {
		return fmt.Errorf("stale order timeout %v must not be shorter than order timeout %v",
			s.StaleOrderTimeout, s.OrderTimeout)
	}
	if s.RESTTimeout < time.Second || s.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", s.RESTTimeout)
	}
	if s.MetricsPort < 1024 || s.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", s.MetricsPort)
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		return fmt.Errorf("max retries must be between 0 and 10, got %d", s.MaxRetries)
	}
	if s.Ping < time.Second || s.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", s.Ping)
	}
	return nil
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return configValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}

func defaultSymbols(configSymbols []string) []string {
	if env := os.Getenv("SYMBOLS"); env != "" {
		return strings.Split(env, ",")
	}
	if len(configSymbols) > 0 {
		return configSymbols
	}
	return []string{"BTCUSDT"}
}

func defaultStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func defaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func defaultFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}

func parseDurationOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
