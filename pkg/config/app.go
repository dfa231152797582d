package config

import (
	"time"
)

// EnvPrefix is the prefix for environment overrides of App
const EnvPrefix = "DATACORE"

// App is the full datacore configuration shared by the host and worker processes
type App struct {
	Database      DatabaseConfig      `yaml:"database" json:"database"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Query         QueryConfig         `yaml:"query" json:"query"`
	Poller        PollerConfig        `yaml:"poller" json:"poller"`
	Source        SourceConfig        `yaml:"source" json:"source"`
	Supervisor    SupervisorConfig    `yaml:"supervisor" json:"supervisor"`
	API           APIConfig           `yaml:"api" json:"api"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver" json:"driver"`
	DSN          string `yaml:"dsn" json:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	Seed         bool   `yaml:"seed" json:"seed"`
}

type CacheConfig struct {
	TTL           Duration `yaml:"ttl" json:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

type QueryConfig struct {
	// StrictFilters rejects malformed filter expressions instead of ignoring them
	StrictFilters bool `yaml:"strict_filters" json:"strict_filters"`
	DefaultTake   int  `yaml:"default_take" json:"default_take"`
	// SlowQuery logs statements slower than this; zero disables
	SlowQuery Duration `yaml:"slow_query" json:"slow_query"`
}

type PollerConfig struct {
	Interval  Duration `yaml:"interval" json:"interval"`
	Autostart bool     `yaml:"autostart" json:"autostart"`
}

type SourceConfig struct {
	// Kind is "simulated" or "nats"
	Kind       string  `yaml:"kind" json:"kind"`
	EmptyRatio float64 `yaml:"empty_ratio" json:"empty_ratio"`
	NATSURL    string  `yaml:"nats_url" json:"nats_url"`
	Subject    string  `yaml:"subject" json:"subject"`
	Buffer     int     `yaml:"buffer" json:"buffer"`
}

type SupervisorConfig struct {
	HealthInterval Duration `yaml:"health_interval" json:"health_interval"`
	HealthTimeout  Duration `yaml:"health_timeout" json:"health_timeout"`
	RestartBackoff Duration `yaml:"restart_backoff" json:"restart_backoff"`
	CallTimeout    Duration `yaml:"call_timeout" json:"call_timeout"`
	ShutdownGrace  Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

type APIConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	// MaxInFlight bounds concurrent API requests; zero disables the limit
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`
}

type ObservabilityConfig struct {
	Metrics        bool   `yaml:"metrics" json:"metrics"`
	Tracing        bool   `yaml:"tracing" json:"tracing"`
	TraceExporter  string `yaml:"trace_exporter" json:"trace_exporter"`
	ZipkinEndpoint string `yaml:"zipkin_endpoint" json:"zipkin_endpoint"`
	LogFormat      string `yaml:"log_format" json:"log_format"`
}

// DefaultApp returns the built-in defaults
func DefaultApp() App {
	return App{
		Database: DatabaseConfig{
			Driver:       "sqlite3",
			DSN:          "file:data/data.db?_busy_timeout=5000",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			Seed:         true,
		},
		Cache: CacheConfig{
			TTL:           D(60 * time.Second),
			SweepInterval: D(60 * time.Second),
		},
		Query: QueryConfig{
			DefaultTake: 20,
			SlowQuery:   D(200 * time.Millisecond),
		},
		Poller: PollerConfig{
			Interval:  D(5 * time.Second),
			Autostart: true,
		},
		Source: SourceConfig{
			Kind:       "simulated",
			EmptyRatio: 0.8,
			NATSURL:    "nats://127.0.0.1:4222",
			Subject:    "datacore.records",
			Buffer:     1024,
		},
		Supervisor: SupervisorConfig{
			HealthInterval: D(30 * time.Second),
			HealthTimeout:  D(5 * time.Second),
			RestartBackoff: D(1 * time.Second),
			CallTimeout:    D(10 * time.Second),
			ShutdownGrace:  D(2 * time.Second),
		},
		API: APIConfig{
			Addr:        ":8080",
			MaxInFlight: 256,
		},
		Observability: ObservabilityConfig{
			Metrics:        true,
			TraceExporter:  "stdout",
			ZipkinEndpoint: "http://localhost:9411/api/v2/spans",
			LogFormat:      "text",
		},
	}
}

// AppValidators returns the validators applied to App after loading
func AppValidators() []Validator {
	return []Validator{
		RequiredFields("Database.Driver", "Database.DSN", "API.Addr"),
		OneOfValidator("Database.Driver", "sqlite3", "pgx", "postgres"),
		RangeValidator("Database.MaxOpenConns", 1, 1000),
		RangeValidator("Query.DefaultTake", 1, 10000),
		PositiveDuration(
			"Cache.TTL", "Cache.SweepInterval", "Poller.Interval",
			"Supervisor.HealthInterval", "Supervisor.HealthTimeout", "Supervisor.RestartBackoff",
			"Supervisor.CallTimeout", "Supervisor.ShutdownGrace",
		),
		OneOfValidator("Source.Kind", "simulated", "nats"),
		RangeValidator("Source.EmptyRatio", 0, 1),
		OneOfValidator("Observability.TraceExporter", "stdout", "zipkin"),
		OneOfValidator("Observability.LogFormat", "text", "json"),
	}
}

// LoadApp starts from DefaultApp, overlays the file at path (if any) and
// DATACORE_* environment variables, then validates.
func LoadApp(path string) (App, error) {
	cfg := DefaultApp()
	if err := LoadWithEnv(path, EnvPrefix, &cfg); err != nil {
		return App{}, err
	}
	if err := Validate(&cfg, AppValidators()...); err != nil {
		return App{}, err
	}
	return cfg, nil
}
