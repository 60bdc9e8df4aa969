// Package config assembles the run configuration of dealqap.
//
// Values are layered: built-in defaults, then an optional YAML file
// (--config or DEALQAP_CONFIG), then environment variables, then flags.
// The Postgres variables keep the names the deployment has always used:
// SINGULARITYMETRICS_PG_* for the piece log and STATEMARKETDEALS_PG_* for the
// deal table.
//
// For tests, LoadFromArgs keeps everything hermetic:
//
//	fs := flag.NewFlagSet("test", flag.ContinueOnError)
//	getenv := func(k string) string { return testEnv[k] }
//	cfg, err := config.LoadFromArgs(fs, getenv, []string{"-profile=unweighted"})
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/eunmann/deal-qap/pkg/dealagg"
	"github.com/eunmann/deal-qap/pkg/logging"
	"github.com/eunmann/deal-qap/pkg/membudget"
	"github.com/eunmann/deal-qap/pkg/source"
	"gopkg.in/yaml.v3"
)

// Kind selects a source implementation.
type Kind string

const (
	KindPostgres    Kind = "postgres"
	KindSQLite      Kind = "sqlite"
	KindParquet     Kind = "parquet"
	KindMarketDeals Kind = "marketdeals"
)

// Metrics backends.
const (
	MetricsNone     = ""
	MetricsPromPush = "prompush"
	MetricsDatadog  = "datadog"
)

// PGConfig describes one Postgres connection. DSN, when set, wins over the
// discrete parts.
type PGConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	DSN      string `yaml:"dsn"`
}

// ConnString returns the DSN or a postgres:// URL built from the parts.
func (p PGConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   p.Host,
		Path:   "/" + p.Database,
	}
	if p.Port != "" {
		u.Host = net.JoinHostPort(p.Host, p.Port)
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {p.SSLMode}}.Encode()
	}
	return u.String()
}

func (p PGConfig) configured() bool {
	return p.DSN != "" || (p.Host != "" && p.Database != "")
}

// SourceConfig describes where one dataset is read from.
type SourceConfig struct {
	Kind     Kind     `yaml:"kind"`
	Postgres PGConfig `yaml:"postgres"`
	// Path is a local file or an s3:// URI for the file-based kinds.
	Path string `yaml:"path"`
	// Query overrides the default statement for SQL kinds.
	Query string `yaml:"query"`
	// Table overrides the deal table for SQL kinds.
	Table string `yaml:"table"`
}

// MetricsConfig selects an optional metrics backend.
type MetricsConfig struct {
	Backend          string   `yaml:"backend"`
	PushgatewayURL   string   `yaml:"pushgateway_url"`
	PushJob          string   `yaml:"push_job"`
	DatadogAddr      string   `yaml:"datadog_addr"`
	DatadogNamespace string   `yaml:"datadog_namespace"`
	DatadogTags      []string `yaml:"datadog_tags"`
}

// Config holds everything a run needs.
type Config struct {
	Pieces SourceConfig `yaml:"pieces"`
	Deals  SourceConfig `yaml:"deals"`

	Profile       string `yaml:"profile"`
	BatchSize     int    `yaml:"batch_size"`
	ProgressEvery int64  `yaml:"progress_every"`
	// MemoryBudget caps the piece index: a size like "4GiB", "unlimited",
	// or empty for half of system RAM.
	MemoryBudget string `yaml:"memory_budget"`
	// Report is an optional local path or s3:// URI for the JSON report.
	Report  string `yaml:"report"`
	TempDir string `yaml:"temp_dir"`

	Metrics MetricsConfig `yaml:"metrics"`

	LogDebug bool `yaml:"log_debug"`
	LogHuman bool `yaml:"log_human"`
}

// Default returns the built-in defaults: both datasets in Postgres, the
// weighted profile and the historical batch and progress cadence.
func Default() *Config {
	return &Config{
		Pieces:        SourceConfig{Kind: KindPostgres, Postgres: PGConfig{Port: "5432"}},
		Deals:         SourceConfig{Kind: KindPostgres, Postgres: PGConfig{Port: "5432"}},
		Profile:       dealagg.WeightedProfile.Name,
		BatchSize:     source.DefaultBatchSize,
		ProgressEvery: logging.DefaultProgressEvery,
	}
}

// LoadFile decodes the YAML file at path over cfg. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromArgs builds a Config from defaults, the optional YAML file, getenv
// and args, in increasing precedence. Flags are registered on fs with the
// layered values as defaults so -help shows what a run would use.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	cfg := Default()

	configPath := findConfigPath(args, getenv("DEALQAP_CONFIG"))
	if configPath != "" {
		if err := LoadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	var pieceKind, dealKind string
	fs.String("config", configPath, "YAML config file (DEALQAP_CONFIG)")
	fs.StringVar(&pieceKind, "pieces-kind", string(cfg.Pieces.Kind), "piece source: postgres, sqlite or parquet")
	fs.StringVar(&cfg.Pieces.Path, "pieces-path", cfg.Pieces.Path, "piece file path or s3:// URI")
	fs.StringVar(&cfg.Pieces.Postgres.DSN, "pieces-dsn", cfg.Pieces.Postgres.DSN, "piece database DSN")
	fs.StringVar(&cfg.Pieces.Query, "pieces-query", cfg.Pieces.Query, "override the piece query")
	fs.StringVar(&dealKind, "deals-kind", string(cfg.Deals.Kind), "deal source: postgres, sqlite, parquet or marketdeals")
	fs.StringVar(&cfg.Deals.Path, "deals-path", cfg.Deals.Path, "deal file path or s3:// URI")
	fs.StringVar(&cfg.Deals.Postgres.DSN, "deals-dsn", cfg.Deals.Postgres.DSN, "deal database DSN")
	fs.StringVar(&cfg.Deals.Table, "deals-table", cfg.Deals.Table, "deal table")
	fs.StringVar(&cfg.Profile, "profile", cfg.Profile, "aggregation profile: weighted or unweighted")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "deal rows fetched per round trip")
	fs.Int64Var(&cfg.ProgressEvery, "progress-every", cfg.ProgressEvery, "rows between progress events")
	fs.StringVar(&cfg.MemoryBudget, "mem-budget", cfg.MemoryBudget, "piece index memory budget (e.g. 4GiB, unlimited; default 50% of RAM)")
	fs.StringVar(&cfg.Report, "report", cfg.Report, "write the JSON report to this path or s3:// URI")
	fs.StringVar(&cfg.TempDir, "tmp", cfg.TempDir, "directory for downloaded inputs")
	fs.StringVar(&cfg.Metrics.Backend, "metrics", cfg.Metrics.Backend, "metrics backend: prompush or datadog")
	fs.StringVar(&cfg.Metrics.PushgatewayURL, "pushgateway", cfg.Metrics.PushgatewayURL, "Pushgateway URL")
	fs.StringVar(&cfg.Metrics.DatadogAddr, "datadog-addr", cfg.Metrics.DatadogAddr, "DogStatsD address")
	fs.BoolVar(&cfg.LogDebug, "debug", cfg.LogDebug, "enable debug logging")
	fs.BoolVar(&cfg.LogHuman, "log-human", cfg.LogHuman, "human-readable console logs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Pieces.Kind = Kind(strings.ToLower(pieceKind))
	cfg.Deals.Kind = Kind(strings.ToLower(dealKind))
	return cfg, nil
}

// findConfigPath returns the --config value from args, or fallback.
func findConfigPath(args []string, fallback string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	applyPGEnv(&cfg.Pieces.Postgres, "SINGULARITYMETRICS_PG_", getenv)
	applyPGEnv(&cfg.Deals.Postgres, "STATEMARKETDEALS_PG_", getenv)

	str := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("DEALQAP_PIECES_KIND"); v != "" {
		cfg.Pieces.Kind = Kind(v)
	}
	if v := getenv("DEALQAP_DEALS_KIND"); v != "" {
		cfg.Deals.Kind = Kind(v)
	}
	str(&cfg.Pieces.Path, "DEALQAP_PIECES_PATH")
	str(&cfg.Deals.Path, "DEALQAP_DEALS_PATH")
	str(&cfg.Deals.Table, "DEALQAP_DEALS_TABLE")
	str(&cfg.Profile, "DEALQAP_PROFILE")
	str(&cfg.MemoryBudget, "DEALQAP_MEM_BUDGET")
	str(&cfg.Report, "DEALQAP_REPORT")
	str(&cfg.TempDir, "DEALQAP_TMP_DIR")
	str(&cfg.Metrics.Backend, "DEALQAP_METRICS")
	str(&cfg.Metrics.PushgatewayURL, "DEALQAP_PUSHGATEWAY_URL")
	str(&cfg.Metrics.PushJob, "DEALQAP_PUSH_JOB")
	str(&cfg.Metrics.DatadogAddr, "DEALQAP_DATADOG_ADDR")
	str(&cfg.Metrics.DatadogNamespace, "DEALQAP_DATADOG_NAMESPACE")
	if v := getenv("DEALQAP_DATADOG_TAGS"); v != "" {
		cfg.Metrics.DatadogTags = strings.Split(v, ",")
	}

	if v := getenv("DEALQAP_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEALQAP_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}
	if v := getenv("DEALQAP_PROGRESS_EVERY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DEALQAP_PROGRESS_EVERY: %w", err)
		}
		cfg.ProgressEvery = n
	}
	for key, dst := range map[string]*bool{
		"DEALQAP_LOG_DEBUG": &cfg.LogDebug,
		"DEALQAP_LOG_HUMAN": &cfg.LogHuman,
	} {
		switch strings.ToLower(getenv(key)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
	return nil
}

func applyPGEnv(pg *PGConfig, prefix string, getenv func(string) string) {
	for suffix, dst := range map[string]*string{
		"USER":     &pg.User,
		"PASSWORD": &pg.Password,
		"HOST":     &pg.Host,
		"DATABASE": &pg.Database,
		"PORT":     &pg.Port,
		"SSLMODE":  &pg.SSLMode,
		"DSN":      &pg.DSN,
	} {
		if v := getenv(prefix + suffix); v != "" {
			*dst = v
		}
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error { return c.validate(true) }

// ValidatePieces is Validate without the deal source, for commands that only
// read the piece dataset.
func (c *Config) ValidatePieces() error { return c.validate(false) }

func (c *Config) validate(deals bool) error {
	var errs []error
	errs = append(errs, c.Pieces.validate("pieces", KindPostgres, KindSQLite, KindParquet)...)
	if deals {
		errs = append(errs, c.Deals.validate("deals", KindPostgres, KindSQLite, KindParquet, KindMarketDeals)...)
	}

	if _, err := dealagg.ProfileByName(c.Profile); err != nil {
		errs = append(errs, err)
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize))
	}
	if c.ProgressEvery < 1 {
		errs = append(errs, fmt.Errorf("progress interval must be >= 1, got %d", c.ProgressEvery))
	}
	if _, err := c.Budget(); err != nil {
		errs = append(errs, err)
	}
	switch c.Metrics.Backend {
	case MetricsNone:
	case MetricsPromPush:
		if c.Metrics.PushgatewayURL == "" {
			errs = append(errs, errors.New("metrics: prompush requires a Pushgateway URL"))
		}
	case MetricsDatadog:
		if c.Metrics.DatadogAddr == "" {
			errs = append(errs, errors.New("metrics: datadog requires a DogStatsD address"))
		}
	default:
		errs = append(errs, fmt.Errorf("metrics: unknown backend %q", c.Metrics.Backend))
	}
	return errors.Join(errs...)
}

func (s SourceConfig) validate(name string, allowed ...Kind) []error {
	ok := false
	for _, k := range allowed {
		if s.Kind == k {
			ok = true
		}
	}
	if !ok {
		return []error{fmt.Errorf("%s: unsupported kind %q", name, s.Kind)}
	}
	switch s.Kind {
	case KindPostgres:
		if !s.Postgres.configured() {
			return []error{fmt.Errorf("%s: postgres needs a DSN or a host and database", name)}
		}
	default:
		if s.Path == "" {
			return []error{fmt.Errorf("%s: %s needs a path", name, s.Kind)}
		}
	}
	return nil
}

// Budget resolves MemoryBudget.
func (c *Config) Budget() (*membudget.Budget, error) {
	switch strings.ToLower(strings.TrimSpace(c.MemoryBudget)) {
	case "":
		return membudget.NewFromSystemRAM(), nil
	case "0", "unlimited", "none":
		return membudget.New(0, membudget.BudgetSourceUnlimited), nil
	}
	n, err := membudget.ParseHumanSize(c.MemoryBudget)
	if err != nil {
		return nil, fmt.Errorf("memory budget %q: %w", c.MemoryBudget, err)
	}
	return membudget.New(n, membudget.BudgetSourceConfig), nil
}
