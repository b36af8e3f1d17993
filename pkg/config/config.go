package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/tracing"
	"gopkg.in/yaml.v3"
)

const (
	RuntimeInProc = "inproc"
	RuntimeExec   = "exec"

	BrokerMemory = "memory"
	BrokerRedis  = "redis"

	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	defaultPollIntervalMillis = 1000
)

// hostCores is resolved once per process.
var hostCores = sync.OnceValue(runtime.NumCPU)

type FileSetConfig struct {
	Label  string  `yaml:"label"`
	Weight float64 `yaml:"weight"`
}

type Config struct {
	Student    string            `yaml:"student"`
	OutputName string            `yaml:"outputName"`
	Files      []string          `yaml:"files"`
	FileSet    FileSetConfig     `yaml:"fileSet"`
	Workers    int               `yaml:"workers"`
	GridMode   bool              `yaml:"gridMode"`
	QueueMode  *bool             `yaml:"queueMode"`
	Nice       int               `yaml:"nice"`
	Options    map[string]string `yaml:"options"`

	Runtime            string `yaml:"runtime"`
	Broker             string `yaml:"broker"`
	RedisAddr          string `yaml:"redisAddr"`
	RedisPassword      string `yaml:"redisPassword"`
	PollIntervalMillis int    `yaml:"pollIntervalMillis"`

	LogDir    string `yaml:"logDir"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	ReportStore  string   `yaml:"reportStore"`
	ReportPath   string   `yaml:"reportPath"`
	ReportFormat string   `yaml:"reportFormat"`
	PostgresDSN  string   `yaml:"postgresDsn"`
	MergeCommand []string `yaml:"mergeCommand"`
	Normalize    bool     `yaml:"normalize"`
	ArtifactExt  string   `yaml:"artifactExt"`
	OutputDir    string   `yaml:"outputDir"`

	MetricsTextfile string `yaml:"metricsTextfile"`
	ControlAddr     string `yaml:"controlAddr"`
	ControlSecret   string `yaml:"controlSecret"`
	ControlToken    string `yaml:"controlToken"`

	Tracing tracing.Config `yaml:"tracing"`
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

// LoadConfigOptional is LoadConfig that tolerates an empty or missing path,
// falling back to environment overrides and defaults.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath != "" {
		cfg, err := LoadConfig(filePath)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	var c Config
	c.applyEnv()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BATCHSUP_STUDENT"); v != "" {
		c.Student = v
	}
	if v := os.Getenv("BATCHSUP_OUTPUT_NAME"); v != "" {
		c.OutputName = v
	}
	if v := os.Getenv("BATCHSUP_FILES"); v != "" {
		c.Files = splitList(v, ",")
	}
	if v := os.Getenv("BATCHSUP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("BATCHSUP_GRID_MODE"); v != "" {
		c.GridMode = parseBool(v)
	}
	if v := os.Getenv("BATCHSUP_QUEUE_MODE"); v != "" {
		q := parseBool(v)
		c.QueueMode = &q
	}
	if v := os.Getenv("BATCHSUP_NICE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Nice = n
		}
	}
	if v := os.Getenv("BATCHSUP_RUNTIME"); v != "" {
		c.Runtime = v
	}
	if v := os.Getenv("BATCHSUP_BROKER"); v != "" {
		c.Broker = v
	}
	if v := os.Getenv("BATCHSUP_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("BATCHSUP_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("BATCHSUP_POLL_INTERVAL_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalMillis = n
		}
	}
	if v := os.Getenv("BATCHSUP_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("BATCHSUP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BATCHSUP_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("BATCHSUP_REPORT_STORE"); v != "" {
		c.ReportStore = v
	}
	if v := os.Getenv("BATCHSUP_REPORT_PATH"); v != "" {
		c.ReportPath = v
	}
	if v := os.Getenv("BATCHSUP_REPORT_FORMAT"); v != "" {
		c.ReportFormat = v
	}
	if v := os.Getenv("BATCHSUP_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("BATCHSUP_MERGE_COMMAND"); v != "" {
		c.MergeCommand = strings.Fields(v)
	}
	if v := os.Getenv("BATCHSUP_NORMALIZE"); v != "" {
		c.Normalize = parseBool(v)
	}
	if v := os.Getenv("BATCHSUP_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("BATCHSUP_METRICS_TEXTFILE"); v != "" {
		c.MetricsTextfile = v
	}
	if v := os.Getenv("BATCHSUP_CONTROL_ADDR"); v != "" {
		c.ControlAddr = v
	}
	if v := os.Getenv("BATCHSUP_CONTROL_SECRET"); v != "" {
		c.ControlSecret = v
	}
	if v := os.Getenv("BATCHSUP_CONTROL_TOKEN"); v != "" {
		c.ControlToken = v
	}
	if v := os.Getenv("BATCHSUP_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("BATCHSUP_TRACING_SAMPLE_RATIO"); v != "" {
		c.Tracing.SampleRatio = tracing.ParseSampleRatio(v)
	}
}

func (c *Config) applyDefaults() {
	if c.QueueMode == nil {
		q := true
		c.QueueMode = &q
	}
	if c.Runtime == "" {
		c.Runtime = RuntimeInProc
	}
	if c.Broker == "" {
		if c.Runtime == RuntimeExec {
			c.Broker = BrokerRedis
		} else {
			c.Broker = BrokerMemory
		}
	}
	if c.PollIntervalMillis <= 0 {
		c.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.LogDir == "" {
		c.LogDir = "."
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.ReportStore == "" {
		c.ReportStore = StoreFile
	}
	if c.ReportFormat == "" {
		c.ReportFormat = "json"
	}
	if c.ReportPath == "" && c.ReportStore == StoreFile && c.OutputName != "" {
		c.ReportPath = c.OutputName + "-cutflow." + c.ReportFormat
	}
	if c.ArtifactExt == "" {
		c.ArtifactExt = ".json"
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.FileSet.Weight == 0 {
		c.FileSet.Weight = 1
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "batchsup"
	}
}

// Resolve fixes the derived settings: the worker count defaults to the host
// core count, a non-positive poll interval to one second, and grid mode
// forces a single worker without a queue.
func (c *Config) Resolve() {
	if c.Workers <= 0 {
		c.Workers = hostCores()
	}
	if c.PollIntervalMillis <= 0 {
		c.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.GridMode {
		c.Workers = 1
		q := false
		c.QueueMode = &q
	}
}

// UseQueue reports whether files are fed through the shared work queue.
func (c *Config) UseQueue() bool {
	return c.QueueMode == nil || *c.QueueMode
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c *Config) Validate() error {
	var errs []string
	if strings.TrimSpace(c.Student) == "" {
		errs = append(errs, "student is required")
	}
	if strings.TrimSpace(c.OutputName) == "" {
		errs = append(errs, "outputName is required")
	}
	switch c.Runtime {
	case RuntimeInProc, RuntimeExec:
	default:
		errs = append(errs, fmt.Sprintf("runtime must be %s or %s", RuntimeInProc, RuntimeExec))
	}
	switch c.Broker {
	case BrokerMemory, BrokerRedis:
	default:
		errs = append(errs, fmt.Sprintf("broker must be %s or %s", BrokerMemory, BrokerRedis))
	}
	if c.Runtime == RuntimeExec && c.Broker != BrokerRedis {
		errs = append(errs, "exec runtime requires the redis broker")
	}
	switch c.ReportStore {
	case StoreFile:
		if c.ReportPath == "" {
			errs = append(errs, "reportPath is required for the file report store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, "redisAddr is required for the redis report store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, "postgresDsn is required for the postgres report store")
		}
	default:
		errs = append(errs, "reportStore must be file, redis or postgres")
	}
	if c.ReportFormat != "json" && c.ReportFormat != "yaml" {
		errs = append(errs, "reportFormat must be json or yaml")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, "logFormat must be json or text")
	}
	if c.FileSet.Weight < 0 {
		errs = append(errs, "fileSet.weight must not be negative")
	}
	if !strings.HasPrefix(c.ArtifactExt, ".") {
		errs = append(errs, "artifactExt must start with a dot")
	}
	if (c.ControlSecret != "" || c.ControlToken != "") && c.ControlAddr == "" {
		errs = append(errs, "controlSecret and controlToken require controlAddr")
	}
	if c.ControlSecret != "" && c.ControlToken != "" {
		errs = append(errs, "set only one of controlSecret and controlToken")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// LogValue keeps secrets out of the run log.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("student", c.Student),
		slog.String("output", c.OutputName),
		slog.Int("files", len(c.Files)),
		slog.Int("workers", c.Workers),
		slog.Bool("grid", c.GridMode),
		slog.Bool("queue", c.UseQueue()),
		slog.String("runtime", c.Runtime),
		slog.String("broker", c.Broker),
		slog.String("reportStore", c.ReportStore),
		slog.Bool("normalize", c.Normalize),
	)
}

func splitList(v, sep string) []string {
	var out []string
	for _, part := range strings.Split(v, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "true" || v == "1" || v == "yes" || v == "y" || v == "on"
}
