package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultServiceName          = "snooze"
	defaultHTTPListen           = ":5200"
	defaultMaxBodyBytes         = 2 << 20
	defaultReloadSeconds        = 60
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultIngestSubject        = "snooze.alerts"
	defaultIngestStream         = "SNOOZE_ALERTS"
	defaultIngestGroup          = "snooze-workers"
	defaultAckWaitSec           = 30
	defaultNackDelayMS          = 1000
	defaultMaxDeliver           = -1
	defaultBucketPrefix         = "snooze"
	defaultLockTTLSec           = 30
	defaultLockWaitMS           = 10
	defaultKVCacheTTLSec        = 60
	defaultRedisPrefix          = "kv:"
	defaultHousekeepingSchedule = "@every 5m"
	defaultNotifySubject        = "snooze.notifications"
	defaultNotifyStream         = "SNOOZE_NOTIFICATIONS"
	defaultNotifyCapacity       = 1024

	// DefaultThrottleSec is the aggregate throttle when not configured.
	DefaultThrottleSec = 900
	// DefaultFlapping is the aggregate flapping countdown seed when not configured.
	DefaultFlapping = 3

	// ServiceModeNATS keeps NATS-backed store/ingest/queue settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// KVBackendMemory keeps dictionaries in process memory.
	KVBackendMemory = "memory"
	// KVBackendRedis keeps dictionaries in Redis hashes.
	KVBackendRedis = "redis"

	// QueueBackendMemory keeps notification decisions in a bounded in-process queue.
	QueueBackendMemory = "memory"
	// QueueBackendNATS publishes notification decisions to JetStream.
	QueueBackendNATS = "nats"

	StageRule         = "rule"
	StageAggregate    = "aggregaterule"
	StageSnooze       = "snooze"
	StageNotification = "notification"
)

var (
	// DefaultStages is the processing order used when pipeline.stages is empty.
	DefaultStages = []string{StageRule, StageAggregate, StageSnooze, StageNotification}

	legacyRuleArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*(rule|aggregate|snooze|notification)\s*\]\]`)
)

// Config holds service runtime settings and pipeline definitions.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service       ServiceConfig
	Log           LogConfig
	Ingest        IngestConfig
	Store         StoreConfig
	KV            KVConfig
	Pipeline      PipelineConfig
	Housekeeping  HousekeepingConfig
	Notify        NotifyConfig
	Rules         []RuleConfig
	Aggregates    []AggregateConfig
	Snoozes       []SnoozeConfig
	Notifications []NotificationConfig
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: definition maps keyed by definition name.
type rawConfig struct {
	Service      ServiceConfig                    `toml:"service"`
	Log          LogConfig                        `toml:"log"`
	Ingest       IngestConfig                     `toml:"ingest"`
	Store        StoreConfig                      `toml:"store"`
	KV           KVConfig                         `toml:"kv"`
	Pipeline     PipelineConfig                   `toml:"pipeline"`
	Housekeeping HousekeepingConfig               `toml:"housekeeping"`
	Notify       NotifyConfig                     `toml:"notify"`
	Rule         map[string]rawRuleConfig         `toml:"rule"`
	Aggregate    map[string]rawAggregateConfig    `toml:"aggregate"`
	Snooze       map[string]rawSnoozeConfig       `toml:"snooze"`
	Notification map[string]rawNotificationConfig `toml:"notification"`
}

// ServiceConfig contains process-level settings.
// Params: name, runtime mode and reload settings.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string           `toml:"name"`
	Mode              string           `toml:"mode"`
	ReloadEnabled     bool             `toml:"reload_enabled"`
	ReloadIntervalSec int              `toml:"reload_interval_sec"`
	HTTP              HTTPServerConfig `toml:"http"`
}

// HTTPServerConfig configures the API listener.
type HTTPServerConfig struct {
	Listen       string `toml:"listen"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// IngestConfig defines inbound alert interfaces.
// Params: HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig toggles POST /api/v1/alerts.
type HTTPIngestConfig struct {
	Enabled bool `toml:"enabled"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, routing and ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled     bool     `toml:"enabled"`
	URL         []string `toml:"url"`
	Stream      string   `toml:"stream"`
	Subject     string   `toml:"subject"`
	QueueGroup  string   `toml:"queue_group"`
	AckWaitSec  int      `toml:"ack_wait_sec"`
	NackDelayMS int      `toml:"nack_delay_ms"`
	MaxDeliver  int      `toml:"max_deliver"`
}

// StoreConfig selects store backend settings; the backend follows service.mode.
type StoreConfig struct {
	NATS NATSStoreConfig `toml:"nats"`
}

// NATSStoreConfig contains JetStream KV store controls.
// Params: URL list, bucket prefix and lock timings.
// Returns: NATS store backend options.
type NATSStoreConfig struct {
	URL                []string `toml:"url"`
	BucketPrefix       string   `toml:"bucket_prefix"`
	LockTTLSec         int      `toml:"lock_ttl_sec"`
	LockWaitMS         int      `toml:"lock_wait_ms"`
	AllowCreateBuckets bool     `toml:"-"`
}

// KVConfig configures dictionaries used by KV_SET modifications.
// Params: backend kind, cache TTL, Redis connection and static dictionaries.
// Returns: dictionary backend options.
type KVConfig struct {
	Backend     string                    `toml:"backend"`
	CacheTTLSec int                       `toml:"cache_ttl_sec"`
	Redis       RedisConfig               `toml:"redis"`
	Dict        map[string]map[string]any `toml:"dict"`
}

// RedisConfig holds go-redis client options.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// PipelineConfig lists stage names in processing order.
type PipelineConfig struct {
	Stages []string `toml:"stages"`
}

// HousekeepingConfig schedules TTL expiry.
// Params: enable flag (default true), cron schedule and comment retention.
// Returns: housekeeping behavior.
type HousekeepingConfig struct {
	Enabled       *bool  `toml:"enabled"`
	Schedule      string `toml:"schedule"`
	CommentTTLSec int    `toml:"comment_ttl_sec"`
}

// IsEnabled reports housekeeping toggle with default true.
func (h HousekeepingConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// NotifyConfig defines where notification decisions go.
type NotifyConfig struct {
	Queue NotifyQueueConfig `toml:"queue"`
}

// NotifyQueueConfig defines notification decision queue settings.
// Params: backend, NATS routing and in-memory capacity.
// Returns: queue producer options.
type NotifyQueueConfig struct {
	Backend  string   `toml:"backend"`
	URL      []string `toml:"url"`
	Stream   string   `toml:"stream"`
	Subject  string   `toml:"subject"`
	Capacity int      `toml:"capacity"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, color, stream and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Color   bool   `toml:"color"`
	Stream  string `toml:"stream"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	return finalize(cfg)
}

// Parse decodes, defaults and validates one TOML document.
// Params: TOML body.
// Returns: validated config or decode/validation error.
func Parse(body []byte) (Config, error) {
	cfg, err := decode(body)
	if err != nil {
		return Config{}, err
	}
	return finalize(cfg)
}

func finalize(cfg Config) (Config, error) {
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if match := legacyRuleArrayPattern.FindSubmatch(body); match != nil {
		kind := string(match[1])
		return fmt.Errorf("[[%s]] arrays are not supported; use [%s.<name>] tables", kind, kind)
	}
	return nil
}

func decode(body []byte) (Config, error) {
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, err
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, err
	}
	return normalizeRawConfig(raw)
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, err := decode(body)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination; non-empty sections replace, definitions accumulate.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	overlay(&dst.Service, src.Service)
	overlay(&dst.Log, src.Log)
	overlay(&dst.Ingest, src.Ingest)
	overlay(&dst.Store, src.Store)
	overlay(&dst.KV, src.KV)
	overlay(&dst.Pipeline, src.Pipeline)
	overlay(&dst.Housekeeping, src.Housekeeping)
	overlay(&dst.Notify, src.Notify)
	dst.Rules = append(dst.Rules, src.Rules...)
	dst.Aggregates = append(dst.Aggregates, src.Aggregates...)
	dst.Snoozes = append(dst.Snoozes, src.Snoozes...)
	dst.Notifications = append(dst.Notifications, src.Notifications...)
}

func overlay[T any](dst *T, src T) {
	if !reflect.ValueOf(src).IsZero() {
		*dst = src
	}
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if strings.TrimSpace(cfg.Service.HTTP.Listen) == "" {
		cfg.Service.HTTP.Listen = defaultHTTPListen
	}
	if cfg.Service.HTTP.MaxBodyBytes <= 0 {
		cfg.Service.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.Console.Stream == "" {
		cfg.Log.Console.Stream = "stdout"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Ingest.HTTP.Enabled = true
		if cfg.Notify.Queue.Backend == QueueBackendNATS {
			cfg.Notify.Queue.Backend = QueueBackendMemory
		}
	} else {
		cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
		if len(cfg.Ingest.NATS.URL) == 0 {
			cfg.Ingest.NATS.URL = []string{defaultNATSURL}
		}
		if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
			cfg.Ingest.HTTP.Enabled = true
		}
		cfg.Store.NATS.URL = normalizeNATSURLs(cfg.Store.NATS.URL)
		if len(cfg.Store.NATS.URL) == 0 {
			cfg.Store.NATS.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
		}
		cfg.Notify.Queue.URL = normalizeNATSURLs(cfg.Notify.Queue.URL)
		if len(cfg.Notify.Queue.URL) == 0 {
			cfg.Notify.Queue.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
		}
	}
	if cfg.Ingest.NATS.Stream == "" {
		cfg.Ingest.NATS.Stream = defaultIngestStream
	}
	if cfg.Ingest.NATS.Subject == "" {
		cfg.Ingest.NATS.Subject = defaultIngestSubject
	}
	if cfg.Ingest.NATS.QueueGroup == "" {
		cfg.Ingest.NATS.QueueGroup = defaultIngestGroup
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS <= 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultMaxDeliver
	}

	if cfg.Store.NATS.BucketPrefix == "" {
		cfg.Store.NATS.BucketPrefix = defaultBucketPrefix
	}
	if cfg.Store.NATS.LockTTLSec <= 0 {
		cfg.Store.NATS.LockTTLSec = defaultLockTTLSec
	}
	if cfg.Store.NATS.LockWaitMS <= 0 {
		cfg.Store.NATS.LockWaitMS = defaultLockWaitMS
	}
	cfg.Store.NATS.AllowCreateBuckets = true

	cfg.KV.Backend = strings.ToLower(strings.TrimSpace(cfg.KV.Backend))
	if cfg.KV.Backend == "" {
		cfg.KV.Backend = KVBackendMemory
	}
	if cfg.KV.CacheTTLSec == 0 {
		cfg.KV.CacheTTLSec = defaultKVCacheTTLSec
	}
	if cfg.KV.Redis.Prefix == "" {
		cfg.KV.Redis.Prefix = defaultRedisPrefix
	}

	if len(cfg.Pipeline.Stages) == 0 {
		cfg.Pipeline.Stages = append([]string(nil), DefaultStages...)
	}
	for i, stage := range cfg.Pipeline.Stages {
		cfg.Pipeline.Stages[i] = strings.ToLower(strings.TrimSpace(stage))
	}

	if strings.TrimSpace(cfg.Housekeeping.Schedule) == "" {
		cfg.Housekeeping.Schedule = defaultHousekeepingSchedule
	}

	cfg.Notify.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Notify.Queue.Backend))
	if cfg.Notify.Queue.Backend == "" {
		if cfg.Service.Mode == ServiceModeNATS {
			cfg.Notify.Queue.Backend = QueueBackendNATS
		} else {
			cfg.Notify.Queue.Backend = QueueBackendMemory
		}
	}
	if cfg.Notify.Queue.Stream == "" {
		cfg.Notify.Queue.Stream = defaultNotifyStream
	}
	if cfg.Notify.Queue.Subject == "" {
		cfg.Notify.Queue.Subject = defaultNotifySubject
	}
	if cfg.Notify.Queue.Capacity <= 0 {
		cfg.Notify.Queue.Capacity = defaultNotifyCapacity
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if !IsSupportedServiceMode(cfg.Service.Mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	switch cfg.Log.Console.Stream {
	case "stdout", "stderr":
	default:
		return fmt.Errorf("log.console.stream has unsupported value %q", cfg.Log.Console.Stream)
	}
	if cfg.Service.Mode == ServiceModeNATS {
		for i, url := range cfg.Ingest.NATS.URL {
			if url == "" {
				return fmt.Errorf("ingest.nats.url[%d] must not be empty", i)
			}
		}
		if cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}

	switch cfg.KV.Backend {
	case KVBackendMemory:
	case KVBackendRedis:
		if strings.TrimSpace(cfg.KV.Redis.Addr) == "" {
			return errors.New("kv.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("kv.backend has unsupported value %q", cfg.KV.Backend)
	}
	if cfg.KV.CacheTTLSec < 0 && cfg.KV.CacheTTLSec != -1 {
		return errors.New("kv.cache_ttl_sec must be -1 (disabled) or >=0")
	}

	switch cfg.Notify.Queue.Backend {
	case QueueBackendMemory, QueueBackendNATS:
	default:
		return fmt.Errorf("notify.queue.backend has unsupported value %q", cfg.Notify.Queue.Backend)
	}

	seenStages := make(map[string]struct{}, len(cfg.Pipeline.Stages))
	for _, stage := range cfg.Pipeline.Stages {
		if !IsSupportedStage(stage) {
			return fmt.Errorf("pipeline.stages has unsupported stage %q", stage)
		}
		if _, dup := seenStages[stage]; dup {
			return fmt.Errorf("pipeline.stages lists %q twice", stage)
		}
		seenStages[stage] = struct{}{}
	}

	if cfg.Housekeeping.IsEnabled() {
		if _, err := cron.ParseStandard(cfg.Housekeeping.Schedule); err != nil {
			return fmt.Errorf("housekeeping.schedule is invalid: %w", err)
		}
	}
	if cfg.Housekeeping.CommentTTLSec < 0 {
		return errors.New("housekeeping.comment_ttl_sec must be >=0")
	}

	return validateDefinitions(cfg)
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// IsSupportedStage reports whether stage name is known.
func IsSupportedStage(stage string) bool {
	for _, known := range DefaultStages {
		if stage == known {
			return true
		}
	}
	return false
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}
