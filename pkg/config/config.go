// Package config loads and validates the dispatcher configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (REMOTECC_*) (highest priority)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// No command-line flags are bound; the CLI only supplies the file path.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/remotecc/remotecc/internal/bytesize"
)

// Config is the full dispatcher configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Backend configures the remote compile cluster transport.
	Backend BackendConfig `mapstructure:"backend"`

	// MultiRPC configures the request batcher.
	MultiRPC MultiRPCConfig `mapstructure:"multi_rpc"`

	// Subproc configures the local subprocess helper.
	Subproc SubprocConfig `mapstructure:"subproc"`

	// Dispatch configures the compile flow and its local caches.
	Dispatch DispatchConfig `mapstructure:"dispatch"`

	// API configures the local status HTTP surface.
	API APIConfig `mapstructure:"api"`

	// NumWorkers sizes the default worker pool; 0 means
	// num_cpus + 1.
	NumWorkers int `mapstructure:"num_workers"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // DEBUG, INFO, WARN, ERROR
	Format string `mapstructure:"format"` // text, json
	Output string `mapstructure:"output"` // stderr, stdout, or file path
}

// BackendConfig names the compile cluster and its transport options.
type BackendConfig struct {
	DestHostName string `mapstructure:"dest_host_name"`
	DestPort     int    `mapstructure:"dest_port"`
	UseSSL       bool   `mapstructure:"use_ssl"`

	ProxyHost string `mapstructure:"proxy_host"`
	ProxyPort int    `mapstructure:"proxy_port"`

	ContentTypeForProtobuf string `mapstructure:"content_type_for_protobuf"`

	// StartCompression gzips request bodies and accepts compressed
	// responses.
	StartCompression bool `mapstructure:"start_compression"`

	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// MultiRPCConfig bounds the batcher.
type MultiRPCConfig struct {
	Enabled                bool              `mapstructure:"enabled"`
	MaxReqInCall           int               `mapstructure:"max_req_in_call"`
	ReqSizeThresholdInCall bytesize.ByteSize `mapstructure:"req_size_threshold_in_call"`
	CheckIntervalMS        int               `mapstructure:"check_interval_ms"`
}

// SubprocConfig caps the local subprocess helper.
type SubprocConfig struct {
	MaxSubprocs            int  `mapstructure:"max_subprocs"`
	MaxSubprocsLowPriority int  `mapstructure:"max_subprocs_low_priority"`
	MaxSubprocsHeavyWeight int  `mapstructure:"max_subprocs_heavy_weight"`
	DontKillSubprocess     bool `mapstructure:"dont_kill_subprocess"`
	EnableCrashDump        bool `mapstructure:"compiler_proxy_enable_crash_dump"`
}

// DispatchConfig drives the compile flow.
type DispatchConfig struct {
	// CacheDir is the badger directory for memoized results;
	// empty disables the local result cache.
	CacheDir string `mapstructure:"cache_dir"`

	// WatchCompilers re-hashes compiler binaries when they change
	// on disk.
	WatchCompilers bool `mapstructure:"watch_compilers"`

	// FallbackLocal runs the compilation locally when the remote
	// path fails.
	FallbackLocal bool `mapstructure:"fallback_local"`

	// ExecPath is the RPC path for compile requests.
	ExecPath string `mapstructure:"exec_path"`
	// MultiExecPath is the batched variant.
	MultiExecPath string `mapstructure:"multi_exec_path"`
	// PingPath is the health probe path.
	PingPath string `mapstructure:"ping_path"`
}

// APIConfig is the local status server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// SetDefaults registers every default on v. Call before reading any
// value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("backend.dest_host_name", "")
	v.SetDefault("backend.dest_port", 443)
	v.SetDefault("backend.use_ssl", true)
	v.SetDefault("backend.proxy_host", "")
	v.SetDefault("backend.proxy_port", 0)
	v.SetDefault("backend.content_type_for_protobuf", "binary/x-protocol-buffer")
	v.SetDefault("backend.start_compression", false)
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.max_retries", 3)

	v.SetDefault("multi_rpc.enabled", true)
	v.SetDefault("multi_rpc.max_req_in_call", 5)
	v.SetDefault("multi_rpc.req_size_threshold_in_call", "1Mi")
	v.SetDefault("multi_rpc.check_interval_ms", 100)

	v.SetDefault("subproc.max_subprocs", 3)
	v.SetDefault("subproc.max_subprocs_low_priority", 1)
	v.SetDefault("subproc.max_subprocs_heavy_weight", 1)
	v.SetDefault("subproc.dont_kill_subprocess", false)
	v.SetDefault("subproc.compiler_proxy_enable_crash_dump", false)

	v.SetDefault("dispatch.cache_dir", "")
	v.SetDefault("dispatch.watch_compilers", true)
	v.SetDefault("dispatch.fallback_local", true)
	v.SetDefault("dispatch.exec_path", "/cxx-compiler-service/e")
	v.SetDefault("dispatch.multi_exec_path", "/cxx-compiler-service/me")
	v.SetDefault("dispatch.ping_path", "/cxx-compiler-service/ping")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:19080")

	v.SetDefault("num_workers", 0)
	v.SetDefault("shutdown_timeout", "30s")
}

// Load reads the configuration from path (optional), the environment
// and the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("REMOTECC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeDecodeHook,
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// byteSizeDecodeHook parses "8Mi"-style strings into ByteSize.
func byteSizeDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(bytesize.ByteSize(0)) {
		return data, nil
	}
	switch val := data.(type) {
	case string:
		return bytesize.Parse(val)
	case int:
		return bytesize.ByteSize(val), nil
	case int64:
		return bytesize.ByteSize(val), nil
	case uint64:
		return bytesize.ByteSize(val), nil
	case float64:
		return bytesize.ByteSize(val), nil
	default:
		return data, nil
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", c.Logging.Format)
	}

	if c.Backend.DestPort <= 0 || c.Backend.DestPort > 65535 {
		return fmt.Errorf("invalid backend.dest_port %d", c.Backend.DestPort)
	}
	if c.Backend.ProxyHost != "" && (c.Backend.ProxyPort <= 0 || c.Backend.ProxyPort > 65535) {
		return fmt.Errorf("backend.proxy_port required with backend.proxy_host")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend.max_retries must be >= 0")
	}

	if c.MultiRPC.Enabled {
		if c.MultiRPC.MaxReqInCall <= 0 {
			return fmt.Errorf("multi_rpc.max_req_in_call must be positive")
		}
		if c.MultiRPC.CheckIntervalMS <= 0 {
			return fmt.Errorf("multi_rpc.check_interval_ms must be positive")
		}
	}

	if c.Subproc.MaxSubprocs <= 0 {
		return fmt.Errorf("subproc.max_subprocs must be positive")
	}
	if c.Subproc.MaxSubprocsLowPriority <= 0 || c.Subproc.MaxSubprocsHeavyWeight <= 0 {
		return fmt.Errorf("subproc per-class caps must be positive")
	}

	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0")
	}
	return nil
}

// CheckInterval returns the batcher latency timer as a duration.
func (c *MultiRPCConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}
