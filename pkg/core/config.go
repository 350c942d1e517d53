package core

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MaxWorkers is the hard upper bound on the worker pool size.
	MaxWorkers = 64

	// MaxQueueCapacity is the hard upper bound on the request queue depth.
	MaxQueueCapacity = 65536
)

// ---------------------------------------------------------------------------
// Config is the central configuration for a voxd daemon instance.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. Environment variables (VOXD_* prefix)
//	  3. YAML configuration file
//	  4. Built-in defaults
//
// All duration fields accept standard Go duration strings when supplied
// through the YAML file or environment variables (e.g. "30s", "5m", "1h").
// ---------------------------------------------------------------------------

// ServerConfig groups Unix socket listener settings.
type ServerConfig struct {
	// SocketPath is the filesystem path of the Unix domain socket.
	SocketPath string `yaml:"socketPath"`

	// SocketMode is the octal permission string applied to the socket
	// after binding, e.g. "0660".
	SocketMode string `yaml:"socketMode"`

	// MaxConnections caps simultaneously served clients. Connections
	// beyond the cap are answered with a busy error and closed.
	MaxConnections int `yaml:"maxConnections"`

	// MaxMessageSize is the per-connection line buffer cap in bytes.
	// A single frame exceeding it terminates the connection.
	MaxMessageSize int `yaml:"maxMessageSize"`

	// ReadBufferSize is the initial size of the per-connection read buffer.
	ReadBufferSize int `yaml:"readBufferSize"`

	// IdleTimeout disconnects clients silent for this long. 0 disables.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// StrictOrdering releases responses in request arrival order per
	// connection instead of completion order.
	StrictOrdering bool `yaml:"strictOrdering"`
}

// WorkersConfig groups request execution pool settings.
type WorkersConfig struct {
	// Count is the fixed number of pool workers. Bounds: 1..MaxWorkers.
	Count int `yaml:"count"`

	// QueueCapacity bounds the FIFO request queue. When the queue is
	// full new requests are rejected with a busy error.
	// Bounds: 1..MaxQueueCapacity.
	QueueCapacity int `yaml:"queueCapacity"`

	// JobTimeout is the per-request execution deadline. A request that
	// exceeds it is answered with a timeout error and its late result
	// discarded. 0 disables the deadline.
	JobTimeout time.Duration `yaml:"jobTimeout"`

	// DrainGrace bounds how long a graceful shutdown waits for
	// in-flight requests to finish before forcing exit.
	DrainGrace time.Duration `yaml:"drainGrace"`
}

// DaemonConfig groups process lifecycle settings.
type DaemonConfig struct {
	// PIDFile records the instance identity. A second daemon started
	// against the same PIDFile aborts while the recorded pid is alive.
	PIDFile string `yaml:"pidFile"`

	// Detach re-executes the daemon into the background at startup.
	Detach bool `yaml:"detach"`
}

// StorageConfig groups project persistence settings.
type StorageConfig struct {
	// DataDir is the directory where .vxp project snapshots are stored.
	DataDir string `yaml:"dataDir"`

	// Compress enables gzip compression of snapshot bodies.
	Compress bool `yaml:"compress"`
}

// EngineConfig groups voxel engine bounds.
type EngineConfig struct {
	// MaxVoxelsPerOp caps how many voxels a single bulk operation may
	// touch, including expanded region fills.
	MaxVoxelsPerOp int `yaml:"maxVoxelsPerOp"`

	// NativeLibrary is an explicit path to the optional voxel-ops
	// shared library. Empty means search standard locations.
	NativeLibrary string `yaml:"nativeLibrary"`
}

// LogConfig groups logging settings.
type LogConfig struct {
	// Verbose enables per-request debug logging.
	Verbose bool `yaml:"verbose"`
}

// Config is the root configuration object for a voxd daemon.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Workers WorkersConfig `yaml:"workers"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production-safe defaults.
func DefaultConfig() *Config {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	if workers < 1 {
		workers = 1
	}

	return &Config{
		Server: ServerConfig{
			SocketPath:     "/tmp/voxd.sock",
			SocketMode:     "0660",
			MaxConnections: 64,
			MaxMessageSize: 1 << 20,
			ReadBufferSize: 64 << 10,
			IdleTimeout:    5 * time.Minute,
			StrictOrdering: false,
		},
		Workers: WorkersConfig{
			Count:         workers,
			QueueCapacity: 256,
			JobTimeout:    30 * time.Second,
			DrainGrace:    5 * time.Second,
		},
		Daemon: DaemonConfig{
			PIDFile: "/tmp/voxd.pid",
			Detach:  false,
		},
		Storage: StorageConfig{
			DataDir:  defaultDataDir(),
			Compress: true,
		},
		Engine: EngineConfig{
			MaxVoxelsPerOp: 262144,
			NativeLibrary:  "",
		},
		Log: LogConfig{
			Verbose: false,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".voxd")
	}
	return "./data"
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix VOXD_):
//
//	VOXD_SOCKET_PATH       → Server.SocketPath
//	VOXD_SOCKET_MODE       → Server.SocketMode       (octal string)
//	VOXD_MAX_CONNECTIONS   → Server.MaxConnections
//	VOXD_MAX_MESSAGE_SIZE  → Server.MaxMessageSize   (bytes, integer)
//	VOXD_READ_BUFFER_SIZE  → Server.ReadBufferSize   (bytes, integer)
//	VOXD_IDLE_TIMEOUT      → Server.IdleTimeout      (duration string)
//	VOXD_STRICT_ORDERING   → Server.StrictOrdering   ("true"/"false")
//	VOXD_WORKERS           → Workers.Count
//	VOXD_QUEUE_CAPACITY    → Workers.QueueCapacity
//	VOXD_JOB_TIMEOUT       → Workers.JobTimeout      (duration string)
//	VOXD_DRAIN_GRACE       → Workers.DrainGrace      (duration string)
//	VOXD_PID_FILE          → Daemon.PIDFile
//	VOXD_DETACH            → Daemon.Detach           ("true"/"false")
//	VOXD_DATA_DIR          → Storage.DataDir
//	VOXD_COMPRESS          → Storage.Compress        ("true"/"false")
//	VOXD_MAX_VOXELS_PER_OP → Engine.MaxVoxelsPerOp
//	VOXD_NATIVE_LIBRARY    → Engine.NativeLibrary
//	VOXD_VERBOSE           → Log.Verbose             ("true"/"false")
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Server --
	setEnvStr("VOXD_SOCKET_PATH", &cfg.Server.SocketPath)
	setEnvStr("VOXD_SOCKET_MODE", &cfg.Server.SocketMode)
	setEnvInt("VOXD_MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	setEnvInt("VOXD_MAX_MESSAGE_SIZE", &cfg.Server.MaxMessageSize)
	setEnvInt("VOXD_READ_BUFFER_SIZE", &cfg.Server.ReadBufferSize)
	setEnvDuration("VOXD_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	setEnvBool("VOXD_STRICT_ORDERING", &cfg.Server.StrictOrdering)

	// -- Workers --
	setEnvInt("VOXD_WORKERS", &cfg.Workers.Count)
	setEnvInt("VOXD_QUEUE_CAPACITY", &cfg.Workers.QueueCapacity)
	setEnvDuration("VOXD_JOB_TIMEOUT", &cfg.Workers.JobTimeout)
	setEnvDuration("VOXD_DRAIN_GRACE", &cfg.Workers.DrainGrace)

	// -- Daemon --
	setEnvStr("VOXD_PID_FILE", &cfg.Daemon.PIDFile)
	setEnvBool("VOXD_DETACH", &cfg.Daemon.Detach)

	// -- Storage --
	setEnvStr("VOXD_DATA_DIR", &cfg.Storage.DataDir)
	setEnvBool("VOXD_COMPRESS", &cfg.Storage.Compress)

	// -- Engine --
	setEnvInt("VOXD_MAX_VOXELS_PER_OP", &cfg.Engine.MaxVoxelsPerOp)
	setEnvStr("VOXD_NATIVE_LIBRARY", &cfg.Engine.NativeLibrary)

	// -- Log --
	setEnvBool("VOXD_VERBOSE", &cfg.Log.Verbose)

	return cfg
}

// LoadConfig implements the full four-level configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
//
// Returns the merged Config or an error if the file cannot be read/parsed.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the entire configuration.
// Returns a descriptive error for the first invalid field encountered.
func (c *Config) Validate() error {
	// Server
	if c.Server.SocketPath == "" {
		return fmt.Errorf("server.socketPath must not be empty")
	}
	if _, err := c.SocketFileMode(); err != nil {
		return fmt.Errorf("server.socketMode: %w", err)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.maxConnections must be >= 1, got %d", c.Server.MaxConnections)
	}
	if c.Server.MaxMessageSize < 1024 {
		return fmt.Errorf("server.maxMessageSize must be >= 1024, got %d", c.Server.MaxMessageSize)
	}
	if c.Server.ReadBufferSize < 512 {
		return fmt.Errorf("server.readBufferSize must be >= 512, got %d", c.Server.ReadBufferSize)
	}
	if c.Server.ReadBufferSize > c.Server.MaxMessageSize {
		c.Server.ReadBufferSize = c.Server.MaxMessageSize
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idleTimeout must be >= 0")
	}

	// Workers
	if c.Workers.Count < 1 || c.Workers.Count > MaxWorkers {
		return fmt.Errorf("workers.count must be 1..%d, got %d", MaxWorkers, c.Workers.Count)
	}
	if c.Workers.QueueCapacity < 1 || c.Workers.QueueCapacity > MaxQueueCapacity {
		return fmt.Errorf("workers.queueCapacity must be 1..%d, got %d", MaxQueueCapacity, c.Workers.QueueCapacity)
	}
	if c.Workers.JobTimeout < 0 {
		return fmt.Errorf("workers.jobTimeout must be >= 0")
	}
	if c.Workers.DrainGrace <= 0 {
		return fmt.Errorf("workers.drainGrace must be > 0")
	}

	// Daemon
	if c.Daemon.PIDFile == "" {
		return fmt.Errorf("daemon.pidFile must not be empty")
	}

	// Storage
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir must not be empty")
	}

	// Engine
	if c.Engine.MaxVoxelsPerOp < 1 {
		return fmt.Errorf("engine.maxVoxelsPerOp must be >= 1, got %d", c.Engine.MaxVoxelsPerOp)
	}

	// Boundary guards (unless you know what you are doing)
	if c.Workers.Count > 32 {
		log.Printf("⚠ WARNING: workers.count=%d is very high for a single shared engine; most requests will serialize anyway", c.Workers.Count)
	}
	if c.Engine.MaxVoxelsPerOp > 8_000_000 {
		log.Printf("⚠ WARNING: engine.maxVoxelsPerOp=%d is extremely high; bulk fills will hold the write lock for a long time", c.Engine.MaxVoxelsPerOp)
	}
	if c.Workers.JobTimeout > 0 && c.Workers.JobTimeout < time.Second {
		log.Printf("⚠ WARNING: workers.jobTimeout=%v is very aggressive; large exports may never complete", c.Workers.JobTimeout)
	}

	return nil
}

// SocketFileMode parses Server.SocketMode as an octal permission string.
func (c *Config) SocketFileMode() (os.FileMode, error) {
	s := strings.TrimSpace(c.Server.SocketMode)
	if s == "" {
		return 0660, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q", c.Server.SocketMode)
	}
	if n > 0777 {
		return 0, fmt.Errorf("mode %q out of range", c.Server.SocketMode)
	}
	return os.FileMode(n), nil
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
// Accepted values: "true", "1" → true; "false", "0" → false.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// setEnvInt sets *target to the parsed integer value of the named env var.
func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setEnvDuration sets *target to the parsed duration of the named env var.
// Uses time.ParseDuration, so accepts "30s", "5m", "1h30m", etc.
func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides, the final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided,
// allowing the caller to distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath     *string
	SocketPath     *string
	SocketMode     *string
	MaxConnections *int
	IdleTimeout    *time.Duration
	StrictOrdering *bool
	Workers        *int
	QueueCapacity  *int
	JobTimeout     *time.Duration
	DrainGrace     *time.Duration
	PIDFile        *string
	Detach         *bool
	DataDir        *string
	Compress       *bool
	MaxVoxelsPerOp *int
	NativeLibrary  *string
	Verbose        *bool
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
// Only non-nil fields in the CLIOverrides are applied, preserving all
// values resolved from earlier hierarchy layers.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.SocketPath != nil {
		c.Server.SocketPath = *o.SocketPath
	}
	if o.SocketMode != nil {
		c.Server.SocketMode = *o.SocketMode
	}
	if o.MaxConnections != nil {
		c.Server.MaxConnections = *o.MaxConnections
	}
	if o.IdleTimeout != nil {
		c.Server.IdleTimeout = *o.IdleTimeout
	}
	if o.StrictOrdering != nil {
		c.Server.StrictOrdering = *o.StrictOrdering
	}
	if o.Workers != nil {
		c.Workers.Count = *o.Workers
	}
	if o.QueueCapacity != nil {
		c.Workers.QueueCapacity = *o.QueueCapacity
	}
	if o.JobTimeout != nil {
		c.Workers.JobTimeout = *o.JobTimeout
	}
	if o.DrainGrace != nil {
		c.Workers.DrainGrace = *o.DrainGrace
	}
	if o.PIDFile != nil {
		c.Daemon.PIDFile = *o.PIDFile
	}
	if o.Detach != nil {
		c.Daemon.Detach = *o.Detach
	}
	if o.DataDir != nil {
		c.Storage.DataDir = *o.DataDir
	}
	if o.Compress != nil {
		c.Storage.Compress = *o.Compress
	}
	if o.MaxVoxelsPerOp != nil {
		c.Engine.MaxVoxelsPerOp = *o.MaxVoxelsPerOp
	}
	if o.NativeLibrary != nil {
		c.Engine.NativeLibrary = *o.NativeLibrary
	}
	if o.Verbose != nil {
		c.Log.Verbose = *o.Verbose
	}
}

// ReloadableDiff reports which fields differ between c and next, split
// into fields that can be applied to a running daemon and fields that
// require a restart. Used by the SIGHUP reload path.
func (c *Config) ReloadableDiff(next *Config) (dynamic, static []string) {
	if c.Server.IdleTimeout != next.Server.IdleTimeout {
		dynamic = append(dynamic, "server.idleTimeout")
	}
	if c.Workers.JobTimeout != next.Workers.JobTimeout {
		dynamic = append(dynamic, "workers.jobTimeout")
	}
	if c.Log.Verbose != next.Log.Verbose {
		dynamic = append(dynamic, "log.verbose")
	}
	if c.Server.SocketPath != next.Server.SocketPath {
		static = append(static, "server.socketPath")
	}
	if c.Server.SocketMode != next.Server.SocketMode {
		static = append(static, "server.socketMode")
	}
	if c.Server.MaxConnections != next.Server.MaxConnections {
		static = append(static, "server.maxConnections")
	}
	if c.Server.MaxMessageSize != next.Server.MaxMessageSize {
		static = append(static, "server.maxMessageSize")
	}
	if c.Workers.Count != next.Workers.Count {
		static = append(static, "workers.count")
	}
	if c.Workers.QueueCapacity != next.Workers.QueueCapacity {
		static = append(static, "workers.queueCapacity")
	}
	if c.Daemon.PIDFile != next.Daemon.PIDFile {
		static = append(static, "daemon.pidFile")
	}
	if c.Storage.DataDir != next.Storage.DataDir {
		static = append(static, "storage.dataDir")
	}
	return dynamic, static
}

// PrintBanner prints the voxd ASCII art banner to stdout.
func PrintBanner() {
	banner := `
                          _
 __   __ ___ __  __  __| |
 \ \ / // _ \\ \/ / / _' |
  \ V /| (_) |>  < | (_| |
   \_/  \___//_/\_\ \__,_|

    Voxel Editing Daemon
    ────────────────────
`
	fmt.Print(banner)
}
