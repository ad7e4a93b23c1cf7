// Package config parses relay and client settings. Flags override
// FANRELAY_* environment variables, which override defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

const envPrefix = "FANRELAY_"

var validate = validator.New()

// ServerConfig holds configuration for the relay binary.
type ServerConfig struct {
	Addr             string        `validate:"required"`
	QUICAddr         string
	LogLevel         string        `validate:"oneof=debug info warn error"`
	Destinations     []string      `validate:"required,min=1,dive,required"`
	ControllerName   string        `validate:"required"`
	SnapshotInterval time.Duration `validate:"min=0"`
	MaxMessageBytes  int64         `validate:"min=65536"`
	MsgsPerSec       float64       `validate:"min=0"`
	MsgsBurst        int           `validate:"min=1"`
	WSIdleTimeout    time.Duration `validate:"min=0"`
}

// ClientConfig holds configuration for the fan client, in either role.
type ClientConfig struct {
	ServerURL   string `validate:"required"`
	Transport   string `validate:"oneof=ws quic"`
	LogLevel    string `validate:"oneof=debug info warn error"`
	Name        string `validate:"required"`
	Out         string `validate:"required"`
	ChunkSize   int    `validate:"min=1"`
	MaxPending  int    `validate:"min=1"`
	PausePolicy string `validate:"oneof=buffer hold"`
}

// LoadDotEnv loads .env from the working directory. A missing file is not an error.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// DefaultServerConfig returns the relay defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":3000",
		LogLevel:         "info",
		Destinations:     []string{"client1", "client2", "client3"},
		ControllerName:   "master",
		SnapshotInterval: 5 * time.Second,
		MaxMessageBytes:  protocol.DefaultMaxMessageBytes,
		MsgsBurst:        100,
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:   "ws://localhost:3000/ws",
		Transport:   "ws",
		LogLevel:    "info",
		Out:         "downloads",
		ChunkSize:   64 * 1024,
		MaxPending:  256,
		PausePolicy: "buffer",
	}
}

// ParseServerConfig parses relay configuration from the environment and args.
func ParseServerConfig(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	destinations := strings.Join(cfg.Destinations, ",")

	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("QUIC_ADDR", &cfg.QUICAddr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("DESTINATIONS", &destinations)
	env.str("CONTROLLER_NAME", &cfg.ControllerName)
	env.duration("SNAPSHOT_INTERVAL", &cfg.SnapshotInterval)
	env.int64Var("MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	env.float("MSGS_PER_SEC", &cfg.MsgsPerSec)
	env.intVar("MSGS_BURST", &cfg.MsgsBurst)
	env.duration("WS_IDLE_TIMEOUT", &cfg.WSIdleTimeout)
	if err := errors.Join(env.errs...); err != nil {
		return cfg, err
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables QUIC)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&destinations, "destinations", destinations, "comma-separated destination names")
	fs.StringVar(&cfg.ControllerName, "controller-name", cfg.ControllerName, "identity that binds the controller role")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "presence snapshot period (0 disables)")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest accepted WebSocket message")
	fs.Float64Var(&cfg.MsgsPerSec, "msgs-per-sec", cfg.MsgsPerSec, "inbound messages per second per connection (0 = unlimited)")
	fs.IntVar(&cfg.MsgsBurst, "msgs-burst", cfg.MsgsBurst, "inbound message burst per connection")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "drop WebSocket peers silent this long (0 disables)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Destinations = SplitList(destinations)
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid server config: %w", err)
	}
	if lo.Contains(cfg.Destinations, cfg.ControllerName) {
		return cfg, fmt.Errorf("invalid server config: controller name %q is also a destination", cfg.ControllerName)
	}
	return cfg, nil
}

// ParseClientConfig parses client configuration from the environment and
// args. defaultName fills Name when neither env nor flags set it; fs.Args()
// holds the positional arguments afterwards.
func ParseClientConfig(fs *flag.FlagSet, args []string, defaultName string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	cfg.Name = defaultName

	env := envReader{}
	env.str("SERVER_URL", &cfg.ServerURL)
	env.str("TRANSPORT", &cfg.Transport)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("NAME", &cfg.Name)
	env.str("OUT", &cfg.Out)
	env.intVar("CHUNK_SIZE", &cfg.ChunkSize)
	env.intVar("MAX_PENDING", &cfg.MaxPending)
	env.str("PAUSE_POLICY", &cfg.PausePolicy)
	if err := errors.Join(env.errs...); err != nil {
		return cfg, err
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "relay URL (ws://host:port/ws, or host:port with -transport quic)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "relay transport (ws, quic)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "identity to present to the relay")
	fs.StringVar(&cfg.Out, "out", cfg.Out, "download root (recv)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes (send)")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "chunks buffered while paused (recv)")
	fs.StringVar(&cfg.PausePolicy, "pause-policy", cfg.PausePolicy, "what pause does to the sender (buffer, hold)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Transport = strings.ToLower(cfg.Transport)
	cfg.PausePolicy = strings.ToLower(cfg.PausePolicy)
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid client config: %w", err)
	}
	if limit := protocol.MaxChunkSize(protocol.DefaultMaxMessageBytes); cfg.ChunkSize > limit {
		return cfg, fmt.Errorf("invalid client config: chunk size %d exceeds %d, the largest that fits a relay frame", cfg.ChunkSize, limit)
	}
	return cfg, nil
}

// SplitList splits a comma-separated list, dropping blanks and duplicates.
func SplitList(s string) []string {
	parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string { return strings.TrimSpace(p) })
	return lo.Uniq(lo.Compact(parts))
}

// envReader reads FANRELAY_* variables, collecting parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64Var(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = d
	}
}
