package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/NodePath81/fbpace/internal/pacing"
	"github.com/NodePath81/fbpace/internal/transfer"
	"github.com/NodePath81/fbpace/internal/util"
)

const (
	ModeListen  = "listen"
	ModeConnect = "connect"

	DefaultPort = 5201

	defaultMode         = ModeListen
	defaultDirection    = "send"
	defaultRate         = "0"
	defaultMethod       = string(transfer.MethodAuto)
	defaultMaxChunk     = Size(pacing.DefaultMaxChunk)
	defaultMinGrant     = Size(pacing.DefaultMinGrant)
	defaultBackoff      = pacing.DefaultBackoff
	defaultSocketBuffer = Size(transfer.DefaultSocketBuffer)

	defaultListenAddr     = "0.0.0.0"
	defaultMaxConnections = 64

	defaultConnections  = 1
	defaultDialTimeout  = 5 * time.Second
	defaultDialAttempts = 3
	defaultDialBackoff  = 500 * time.Millisecond

	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true

	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	maxChunkLimit = 64 << 20
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Size is a byte count written either as a plain integer or as a
// human-readable string such as "256KiB" or "1MB".
type Size uint64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar")
	}
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("size cannot be negative: %d", n)
		}
		*s = Size(n)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = Size(parsed)
	return nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

type Config struct {
	Hostname  string         `yaml:"hostname"`
	Mode      string         `yaml:"mode"`
	Direction string         `yaml:"direction"`
	Rate      string         `yaml:"rate"`
	Transfer  TransferConfig `yaml:"transfer"`
	Listen    ListenConfig   `yaml:"listen"`
	Connect   ConnectConfig  `yaml:"connect"`
	Control   ControlConfig  `yaml:"control"`
	Logging   LoggingConfig  `yaml:"logging"`

	RateBits uint64 `yaml:"-"`
}

type TransferConfig struct {
	Method       string   `yaml:"method"`
	MaxChunk     Size     `yaml:"max_chunk"`
	MinGrant     Size     `yaml:"min_grant"`
	Backoff      Duration `yaml:"backoff"`
	SocketBuffer Size     `yaml:"socket_buffer"`
	DSCP         int      `yaml:"dscp"`
}

type ListenConfig struct {
	BindAddr       string `yaml:"bind_addr"`
	BindPort       int    `yaml:"bind_port"`
	MaxConnections int    `yaml:"max_connections"`
	ReusePort      bool   `yaml:"reuse_port"`
}

type ConnectConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Connections  int      `yaml:"connections"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	DialAttempts int      `yaml:"dial_attempts"`
	DialBackoff  Duration `yaml:"dial_backoff"`
}

type ControlConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied. Callers
// override fields and then call Normalize.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	return cfg
}

// Normalize applies defaults, validates and fills derived fields.
func (c *Config) Normalize() error {
	c.setDefaults()
	return c.validate()
}

func (c *Config) setDefaults() {
	if c.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			c.Hostname = host
		} else {
			c.Hostname = "fbpace"
		}
	}
	if c.Mode == "" {
		c.Mode = defaultMode
	}
	if c.Direction == "" {
		c.Direction = defaultDirection
	}
	if strings.TrimSpace(c.Rate) == "" {
		c.Rate = defaultRate
	}

	if c.Transfer.Method == "" {
		c.Transfer.Method = defaultMethod
	}
	if c.Transfer.MaxChunk == 0 {
		c.Transfer.MaxChunk = defaultMaxChunk
	}
	if c.Transfer.MinGrant == 0 {
		c.Transfer.MinGrant = defaultMinGrant
	}
	if c.Transfer.Backoff == 0 {
		c.Transfer.Backoff = Duration(defaultBackoff)
	}
	if c.Transfer.SocketBuffer == 0 {
		c.Transfer.SocketBuffer = defaultSocketBuffer
	}

	if c.Listen.BindAddr == "" {
		c.Listen.BindAddr = defaultListenAddr
	}
	if c.Listen.BindPort == 0 {
		c.Listen.BindPort = DefaultPort
	}
	if c.Listen.MaxConnections == 0 {
		c.Listen.MaxConnections = defaultMaxConnections
	}

	if c.Connect.Port == 0 {
		c.Connect.Port = DefaultPort
	}
	if c.Connect.Connections == 0 {
		c.Connect.Connections = defaultConnections
	}
	if c.Connect.DialTimeout == 0 {
		c.Connect.DialTimeout = Duration(defaultDialTimeout)
	}
	if c.Connect.DialAttempts == 0 {
		c.Connect.DialAttempts = defaultDialAttempts
	}
	if c.Connect.DialBackoff == 0 {
		c.Connect.DialBackoff = Duration(defaultDialBackoff)
	}

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

func (c *Config) validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case ModeListen, ModeConnect:
	default:
		return fmt.Errorf("mode must be listen or connect, got %q", c.Mode)
	}
	dir, err := transfer.ParseDirection(c.Direction)
	if err != nil {
		return err
	}
	c.Direction = dir.String()

	bits, err := ParseBandwidth(c.Rate)
	if err != nil {
		return fmt.Errorf("rate: %w", err)
	}
	if bits > 0 && bits < 8 {
		return fmt.Errorf("rate must be 0 or at least 8 bit/s, got %q", c.Rate)
	}
	c.RateBits = bits

	method, err := transfer.ParseMethod(c.Transfer.Method)
	if err != nil {
		return fmt.Errorf("transfer.method: %w", err)
	}
	c.Transfer.Method = string(method)
	if c.Transfer.MaxChunk > maxChunkLimit {
		return fmt.Errorf("transfer.max_chunk must be <= %s", Size(maxChunkLimit))
	}
	if c.Transfer.MinGrant > c.Transfer.MaxChunk {
		return fmt.Errorf("transfer.min_grant (%s) must not exceed transfer.max_chunk (%s)", c.Transfer.MinGrant, c.Transfer.MaxChunk)
	}
	if c.Transfer.Backoff.Duration() <= 0 {
		return errors.New("transfer.backoff must be > 0")
	}
	if c.Transfer.SocketBuffer > math.MaxInt32 {
		return errors.New("transfer.socket_buffer is too large")
	}
	if c.Transfer.DSCP < 0 || c.Transfer.DSCP > 63 {
		return fmt.Errorf("transfer.dscp must be in 0..63, got %d", c.Transfer.DSCP)
	}

	switch c.Mode {
	case ModeListen:
		if c.Listen.BindPort <= 0 || c.Listen.BindPort > 65535 {
			return errors.New("listen.bind_port must be in 1..65535")
		}
		if c.Listen.MaxConnections <= 0 {
			return errors.New("listen.max_connections must be > 0")
		}
	case ModeConnect:
		c.Connect.Host = strings.TrimSpace(c.Connect.Host)
		if c.Connect.Host == "" {
			return errors.New("connect.host must not be empty")
		}
		if c.Connect.Port <= 0 || c.Connect.Port > 65535 {
			return errors.New("connect.port must be in 1..65535")
		}
		if c.Connect.Connections <= 0 {
			return errors.New("connect.connections must be >= 1")
		}
		if c.Connect.DialTimeout.Duration() <= 0 || c.Connect.DialBackoff.Duration() <= 0 {
			return errors.New("connect.dial_timeout and dial_backoff must be > 0")
		}
		if c.Connect.DialAttempts <= 0 {
			return errors.New("connect.dial_attempts must be >= 1")
		}
	}

	if c.Control.Enabled {
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
		if strings.TrimSpace(c.Control.AuthToken) == "" {
			return errors.New("control.auth_token must not be empty when control is enabled")
		}
		if c.Mode == ModeListen && c.Listen.BindPort == c.Control.BindPort {
			return errors.New("control.bind_port conflicts with listen.bind_port")
		}
	}

	if _, err := util.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Pacing returns the budget settings shared by every worker.
func (c Config) Pacing() pacing.Config {
	return pacing.Config{
		BytesPerSecond: c.RateBits / 8,
		MaxChunk:       uint32(c.Transfer.MaxChunk),
		MinGrant:       uint32(c.Transfer.MinGrant),
		Backoff:        c.Transfer.Backoff.Duration(),
	}
}

// TransferDirection is the parsed form of Direction. Valid after Normalize.
func (c Config) TransferDirection() transfer.Direction {
	dir, _ := transfer.ParseDirection(c.Direction)
	return dir
}

func (c Config) ListenAddr() string {
	return util.NetJoin(c.Listen.BindAddr, c.Listen.BindPort)
}

func (c Config) ConnectAddr() string {
	return util.NetJoin(c.Connect.Host, c.Connect.Port)
}

func (c Config) ControlAddr() string {
	return util.NetJoin(c.Control.BindAddr, c.Control.BindPort)
}
