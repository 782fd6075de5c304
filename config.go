package watergate

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/stn81/watergate/protocol"
	"gopkg.in/yaml.v3"
)

// ProtocolVersion is announced in every Handshake.
const ProtocolVersion int32 = 2

type IoConfig struct {
	SendQueueSize  int           `yaml:"sendQueueSize" json:"send_queue_size"`
	RecvQueueSize  int           `yaml:"recvQueueSize" json:"recv_queue_size"`
	ReadTimeout    time.Duration `yaml:"readTimeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" json:"write_timeout"`
	PollInterval   time.Duration `yaml:"pollInterval" json:"poll_interval"`
	ReadBufferSize int           `yaml:"readBufferSize" json:"read_buffer_size"`
	MaxFrameSize   int           `yaml:"maxFrameSize" json:"max_frame_size"`
}

func defaultIoConfig() IoConfig {
	return IoConfig{
		SendQueueSize:  1024,
		RecvQueueSize:  1024,
		ReadTimeout:    2 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		PollInterval:   25 * time.Millisecond,
		ReadBufferSize: 64 << 10,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
	}
}

// withDefaults fills every unset field from defaultIoConfig. A zero
// ReadTimeout would let a read block the transport loop indefinitely, so it
// is never kept. WriteTimeout 0 means no write deadline.
func (c IoConfig) withDefaults() IoConfig {
	def := defaultIoConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.RecvQueueSize <= 0 {
		c.RecvQueueSize = def.RecvQueueSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	return c
}

func (c IoConfig) Validate() error {
	switch {
	case c.ReadTimeout < 0:
		return errors.Errorf("io readTimeout must not be negative, got %v", c.ReadTimeout)
	case c.WriteTimeout < 0:
		return errors.Errorf("io writeTimeout must not be negative, got %v", c.WriteTimeout)
	case c.PollInterval < 0:
		return errors.Errorf("io pollInterval must not be negative, got %v", c.PollInterval)
	case c.SendQueueSize < 0 || c.RecvQueueSize < 0:
		return errors.Errorf("io queue sizes must not be negative, got %d/%d", c.SendQueueSize, c.RecvQueueSize)
	}
	return nil
}

type ClientConfig struct {
	Address        string
	Port           int
	Handshake      protocol.HandshakeData
	TickInterval   time.Duration
	PacketLogLevel protocol.LogLevel
	DialTimeout    time.Duration
	Io             IoConfig
	Retry          RetryPolicy
	Breaker        BreakerConfig
}

func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		Handshake: protocol.HandshakeData{
			Software:        protocol.SoftwarePocketMine,
			ProtocolVersion: ProtocolVersion,
		},
		TickInterval:   50 * time.Millisecond,
		PacketLogLevel: protocol.LogLevelDefault,
		DialTimeout:    10 * time.Second,
		Io:             defaultIoConfig(),
		Retry:          DefaultRetryPolicy(),
		Breaker:        DefaultBreakerConfig(),
	}
}

// Addr returns the upstream address in host:port form.
func (c *ClientConfig) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

type ConnectionConfig struct {
	Address  string `yaml:"address" json:"address"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
}

// Config describes a set of named upstream connections, typically loaded
// from a YAML file:
//
//	tickInterval: 50ms
//	defaultClient: lobby
//	logLevel: 1
//	autoStart: true
//	connections:
//	  lobby:
//	    address: 127.0.0.1
//	    port: 19132
//	    password: secret
type Config struct {
	TickInterval  time.Duration               `yaml:"tickInterval" json:"tick_interval"`
	DefaultClient string                      `yaml:"defaultClient" json:"default_client"`
	LogLevel      protocol.LogLevel           `yaml:"logLevel" json:"log_level"`
	AutoStart     bool                        `yaml:"autoStart" json:"auto_start"`
	DialTimeout   time.Duration               `yaml:"dialTimeout" json:"dial_timeout"`
	Connections   map[string]ConnectionConfig `yaml:"connections" json:"connections"`
	Io            IoConfig                    `yaml:"io" json:"io"`
	Retry         RetryPolicy                 `yaml:"retry" json:"retry"`
	Breaker       BreakerConfig               `yaml:"breaker" json:"breaker"`
}

func NewConfig() *Config {
	clientConf := NewClientConfig()
	return &Config{
		TickInterval: clientConf.TickInterval,
		LogLevel:     clientConf.PacketLogLevel,
		AutoStart:    true,
		DialTimeout:  clientConf.DialTimeout,
		Connections:  make(map[string]ConnectionConfig),
		Io:           clientConf.Io,
		Retry:        clientConf.Retry,
		Breaker:      clientConf.Breaker,
	}
}

// LoadConfig reads a YAML config file. Keys missing from the file keep the
// values of NewConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	conf := NewConfig()
	if err = yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err = conf.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.Errorf("tickInterval must be positive, got %v", c.TickInterval)
	}

	for name, conn := range c.Connections {
		if conn.Address == "" {
			return errors.Errorf("connection %q: missing address", name)
		}
		if conn.Port <= 0 || conn.Port > 65535 {
			return errors.Errorf("connection %q: invalid port %d", name, conn.Port)
		}
	}

	if c.DefaultClient != "" {
		if _, ok := c.Connections[c.DefaultClient]; !ok {
			return errors.Errorf("defaultClient %q has no connection entry", c.DefaultClient)
		}
	}
	if err := c.Io.Validate(); err != nil {
		return err
	}
	return c.Retry.Validate()
}

// ClientConfig builds the configuration of the named connection.
func (c *Config) ClientConfig(name string) (*ClientConfig, error) {
	conn, ok := c.Connections[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownClient, name)
	}

	conf := NewClientConfig()
	conf.Address = conn.Address
	conf.Port = conn.Port
	conf.Handshake.ClientName = name
	conf.Handshake.Password = conn.Password
	conf.TickInterval = c.TickInterval
	conf.PacketLogLevel = c.LogLevel
	conf.Io = c.Io
	conf.Retry = c.Retry
	conf.Breaker = c.Breaker
	if c.DialTimeout > 0 {
		conf.DialTimeout = c.DialTimeout
	}
	return conf, nil
}
