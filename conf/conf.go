package conf

import (
	"runtime"
	"time"

	"binrpc/errors"
)

const (
	DefaultReadBudget        = 64 * 1024
	DefaultWriteBufferSize   = 64 * 1024
	DefaultWriteBudget       = 64 * 1024
	DefaultMaxFrameSize      = 64 * 1024 * 1024
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReceiveBufferSize = 64 * 1024
	DefaultSendBufferSize    = 64 * 1024

	DefaultWorkers = 32

	DefaultClientTimeout = 5 * time.Minute
	DefaultPoolSize      = 1

	DefaultServerAddress   = "0.0.0.0:7777"
	DefaultMethodCacheSize = 256
)

type TransportConfig struct {
	ReadBudget        int           `mapstructure:"read-budget"`
	WriteBufferSize   int           `mapstructure:"write-buffer-size"`
	WriteBudget       int           `mapstructure:"write-budget"`
	MaxReadRate       int           `mapstructure:"max-read-rate"`  // bytes per second, 0 is unlimited
	MaxWriteRate      int           `mapstructure:"max-write-rate"` // bytes per second, 0 is unlimited
	MaxFrameSize      int           `mapstructure:"max-frame-size"`
	ConnectTimeout    time.Duration `mapstructure:"connect-timeout"`
	ReceiveBufferSize int           `mapstructure:"receive-buffer-size"`
	SendBufferSize    int           `mapstructure:"send-buffer-size"`
	TCPNoDelay        *bool         `mapstructure:"tcp-nodelay"`
}

func (c *TransportConfig) ApplyDefaults() {
	if c.ReadBudget == 0 {
		c.ReadBudget = DefaultReadBudget
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = DefaultWriteBufferSize
	}
	if c.WriteBudget == 0 {
		c.WriteBudget = DefaultWriteBudget
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.TCPNoDelay == nil {
		noDelay := true
		c.TCPNoDelay = &noDelay
	}
}

func (c *TransportConfig) Validate() error {
	if c.ReadBudget < 0 {
		return errors.NewInvalidConfigurationError("read-budget must be > 0")
	}
	if c.WriteBufferSize < 0 {
		return errors.NewInvalidConfigurationError("write-buffer-size must be > 0")
	}
	if c.WriteBudget < 0 {
		return errors.NewInvalidConfigurationError("write-budget must be > 0")
	}
	if c.MaxReadRate < 0 {
		return errors.NewInvalidConfigurationError("max-read-rate must be >= 0")
	}
	if c.MaxWriteRate < 0 {
		return errors.NewInvalidConfigurationError("max-write-rate must be >= 0")
	}
	if c.MaxFrameSize < 0 {
		return errors.NewInvalidConfigurationError("max-frame-size must be > 0")
	}
	if c.ConnectTimeout < 0 {
		return errors.NewInvalidConfigurationError("connect-timeout must be >= 0")
	}
	return nil
}

type DispatchConfig struct {
	Queues  int `mapstructure:"queues"`
	Workers int `mapstructure:"workers"`
}

func (c *DispatchConfig) ApplyDefaults() {
	if c.Queues == 0 {
		c.Queues = runtime.GOMAXPROCS(0)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
}

func (c *DispatchConfig) Validate() error {
	if c.Queues < 0 {
		return errors.NewInvalidConfigurationError("queues must be > 0")
	}
	if c.Workers < 0 {
		return errors.NewInvalidConfigurationError("workers must be > 0")
	}
	return nil
}

type ClientConfig struct {
	Transport TransportConfig `mapstructure:",squash"`
	Dispatch  DispatchConfig  `mapstructure:",squash"`
	// Timeout bounds every request. Zero waits forever.
	Timeout time.Duration `mapstructure:"timeout"`
	// IdleTimeout evicts pooled transports with no traffic. Zero disables
	// eviction, which long running asynchronous calls need.
	IdleTimeout time.Duration `mapstructure:"idle-timeout"`
	PoolSize    int           `mapstructure:"pool-size"`
}

func NewClientConfig() ClientConfig {
	cfg := ClientConfig{Timeout: DefaultClientTimeout}
	cfg.ApplyDefaults()
	return cfg
}

func (c *ClientConfig) ApplyDefaults() {
	c.Transport.ApplyDefaults()
	c.Dispatch.ApplyDefaults()
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
}

func (c *ClientConfig) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return errors.NewInvalidConfigurationError("timeout must be >= 0")
	}
	if c.IdleTimeout < 0 {
		return errors.NewInvalidConfigurationError("idle-timeout must be >= 0")
	}
	if c.PoolSize < 1 {
		return errors.NewInvalidConfigurationError("pool-size must be > 0")
	}
	return nil
}

type ServerConfig struct {
	Transport TransportConfig `mapstructure:",squash"`
	Dispatch  DispatchConfig  `mapstructure:",squash"`
	Address   string          `mapstructure:"address"`
	// AdvertiseHost replaces the listen host in the connect address. Empty uses
	// the hostname when listening on a wildcard address.
	AdvertiseHost   string `mapstructure:"advertise-host"`
	MethodCacheSize int    `mapstructure:"method-cache-size"`
}

func NewServerConfig() ServerConfig {
	cfg := ServerConfig{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *ServerConfig) ApplyDefaults() {
	c.Transport.ApplyDefaults()
	c.Dispatch.ApplyDefaults()
	if c.Address == "" {
		c.Address = DefaultServerAddress
	}
	if c.MethodCacheSize == 0 {
		c.MethodCacheSize = DefaultMethodCacheSize
	}
}

func (c *ServerConfig) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	if c.MethodCacheSize < 1 {
		return errors.NewInvalidConfigurationError("method-cache-size must be > 0")
	}
	return nil
}
