// Package config is used to load the configuration file
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/blacktop/fusdl/internal/download"
	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/caarlos0/env/v8"
	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ByteSize is a byte count that may be written as a human readable size ("1MiB")
type ByteSize int64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

type hosts struct {
	Service  string `mapstructure:"service"`
	Download string `mapstructure:"download"`
	Version  string `mapstructure:"version"`
}

type dl struct {
	Workers    int           `mapstructure:"workers"`
	ChunkSize  ByteSize      `mapstructure:"chunk-size"`
	LimitRate  ByteSize      `mapstructure:"limit-rate"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry-delay"`
}

// Config is the configuration struct
type Config struct {
	FixedKey          string        `mapstructure:"fixed-key"`
	FlexibleKeySuffix string        `mapstructure:"flexible-key-suffix"`
	Proxy             string        `mapstructure:"proxy"`
	Insecure          bool          `mapstructure:"insecure"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Hosts             hosts         `mapstructure:"hosts"`
	Download          dl            `mapstructure:"download"`
}

// keyEnv holds the FUS keys as exported for other FUS clients
type keyEnv struct {
	FixedKey          string `env:"FUS_FIXED_KEY"`
	FlexibleKeySuffix string `env:"FUS_FLEXIBLE_KEY_SUFFIX"`
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(ByteSize(0)) || f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return ByteSize(0), nil
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %v", s, err)
		}
		return ByteSize(n), nil
	}
}

func (c *Config) verify() error {
	if c.Hosts.Service == "" {
		c.Hosts.Service = fus.DefaultServiceURL
	}
	if c.Hosts.Download == "" {
		c.Hosts.Download = fus.DefaultDownloadURL
	}
	if c.Hosts.Version == "" {
		c.Hosts.Version = fus.DefaultVersionURL
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	if c.Download.Workers == 0 {
		c.Download.Workers = download.DefaultWorkers
	} else if c.Download.Workers < 1 || c.Download.Workers > download.MaxWorkers {
		return fmt.Errorf("download workers must be between 1 and %d", download.MaxWorkers)
	}
	if c.Download.ChunkSize == 0 {
		c.Download.ChunkSize = download.DefaultChunkSize
	} else if c.Download.ChunkSize < 0 || c.Download.ChunkSize%16 != 0 {
		return fmt.Errorf("download chunk size %s is not a multiple of 16 bytes", c.Download.ChunkSize)
	}
	if c.Download.LimitRate < 0 {
		return fmt.Errorf("download rate limit cannot be negative")
	}
	if c.Download.Retries == 0 {
		c.Download.Retries = download.DefaultRetries
	} else if c.Download.Retries < 0 {
		return fmt.Errorf("download retries cannot be negative")
	}
	if c.Download.RetryDelay == 0 {
		c.Download.RetryDelay = download.DefaultRetryDelay
	}

	return nil
}

// Keys returns the FUS signing keys. They are only required by commands that
// talk to the authenticated service.
func (c *Config) Keys() (*fus.Keys, error) {
	if c.FixedKey == "" || c.FlexibleKeySuffix == "" {
		return nil, fmt.Errorf("config: FUS keys are not set (use --fixed-key/--flexible-key-suffix, FUS_FIXED_KEY/FUS_FLEXIBLE_KEY_SUFFIX or the config file)")
	}
	keys, err := fus.NewKeys(c.FixedKey, c.FlexibleKeySuffix)
	if err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	return keys, nil
}

// TransportConfig returns the transport settings
func (c *Config) TransportConfig() *fus.TransportConfig {
	return &fus.TransportConfig{
		ServiceURL:  c.Hosts.Service,
		DownloadURL: c.Hosts.Download,
		VersionURL:  c.Hosts.Version,
		Proxy:       c.Proxy,
		Insecure:    c.Insecure,
		Timeout:     c.Timeout,
	}
}

// DownloadOptions returns the download pipeline settings
func (c *Config) DownloadOptions() download.Options {
	return download.Options{
		Workers:    c.Download.Workers,
		ChunkSize:  int64(c.Download.ChunkSize),
		LimitRate:  int64(c.Download.LimitRate),
		Retries:    c.Download.Retries,
		RetryDelay: c.Download.RetryDelay,
	}
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var ke keyEnv
	if err := env.Parse(&ke); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %v", err)
	}
	// the FUS_* variables rank below flags, FUSDL_* variables and the config file
	viper.SetDefault("fixed-key", ke.FixedKey)
	viper.SetDefault("flexible-key-suffix", ke.FlexibleKeySuffix)

	c := &Config{}

	if err := viper.Unmarshal(c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHook(),
	))); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
