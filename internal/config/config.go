// Package config loads cpcd's TOML configuration file. Grounded on the
// BurntSushi/toml dependency carried by the retrieval pack (the
// katzenpost client config loader uses the same library for its own
// TOML config files) and on librescoot-bluetooth-service/cmd's
// flag-and-struct wiring style for the handful of settings better left
// as CLI flags.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Transport selects which Driver implementation cpcd instantiates.
type Transport string

const (
	TransportUART Transport = "uart"
	TransportSPI  Transport = "spi"
)

// Config is the full on-disk configuration. The config file path itself
// is not part of it; it is the one setting given as a flag (-config).
type Config struct {
	Transport Transport `toml:"transport"`

	UART UARTConfig `toml:"uart"`
	SPI  SPIConfig  `toml:"spi"`

	MTU        int `toml:"mtu"`
	WindowSize int `toml:"window_size"`

	RTO struct {
		Initial    time.Duration `toml:"initial"`
		Max        time.Duration `toml:"max"`
		MaxRetries int           `toml:"max_retries"`
	} `toml:"rto"`

	RunDir         string `toml:"run_dir"`
	BindingKeyPath string `toml:"binding_key_path"`
}

type UARTConfig struct {
	Device string `toml:"device"`
	Baud   int    `toml:"baud"`
}

type SPIConfig struct {
	Device  string `toml:"device"`
	SpeedHz uint32 `toml:"speed_hz"`
}

// Default returns a Config populated with the daemon's stated defaults:
// 100ms initial RTO doubling to a 5s cap, 5 max retries, 4087-byte MTU,
// window size 1.
func Default() Config {
	c := Config{
		Transport:      TransportUART,
		UART:           UARTConfig{Device: "/dev/ttyUSB0", Baud: 115200},
		MTU:            4087,
		WindowSize:     1,
		RunDir:         "/run/cpcd",
		BindingKeyPath: "/etc/cpcd/binding.key",
	}
	c.RTO.Initial = 100 * time.Millisecond
	c.RTO.Max = 5 * time.Second
	c.RTO.MaxRetries = 5
	return c
}

// Load reads and parses a TOML config file, overlaying it onto Default().
func Load(path string) (Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the loaded configuration for internally-inconsistent
// values before the daemon starts wiring components against it.
func (c Config) Validate() error {
	if c.WindowSize < 1 || c.WindowSize > 7 {
		return fmt.Errorf("config: window_size %d out of range [1,7]", c.WindowSize)
	}
	if c.MTU <= 0 {
		return fmt.Errorf("config: mtu must be positive")
	}
	switch c.Transport {
	case TransportUART:
		if c.UART.Device == "" {
			return fmt.Errorf("config: uart.device is required for transport=uart")
		}
	case TransportSPI:
		if c.SPI.Device == "" {
			return fmt.Errorf("config: spi.device is required for transport=spi")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	return nil
}
