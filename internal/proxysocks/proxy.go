// Package proxysocks dials upstream pools directly or through a SOCKS5 proxy.
package proxysocks

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultTimeout bounds a single upstream dial.
const DefaultTimeout = 10 * time.Second

// Config holds SOCKS proxy configuration
type Config struct {
	Enabled  bool   `toml:"enabled"`
	Type     string `toml:"type"` // must be "socks5"
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Address returns host:port of the proxy, or "" when disabled.
func (c Config) Address() string {
	if !c.Enabled {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Type != "socks5" {
		return fmt.Errorf("unsupported proxy type: %s (must be 'socks5')", c.Type)
	}
	if c.Host == "" || c.Port == 0 {
		return fmt.Errorf("proxy host and port are required when proxy is enabled")
	}
	return nil
}

// Dialer opens upstream connections.
type Dialer struct {
	config  Config
	timeout time.Duration
	dialer  proxy.ContextDialer
}

// NewDialer returns a direct dialer when the proxy is disabled and a SOCKS5
// dialer otherwise. timeout applies to the TCP connect in both cases.
func NewDialer(config Config, timeout time.Duration) (*Dialer, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	direct := &net.Dialer{Timeout: timeout}
	if !config.Enabled {
		return &Dialer{config: config, timeout: timeout, dialer: direct}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	u := &url.URL{Scheme: "socks5", Host: config.Address()}
	if config.Username != "" {
		u.User = url.UserPassword(config.Username, config.Password)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS proxy dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS proxy dialer does not support contexts")
	}
	return &Dialer{config: config, timeout: timeout, dialer: cd}, nil
}

// DialContext connects to address over TCP, honoring both ctx and the dial
// timeout.
func (d *Dialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.dialer.DialContext(ctx, "tcp", address)
}

func (d *Dialer) IsEnabled() bool {
	return d.config.Enabled
}

// Address returns the proxy address, empty for direct dialing.
func (d *Dialer) Address() string {
	return d.config.Address()
}
