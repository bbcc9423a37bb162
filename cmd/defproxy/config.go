package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pelletier/go-toml"

	"github.com/carlosrabelo/defproxy/internal/noise"
	"github.com/carlosrabelo/defproxy/internal/proxy"
	"github.com/carlosrabelo/defproxy/internal/proxysocks"
	apperrors "github.com/carlosrabelo/defproxy/pkg/errors"
)

// EndpointEnv overrides server_endpoint from the file.
const EndpointEnv = "DEFPOOL_SERVER_ENDPOINT"

type Config struct {
	ServerEndpoint string `toml:"server_endpoint"`
	ListenAddress  string `toml:"listen_address"`
	DefaultWallet  string `toml:"default_wallet"`
	LogLevel       string `toml:"log_level"`

	HTTP struct {
		Listen           string `toml:"listen"`
		ReportIntervalMs int    `toml:"report_interval_ms"`
	} `toml:"http"`

	Upstream struct {
		DialTimeoutMs int               `toml:"dial_timeout_ms"`
		SocksProxy    proxysocks.Config `toml:"socks_proxy"`
	} `toml:"upstream"`

	Noise struct {
		AuthoritySecretKey  string `toml:"authority_secret_key"`
		CertValiditySeconds int    `toml:"cert_validity_seconds"`
	} `toml:"noise"`

	Jobs struct {
		MaxJobs           int     `toml:"max_jobs"`
		DefaultDifficulty float64 `toml:"default_difficulty"`
	} `toml:"jobs"`

	Reporter struct {
		Concurrency int `toml:"concurrency"`
		TimeoutMs   int `toml:"timeout_ms"`
	} `toml:"reporter"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "parsing config file", err)
	}
	if env := strings.TrimSpace(os.Getenv(EndpointEnv)); env != "" {
		cfg.ServerEndpoint = env
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "0.0.0.0:3333"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTP.ReportIntervalMs == 0 {
		cfg.HTTP.ReportIntervalMs = 60000
	}
	if cfg.Upstream.DialTimeoutMs == 0 {
		cfg.Upstream.DialTimeoutMs = 10000
	}
	if cfg.Upstream.SocksProxy.Enabled && cfg.Upstream.SocksProxy.Type == "" {
		cfg.Upstream.SocksProxy.Type = "socks5"
	}
	if cfg.Noise.CertValiditySeconds == 0 {
		cfg.Noise.CertValiditySeconds = 3600
	}
	if cfg.Jobs.MaxJobs == 0 {
		cfg.Jobs.MaxJobs = 100
	}
	if cfg.Jobs.DefaultDifficulty == 0 {
		cfg.Jobs.DefaultDifficulty = 1000
	}
	if cfg.Reporter.Concurrency == 0 {
		cfg.Reporter.Concurrency = 8
	}
	if cfg.Reporter.TimeoutMs == 0 {
		cfg.Reporter.TimeoutMs = 5000
	}

	if err := cfg.validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid config", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ServerEndpoint == "" {
		return fmt.Errorf("server_endpoint is required (or set %s)", EndpointEnv)
	}
	if !strings.HasPrefix(c.ServerEndpoint, "http://") && !strings.HasPrefix(c.ServerEndpoint, "https://") {
		return fmt.Errorf("server_endpoint %q must be an http(s) URL", c.ServerEndpoint)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("listen_address %q: %w", c.ListenAddress, err)
	}
	if c.Upstream.DialTimeoutMs < 0 || c.Reporter.TimeoutMs < 0 || c.HTTP.ReportIntervalMs < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Noise.CertValiditySeconds < 0 {
		return fmt.Errorf("noise.cert_validity_seconds must not be negative")
	}
	if c.Jobs.MaxJobs < 0 || c.Jobs.DefaultDifficulty < 0 || c.Reporter.Concurrency < 0 {
		return fmt.Errorf("jobs and reporter limits must not be negative")
	}
	if err := c.Upstream.SocksProxy.Validate(); err != nil {
		return fmt.Errorf("upstream.socks_proxy: %w", err)
	}
	if c.Noise.AuthoritySecretKey != "" {
		if _, err := noise.KeyFromHex(c.Noise.AuthoritySecretKey); err != nil {
			return fmt.Errorf("noise.authority_secret_key: %w", err)
		}
	}
	return nil
}

// authorityKey returns the configured key, or nil to have one generated.
func (c *Config) authorityKey() *btcec.PrivateKey {
	if c.Noise.AuthoritySecretKey == "" {
		return nil
	}
	key, _ := noise.KeyFromHex(c.Noise.AuthoritySecretKey)
	return key
}

func (c *Config) proxyConfig() proxy.Config {
	return proxy.Config{
		ListenAddress:     c.ListenAddress,
		DefaultWallet:     c.DefaultWallet,
		AuthorityKey:      c.authorityKey(),
		CertValidity:      time.Duration(c.Noise.CertValiditySeconds) * time.Second,
		MaxJobs:           c.Jobs.MaxJobs,
		DefaultDifficulty: c.Jobs.DefaultDifficulty,
	}
}

func (c *Config) dialTimeout() time.Duration {
	return time.Duration(c.Upstream.DialTimeoutMs) * time.Millisecond
}
