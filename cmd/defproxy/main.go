// Command defproxy accepts Stratum V1 and V2 miners and bridges each one to
// the pool the management server selects.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/carlosrabelo/defproxy/internal/client"
	"github.com/carlosrabelo/defproxy/internal/connection"
	"github.com/carlosrabelo/defproxy/internal/metrics"
	"github.com/carlosrabelo/defproxy/internal/proxy"
	"github.com/carlosrabelo/defproxy/pkg/logger"
)

var version = "v0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("defproxy", pflag.ContinueOnError)
	cfgFile := flags.StringP("config", "c", "defpool-proxy.toml", "path to configuration file")
	logLevel := flags.String("log-level", "", "log level (overrides log_level in the config file)")
	showVersion := flags.BoolP("version", "v", false, "show version information")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("defproxy " + version)
		return nil
	}

	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mx := metrics.NewCollector()
	mx.Instrument(metrics.InitPrometheus(metrics.Namespace, prometheus.DefaultRegisterer))

	resolver := client.NewResolver(cfg.ServerEndpoint, nil)
	recorder := client.NewRecorder(cfg.ServerEndpoint, client.RecorderOptions{
		Concurrency: cfg.Reporter.Concurrency,
		Timeout:     time.Duration(cfg.Reporter.TimeoutMs) * time.Millisecond,
		OnResult:    mx.RecordReport,
	})
	defer recorder.Close()

	// Fail fast when the management server is unreachable or has no target.
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	target, err := resolver.Fetch(fetchCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("initial target fetch from %s: %w", resolver.Endpoint(), err)
	}
	logger.Info("management server %s points at %s (%s)", resolver.Endpoint(), target.Address, target.Protocol)

	dialer, err := connection.NewDialer(cfg.Upstream.SocksProxy, cfg.dialTimeout())
	if err != nil {
		return err
	}
	p, err := proxy.NewProxy(cfg.proxyConfig(), resolver, recorder, dialer, mx)
	if err != nil {
		return err
	}
	logger.Info("authority public key: %s", p.AuthorityPublicKey())
	logger.Info("upstream dialing via %s", dialer.Via())

	if cfg.HTTP.Listen != "" {
		go func() {
			if err := p.HttpServe(ctx, cfg.HTTP.Listen, prometheus.DefaultGatherer); err != nil {
				logger.Error("http: %v", err)
			}
		}()
	}
	go p.ReportLoop(ctx, time.Duration(cfg.HTTP.ReportIntervalMs)*time.Millisecond)

	err = p.AcceptLoop(ctx)
	logger.Info("shutting down")
	return err
}
