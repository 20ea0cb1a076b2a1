// Command fdbus-server is a minimal example server: it binds one address,
// answers a single echo-style request, and republishes a counter event
// once a second through the server-side event cache. Grounded on
// _examples/adred-codev-ws_poc/ws/main.go's startup sequence (automaxprocs side-effect import, config
// load, structured logger, graceful shutdown on SIGINT/SIGTERM).
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/fdbus"
	"github.com/adred-codev/fdbus/internal/config"
	"github.com/adred-codev/fdbus/internal/logging"
	"github.com/adred-codev/fdbus/internal/metrics"
)

const (
	echoCode    int32 = 1
	counterCode int32 = 2
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrap := logging.New(logging.Config{Level: "info", Format: "json"})
	bootstrap.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting fdbus-server")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	reg := prometheus.NewRegistry()
	coll := metrics.New(reg)
	sampleStop := make(chan struct{})
	coll.StartProcessSampler(cfg.ProcessSampleInterval, sampleStop)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	rt := fdbus.NewRuntime(logger)
	ep := fdbus.NewEndpoint(rt, "fdbus-server", fdbus.RoleServer)
	ep.SetMetrics(coll)
	ep.EnableEventCache()
	if cfg.WatchdogEnabled {
		ep.EnableWatchdog(fdbus.WatchdogConfig{
			Interval:      cfg.WatchdogInterval,
			BarkThreshold: cfg.WatchdogBarkThreshold,
			OnBark: func(s *fdbus.Session) {
				logger.Warn().Stringer("session", s).Msg("watchdog bark, disconnecting session")
				s.Disconnect()
			},
		})
	}
	if cfg.RequestRateLimitEnabled {
		ep.EnableRequestRateLimit(fdbus.RequestRateLimitConfig{
			Rate:  cfg.RequestRateLimit,
			Burst: cfg.RequestRateLimitBurst,
		})
	}

	primary := ep.PrimaryObject()
	primary.OnRequest(echoCode, nil, func(obj *fdbus.Object, session *fdbus.Session, msg *fdbus.Message) {
		session.Reply(msg, append([]byte(nil), msg.Payload...))
	})

	if err := ep.Bind(cfg.Addr); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("bind failed")
	}
	logger.Info().Str("addr", cfg.Addr).Msg("listening")

	stop := make(chan struct{})
	go func() {
		n := 0
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n++
				payload := []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
				primary.Broadcast(counterCode, "counter", payload, false, false)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	close(stop)
	close(sampleStop)
	ep.Quiesce()
	ep.Release()
}
