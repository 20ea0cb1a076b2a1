// Command fdbus-client is the counterpart example to fdbus-server: it
// connects, invokes the echo request once, subscribes to the counter
// broadcast, and logs every update until interrupted. Grounded on
// _examples/adred-codev-ws_poc/ws/main.go's startup sequence.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/fdbus"
	"github.com/adred-codev/fdbus/internal/config"
	"github.com/adred-codev/fdbus/internal/logging"
)

const (
	echoCode    int32 = 1
	counterCode int32 = 2
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrap := logging.New(logging.Config{Level: "info", Format: "json"})
	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	rt := fdbus.NewRuntime(logger)
	ep := fdbus.NewEndpoint(rt, "fdbus-client", fdbus.RoleClient)

	primary := ep.PrimaryObject()
	primary.OnEvent(counterCode, "counter", nil, func(obj *fdbus.Object, session *fdbus.Session, msg *fdbus.Message) {
		logger.Info().Int("len", len(msg.Payload)).Msg("counter update")
	})

	sess, err := ep.Connect(cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("connect failed")
	}
	logger.Info().Str("addr", cfg.Addr).Msg("connected")

	if reply, status := sess.Invoke(echoCode, []byte("hello"), 5*time.Second); status == fdbus.StatusOk {
		logger.Info().Bytes("payload", reply.Payload).Msg("echo reply")
	} else {
		logger.Warn().Stringer("status", status).Msg("echo failed")
	}

	primary.Subscribe(sess, []fdbus.SubscribeItem{{Code: counterCode, Topic: "counter", Type: fdbus.SubNormal}})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ep.Quiesce()
	ep.Release()
}
