package main

import (
	"flag"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/BrightOpen/amqp10/pkg/amqp10"
	"github.com/BrightOpen/amqp10/pkg/amqp10/bridge"
)

// Accepts AMQP 1.0 clients and republishes their deliveries to an AMQP
// 0.9.1 upstream broker.
func main() {
	addr := flag.String("addr", ":5672", "listen address")
	upstream := flag.String("upstream", "amqp://127.0.0.1:5673/", "upstream AMQP 0.9.1 URL")
	exchange := flag.String("exchange", "", "upstream exchange (empty for default)")
	user := flag.String("user", "guest", "default upstream username")
	pass := flag.String("pass", "guest", "default upstream password")
	credit := flag.Uint("credit", 100, "credit granted to incoming links")
	reconnect := flag.Duration("reconnect-delay", 5*time.Second, "upstream reconnect throttle")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	amqp10.SetLogger(logger)

	adapter := bridge.NewAdapter(bridge.UpstreamConfig{
		URL:            *upstream,
		DefaultUser:    *user,
		DefaultPass:    *pass,
		Exchange:       *exchange,
		Credit:         uint32(*credit),
		ReconnectDelay: *reconnect,
	}, logger)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}
	logger.Info().Str("addr", *addr).Str("upstream", *upstream).Msg("bridge started")

	cfg := amqp10.Config{ContainerID: "amqp10-bridge", Auth: adapter.AuthFunc}
	if err := amqp10.Serve(ln, cfg, adapter.Handlers()); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
