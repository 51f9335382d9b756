package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"

	"github.com/rs/zerolog"

	"github.com/BrightOpen/amqp10/pkg/amqp10"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5672", "broker address")
	useTLS := flag.Bool("tls", false, "connect with TLS (insecure, for self-signed demo certs)")
	source := flag.String("source", "test-queue", "source address")
	credit := flag.Uint("credit", 50, "link credit to grant")
	user := flag.String("user", "guest", "SASL PLAIN username")
	pass := flag.String("pass", "guest", "SASL PLAIN password")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	amqp10.SetLogger(logger)

	ctx := context.Background()
	cfg := amqp10.Config{SASL: amqp10.SASLPlain(*user, *pass)}
	var (
		conn *amqp10.Conn
		err  error
	)
	if *useTLS {
		conn, err = amqp10.DialTLS(ctx, *addr, &tls.Config{InsecureSkipVerify: true}, cfg)
	} else {
		conn, err = amqp10.Dial(ctx, *addr, cfg)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close(nil)

	session, err := conn.Begin(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("begin")
	}
	link, err := session.AttachReceiver(ctx, "receive-demo", *source)
	if err != nil {
		logger.Fatal().Err(err).Msg("attach")
	}
	if err := link.SetCredit(uint32(*credit)); err != nil {
		logger.Fatal().Err(err).Msg("credit")
	}

	for {
		d, err := link.Receive(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("receive")
		}
		logger.Info().Uint32("delivery_id", d.ID).Str("body", string(d.Payload)).Msg("received")
		if !d.Settled {
			if err := d.Accept(); err != nil {
				logger.Fatal().Err(err).Msg("accept")
			}
		}
		if link.Credit() == 0 {
			if err := link.SetCredit(uint32(*credit)); err != nil {
				logger.Fatal().Err(err).Msg("credit")
			}
		}
	}
}
