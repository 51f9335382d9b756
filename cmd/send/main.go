package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/BrightOpen/amqp10/pkg/amqp10"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5672", "broker address")
	useTLS := flag.Bool("tls", false, "connect with TLS (insecure, for self-signed demo certs)")
	target := flag.String("target", "test-queue", "target address")
	body := flag.String("body", "hello", "message body")
	count := flag.Int("count", 1, "number of messages to send")
	user := flag.String("user", "guest", "SASL PLAIN username")
	pass := flag.String("pass", "guest", "SASL PLAIN password")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	amqp10.SetLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

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
	link, err := session.AttachSender(ctx, "send-demo", *target)
	if err != nil {
		logger.Fatal().Err(err).Msg("attach")
	}

	for i := 0; i < *count; i++ {
		payload := []byte(*body)
		if *count > 1 {
			payload = []byte(fmt.Sprintf("%s-%d", *body, i))
		}
		state, err := link.Send(ctx, payload)
		if err != nil {
			logger.Fatal().Err(err).Msg("send")
		}
		logger.Info().Int("n", i).Str("outcome", fmt.Sprintf("%T", state)).Msg("sent")
	}

	if err := link.Detach(ctx, nil); err != nil {
		logger.Error().Err(err).Msg("detach")
	}
	if err := session.End(ctx, nil); err != nil {
		logger.Error().Err(err).Msg("end")
	}
	logger.Info().Msg("done")
}
