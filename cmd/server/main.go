package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/BrightOpen/amqp10/pkg/amqp10"
)

// Broker holds minimal in-memory broker state used by the example server.
// Incoming links enqueue to the queue named by their target address;
// outgoing links drain the queue named by their source address.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*Queue
	logger zerolog.Logger
}

type Queue struct {
	name     string
	messages [][]byte
	waiters  []chan []byte
}

func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{queues: make(map[string]*Queue), logger: logger}
}

func (b *Broker) queue(name string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &Queue{name: name}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) enqueue(name string, body []byte) {
	q := b.queue(name)
	b.mu.Lock()
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		b.mu.Unlock()
		w <- body
		return
	}
	q.messages = append(q.messages, append([]byte(nil), body...))
	depth := len(q.messages)
	b.mu.Unlock()
	b.logger.Info().Str("queue", name).Int("depth", depth).Msg("message queued")
}

func (b *Broker) dequeue(name string, done <-chan struct{}) ([]byte, bool) {
	q := b.queue(name)
	b.mu.Lock()
	if len(q.messages) > 0 {
		msg := q.messages[0]
		q.messages = q.messages[1:]
		b.mu.Unlock()
		return msg, true
	}
	w := make(chan []byte, 1)
	q.waiters = append(q.waiters, w)
	b.mu.Unlock()
	select {
	case msg := <-w:
		return msg, true
	case <-done:
		return nil, false
	}
}

// startAutoGenerator feeds a demo queue so a consumer attached without a
// matching producer still sees traffic.
func (b *Broker) startAutoGenerator(interval time.Duration, qname string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for t := range ticker.C {
			b.enqueue(qname, []byte(fmt.Sprintf("auto-msg-%d", t.UnixNano())))
		}
	}()
}

func handlers(b *Broker) *amqp10.ServerHandlers {
	return &amqp10.ServerHandlers{
		OnReceiver: func(s *amqp10.Session, l *amqp10.ReceiverLink) error {
			addr := l.Target()
			if addr == "" {
				addr = l.Name()
			}
			b.logger.Info().Str("link", l.Name()).Str("queue", addr).Msg("incoming link attached")
			if err := l.SetCredit(100); err != nil {
				return err
			}
			for {
				d, err := l.Receive(context.Background())
				if err != nil {
					b.logger.Info().Err(err).Str("link", l.Name()).Msg("incoming link done")
					return nil
				}
				b.enqueue(addr, d.Payload)
				if !d.Settled {
					if err := d.Accept(); err != nil {
						return nil
					}
				}
			}
		},
		OnSender: func(s *amqp10.Session, l *amqp10.SenderLink) error {
			addr := l.Source()
			if addr == "" {
				addr = l.Name()
			}
			b.logger.Info().Str("link", l.Name()).Str("queue", addr).Msg("outgoing link attached")
			done := s.Conn().Done()
			for {
				msg, ok := b.dequeue(addr, done)
				if !ok {
					return nil
				}
				if _, err := l.Send(context.Background(), msg); err != nil {
					b.logger.Info().Err(err).Str("link", l.Name()).Msg("outgoing link done")
					return nil
				}
			}
		},
		OnConnClose: func(c *amqp10.Conn) {
			b.logger.Info().Str("container", c.ContainerID()).Msg("connection closed")
		},
	}
}

func main() {
	addr := flag.String("addr", ":5672", "listen address")
	tlsAddr := flag.String("tls-addr", ":5671", "TLS listen address")
	certFile := flag.String("cert", "tls/server.pem", "TLS certificate")
	keyFile := flag.String("key", "tls/server.key", "TLS key")
	idle := flag.Duration("idle-timeout", time.Minute, "idle timeout offered to peers")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	amqp10.SetLogger(logger)

	broker := NewBroker(logger)
	broker.startAutoGenerator(2*time.Second, "test-queue")

	cfg := amqp10.Config{
		ContainerID: "demo-broker",
		IdleTimeout: *idle,
		Auth: func(mechanism string, response []byte) error {
			if mechanism != "PLAIN" {
				return nil
			}
			_, user, pass, err := amqp10.ParsePlainResponse(response)
			if err != nil {
				return err
			}
			if user != "guest" || pass != "guest" {
				return fmt.Errorf("invalid credentials")
			}
			logger.Info().Str("user", user).Msg("user authentication successful")
			return nil
		},
	}
	h := handlers(broker)

	var g errgroup.Group
	g.Go(func() error {
		ln, err := net.Listen("tcp", *addr)
		if err != nil {
			return err
		}
		logger.Info().Str("addr", *addr).Msg("started server")
		return amqp10.Serve(ln, cfg, h)
	})
	if _, err := os.Stat(*certFile); err == nil {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load tls cert")
		}
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		g.Go(func() error {
			ln, err := net.Listen("tcp", *tlsAddr)
			if err != nil {
				return err
			}
			logger.Info().Str("addr", *tlsAddr).Msg("started TLS server")
			return amqp10.Serve(tls.NewListener(ln, tlsCfg), cfg, h)
		})
	} else {
		logger.Info().Msg("tls certs not found, skipping TLS listener")
	}

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
