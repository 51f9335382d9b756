// Package bridge republishes deliveries arriving on AMQP 1.0 receiver
// links to an upstream AMQP 0.9.1 broker (RabbitMQ). It is an application
// of the engine: the engine speaks 1.0 on the south side, the upstream
// client library speaks 0.9.1 on the north side, and the delivery outcome
// reported to the 1.0 sender reflects the upstream publish result.
package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/BrightOpen/amqp10/pkg/amqp10"
)

// UpstreamConfig configures the upstream broker connection and behavior.
type UpstreamConfig struct {
	// URL is an amqp:// or amqps:// URL without credentials.
	URL         string
	DefaultUser string
	DefaultPass string
	TLSConfig   *tls.Config
	// Exchange receives republished messages; the link's target address
	// becomes the routing key.
	Exchange string
	// ReconnectDelay throttles reconnect attempts. Default 5s.
	ReconnectDelay time.Duration
	// Credit granted to every incoming link. Default 100.
	Credit uint32
}

// PublishHook intercepts deliveries before they are forwarded upstream.
// When handled is true the adapter does not publish; the returned outcome
// is used as the disposition.
type PublishHook func(link *amqp10.ReceiverLink, d *amqp10.Delivery) (handled bool, outcome amqp10.DeliveryState, err error)

// Adapter bridges one upstream broker connection per engine connection.
type Adapter struct {
	cfg         UpstreamConfig
	PublishHook PublishHook
	logger      zerolog.Logger

	mu       sync.Mutex
	sessions map[*amqp10.Conn]*upstreamSession
	// most recently validated SASL credentials, reused upstream. The
	// adapter serves one listener, so concurrent handshakes can race here;
	// losing the race falls back to the defaults.
	lastUser string
	lastPass string
}

// NewAdapter creates an adapter for the given upstream. Credentials
// presented by clients over SASL PLAIN are reused upstream; other
// mechanisms fall back to the configured defaults.
func NewAdapter(cfg UpstreamConfig, logger zerolog.Logger) *Adapter {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Credit == 0 {
		cfg.Credit = 100
	}
	return &Adapter{cfg: cfg, logger: logger, sessions: map[*amqp10.Conn]*upstreamSession{}}
}

// Handlers returns engine handlers that delegate to this adapter.
func (a *Adapter) Handlers() *amqp10.ServerHandlers {
	return &amqp10.ServerHandlers{
		OnReceiver:  a.onReceiver,
		OnConnClose: a.onConnClose,
	}
}

// AuthFunc validates client credentials by opening the upstream
// connection with them. Pass it as Config.Auth.
func (a *Adapter) AuthFunc(mechanism string, response []byte) error {
	user := a.cfg.DefaultUser
	pass := a.cfg.DefaultPass
	if mechanism == "PLAIN" {
		if _, u, p, err := amqp10.ParsePlainResponse(response); err == nil {
			user, pass = u, p
		}
	}
	// verify the credentials work upstream before accepting the client
	conn, err := a.dialUpstream(user, pass)
	if err != nil {
		return fmt.Errorf("upstream connection failed: %w", err)
	}
	conn.Close()
	a.mu.Lock()
	a.lastUser, a.lastPass = user, pass
	a.mu.Unlock()
	return nil
}

func (a *Adapter) dialUpstream(user, pass string) (*amqp091.Connection, error) {
	url := a.cfg.URL
	if user != "" {
		cfg := amqp091.Config{
			SASL: []amqp091.Authentication{&amqp091.PlainAuth{Username: user, Password: pass}},
		}
		if a.cfg.TLSConfig != nil {
			cfg.TLSClientConfig = a.cfg.TLSConfig
		}
		return amqp091.DialConfig(url, cfg)
	}
	if a.cfg.TLSConfig != nil {
		return amqp091.DialTLS(url, a.cfg.TLSConfig)
	}
	return amqp091.Dial(url)
}

type upstreamSession struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	user    string
	pass    string
	lastTry time.Time
}

func (a *Adapter) session(c *amqp10.Conn) *upstreamSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[c]
	if !ok {
		s = &upstreamSession{user: a.lastUser, pass: a.lastPass}
		a.sessions[c] = s
	}
	return s
}

func (a *Adapter) onConnClose(c *amqp10.Conn) {
	a.mu.Lock()
	s := a.sessions[c]
	delete(a.sessions, c)
	a.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	}
}

// channel returns a usable upstream channel, reconnecting if needed and
// throttled by ReconnectDelay.
func (s *upstreamSession) getChannel(a *Adapter) (*amqp091.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil && !s.conn.IsClosed() {
		return s.channel, nil
	}
	if since := time.Since(s.lastTry); since < a.cfg.ReconnectDelay && !s.lastTry.IsZero() {
		return nil, fmt.Errorf("upstream unavailable, retry in %s", a.cfg.ReconnectDelay-since)
	}
	s.lastTry = time.Now()
	conn, err := a.dialUpstream(s.user, s.pass)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.conn = conn
	s.channel = ch
	return ch, nil
}

// onReceiver pumps one incoming link: every reassembled delivery is
// republished upstream and disposed according to the publish result.
func (a *Adapter) onReceiver(sess *amqp10.Session, link *amqp10.ReceiverLink) error {
	if err := link.SetCredit(a.cfg.Credit); err != nil {
		return err
	}
	us := a.session(sess.Conn())
	routingKey := link.Target()
	a.logger.Info().Str("link", link.Name()).Str("routing_key", routingKey).Msg("bridging incoming link")
	for {
		d, err := link.Receive(context.Background())
		if err != nil {
			a.logger.Debug().Err(err).Str("link", link.Name()).Msg("link drained")
			return nil
		}
		outcome, err := a.forward(us, routingKey, link, d)
		if err != nil {
			a.logger.Error().Err(err).Str("link", link.Name()).Msg("upstream publish failed")
		}
		if d.Settled {
			continue
		}
		if err := link.Dispose(d, outcome, true); err != nil {
			a.logger.Debug().Err(err).Msg("dispose failed")
			return nil
		}
	}
}

func (a *Adapter) forward(us *upstreamSession, routingKey string, link *amqp10.ReceiverLink, d *amqp10.Delivery) (amqp10.DeliveryState, error) {
	if a.PublishHook != nil {
		handled, outcome, err := a.PublishHook(link, d)
		if handled {
			return outcome, err
		}
	}
	ch, err := us.getChannel(a)
	if err != nil {
		// indeterminate: the sender may redeliver
		return amqp10.Released{}, err
	}
	err = ch.PublishWithContext(context.Background(), a.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		Body:      d.Payload,
		MessageId: fmt.Sprintf("%x", d.Tag),
	})
	if err != nil {
		us.mu.Lock()
		us.channel = nil
		us.mu.Unlock()
		return amqp10.Released{}, err
	}
	return amqp10.Accepted{}, nil
}
