// Package bus fans session updates out over NATS so that processes other
// than the HTTP control plane (recorders, dashboards, bots) can follow a
// live session.
//
// Every [session.Update] is published as JSON on
//
//	<prefix>.<session_id>.<kind>
//
// where kind is "state", "fragment" or "turn". Subscribers that want every
// session use "<prefix>.>" or "<prefix>.*.turn".
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/livevox/internal/session"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "livevox.session"

// Config holds the NATS connection settings.
type Config struct {
	// Servers lists NATS URLs. Required.
	Servers []string

	// SubjectPrefix prefixes every published subject.
	SubjectPrefix string

	// ConnectTimeout bounds the initial dial. Default: 2s.
	ConnectTimeout time.Duration

	Username string
	Password string
	Token    string
}

// Publisher publishes session updates to NATS. It is safe for concurrent use.
type Publisher struct {
	conn   *nats.Conn
	prefix string

	closeOnce sync.Once
}

// Connect dials NATS. ctx bounds the dial in addition to ConnectTimeout.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	opts := []nats.Option{
		nats.Name("livevox"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("bus: reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", url, err)
	}

	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	slog.Info("bus: connected to NATS", "url", conn.ConnectedUrl(), "prefix", prefix)
	return &Publisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject an update is published on.
func (p *Publisher) Subject(u session.Update) string {
	id := u.SessionID
	if id == "" {
		id = "none"
	}
	return p.prefix + "." + id + "." + string(u.Kind)
}

// Publish sends u. It does not wait for the server to acknowledge.
func (p *Publisher) Publish(u session.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("bus: marshal update: %w", err)
	}
	if err := p.conn.Publish(p.Subject(u), data); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Listener adapts Publish to a [session.Listener]. Failures are logged and
// never reach the session.
func (p *Publisher) Listener() session.Listener {
	return func(u session.Update) {
		if err := p.Publish(u); err != nil {
			slog.Debug("bus: dropping update", "kind", u.Kind, "session_id", u.SessionID, "err", err)
		}
	}
}

// Healthy reports whether the connection is currently established.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Check adapts Healthy to a readiness check.
func (p *Publisher) Check(context.Context) error {
	if !p.Healthy() {
		return fmt.Errorf("bus: not connected (status %s)", p.conn.Status())
	}
	return nil
}

// Close flushes pending publishes and closes the connection. Safe to call
// more than once.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if derr := p.conn.Drain(); derr != nil && !errors.Is(derr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("bus: drain: %w", derr)
		}
		p.conn.Close()
	})
	return err
}
