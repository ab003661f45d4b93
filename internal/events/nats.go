package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/config"
)

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	server *natsserver.Server
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership
// of nc unless the publisher created it.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "sentinel"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event of kind is published on.
func (p *NATSPublisher) Subject(session string, kind Kind) string {
	return Subject(p.prefix, session, kind)
}

// Subject builds {prefix}.{session}.{kind}. Dots and wildcards in the
// session id are replaced so it stays a single token.
func Subject(prefix, session string, kind Kind) string {
	if session == "" {
		session = "unknown"
	}
	session = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(session)
	return fmt.Sprintf("%s.%s.%s", prefix, session, kind)
}

// Publish marshals payload to JSON and publishes it.
func (p *NATSPublisher) Publish(_ context.Context, session string, kind Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	if err := p.conn.Publish(p.Subject(session, kind), data); err != nil {
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection, then the
// embedded server if one was started.
func (p *NATSPublisher) Close() error {
	var errs []error
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		p.conn.Close()
	}
	if p.server != nil {
		p.server.Shutdown()
		p.server.WaitForShutdown()
	}
	return errors.Join(errs...)
}

// StartEmbeddedServer runs an in-process NATS server on a random local
// port.
func StartEmbeddedServer() (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}
	return srv, nil
}

// New builds the publisher described by cfg: Nop when events are
// disabled, otherwise a NATS publisher connected to cfg.URL or to an
// embedded server.
func New(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var srv *natsserver.Server
	url := cfg.URL
	if cfg.Embedded {
		var err error
		srv, err = StartEmbeddedServer()
		if err != nil {
			return nil, err
		}
		url = srv.ClientURL()
	}

	opts := []nats.Option{
		nats.Name("sentinel"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.server = srv
	logger.Info("publishing events", zap.String("url", url), zap.String("prefix", p.prefix), zap.Bool("embedded", srv != nil))
	return p, nil
}
