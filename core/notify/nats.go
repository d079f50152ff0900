package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"berkut-incidents/config"
	"berkut-incidents/core/utils"
)

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSGateway publishes JSON events on <prefix>.<store>.<type>.
type NATSGateway struct {
	conn   natsPublisher
	nc     *nats.Conn
	prefix string
}

func ConnectNATS(cfg config.NATSConfig, logger *utils.Logger) (*NATSGateway, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Printf("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	g := newNATSGateway(nc, cfg.SubjectPrefix)
	g.nc = nc
	return g, nil
}

func newNATSGateway(conn natsPublisher, prefix string) *NATSGateway {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "berkut.incidents"
	}
	return &NATSGateway{conn: conn, prefix: prefix}
}

func (g *NATSGateway) Publish(_ context.Context, storeID string, ev Event) error {
	ev.StoreID = storeID
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return g.conn.Publish(g.Subject(storeID, ev.Type), payload)
}

func (g *NATSGateway) Subject(storeID, eventType string) string {
	return g.prefix + "." + subjectToken(storeID) + "." + strings.Trim(eventType, ".")
}

// Close drains pending publications before closing the connection.
func (g *NATSGateway) Close() error {
	if g == nil || g.nc == nil {
		return nil
	}
	return g.nc.Drain()
}

func subjectToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, raw)
}
