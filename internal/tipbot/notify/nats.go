package notify

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/encoding/json"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/xerr"
)

// Event 发到 NATS 的消息体
type Event struct {
	UserID  int64             `json:"user_id"`
	Kind    domain.NotifyKind `json:"kind"`
	Payload domain.Payload    `json:"payload"`
	At      time.Time         `json:"at"`
}

// Publisher 每种通知一个 subject：<prefix>.<kind>
type Publisher interface {
	Publish(subj string, data []byte) error
}

type NATS struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("tipbot-service"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "nats connect")
	}
	n := NewNATS(nc, prefix)
	n.conn = nc
	return n, nil
}

func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "tipbot.events"
	}
	return &NATS{pub: pub, prefix: prefix}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Subject(kind domain.NotifyKind) string {
	return n.prefix + "." + strings.ReplaceAll(string(kind), "-", "_")
}

func (n *NATS) Notify(ctx context.Context, userID int64, kind domain.NotifyKind, p domain.Payload) error {
	body, err := json.Marshal(Event{UserID: userID, Kind: kind, Payload: p, At: time.Now().UTC()})
	if err != nil {
		return xerr.Wrap(err, xerr.ServerCommonError, "encode event")
	}
	if err := n.pub.Publish(n.Subject(kind), body); err != nil {
		return xerr.Wrap(err, xerr.TransportError, "nats publish")
	}
	return nil
}

func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
		n.conn.Close()
	}
}
