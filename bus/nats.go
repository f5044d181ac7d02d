package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// headerPrefix is prepended to every Headers key when it is carried as a
// NATS message header; Headers maps travel as plain key/value pairs via
// nats.Msg.Header, which already models a key/value mapping, so no extra
// envelope type is needed on top of it.
const headerPrefix = "imn-"

// NATSRouter is the distributed pub/sub transport. nats.Subscribe already
// invokes a subscription's callback from a single dedicated goroutine, so
// single-threaded-per-subscription delivery is the library's default
// behavior rather than something this wrapper has to build.
type NATSRouter struct {
	conn *nats.Conn
}

// DialNATS connects to url and returns a ready Router.
func DialNATS(url string) (*NATSRouter, error) {
	conn, err := nats.Connect(url, nats.Name("imn"))
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats at %s: %w", url, err)
	}
	return &NATSRouter{conn: conn}, nil
}

func (r *NATSRouter) Publish(ctx context.Context, subject string, payload []byte, headers Headers) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(headerPrefix+k, v)
	}
	return r.conn.PublishMsg(msg)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (r *NATSRouter) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		headers := make(Headers, len(msg.Header))
		for k, v := range msg.Header {
			if len(v) == 0 {
				continue
			}
			headers[trimHeaderPrefix(k)] = v[0]
		}
		h(context.Background(), msg.Subject, msg.Data, headers)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (r *NATSRouter) Close() error {
	r.conn.Close()
	return nil
}

func trimHeaderPrefix(k string) string {
	if len(k) > len(headerPrefix) && k[:len(headerPrefix)] == headerPrefix {
		return k[len(headerPrefix):]
	}
	return k
}
