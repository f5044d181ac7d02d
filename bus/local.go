package bus

import (
	"context"
	"log"
	"sync"
)

// envelope is one queued delivery for a subscription's worker goroutine.
type envelope struct {
	ctx     context.Context
	subject string
	payload []byte
	headers Headers
}

// subscriber owns one goroutine draining its own channel, which is what
// gives single-threaded-per-subscription delivery: two publishes to the
// same subject are handled one at a time, in publish order, but
// subscriptions on different subjects run concurrently.
type subscriber struct {
	id      uint64
	subject string
	handler Handler
	queue   chan envelope
	done    chan struct{}
}

func (s *subscriber) run() {
	for env := range s.queue {
		s.handler(env.ctx, env.subject, env.payload, env.headers)
	}
	close(s.done)
}

// LocalRouter is an in-process pub/sub router for tests and for running
// without NATS_URL configured. Grounded on the register/unregister/
// broadcast channel-loop shape of the teacher's WebSocket metrics hub,
// generalized from one fixed broadcast ticker to arbitrary publish calls
// on arbitrary subjects.
type LocalRouter struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	nextID uint64
	closed bool
}

// NewLocalRouter returns a ready-to-use in-memory router.
func NewLocalRouter() *LocalRouter {
	return &LocalRouter{subs: make(map[string][]*subscriber)}
}

// Publish fans payload out to every current subscriber of subject. Each
// subscriber receives it on its own queue so a slow handler on one
// subscription never blocks another.
func (r *LocalRouter) Publish(ctx context.Context, subject string, payload []byte, headers Headers) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	targets := append([]*subscriber(nil), r.subs[subject]...)
	r.mu.RUnlock()

	env := envelope{ctx: ctx, subject: subject, payload: payload, headers: headers}
	for _, s := range targets {
		select {
		case s.queue <- env:
		default:
			log.Printf("bus: subscriber queue full on %s, dropping message", subject)
		}
	}
	return nil
}

type localSubscription struct {
	router  *LocalRouter
	subject string
	sub     *subscriber
}

func (s *localSubscription) Unsubscribe() error {
	return s.router.unsubscribe(s.subject, s.sub)
}

// Subscribe registers h on subject and starts its dedicated worker
// goroutine.
func (r *LocalRouter) Subscribe(subject string, h Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	r.nextID++
	s := &subscriber{
		id:      r.nextID,
		subject: subject,
		handler: h,
		queue:   make(chan envelope, 64),
		done:    make(chan struct{}),
	}
	r.subs[subject] = append(r.subs[subject], s)
	go s.run()

	return &localSubscription{router: r, subject: subject, sub: s}, nil
}

func (r *LocalRouter) unsubscribe(subject string, target *subscriber) error {
	r.mu.Lock()
	list := r.subs[subject]
	for i, s := range list {
		if s == target {
			r.subs[subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	close(target.queue)
	<-target.done
	return nil
}

// Close unsubscribes every subscriber and stops accepting new traffic.
func (r *LocalRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := r.subs
	r.subs = make(map[string][]*subscriber)
	r.mu.Unlock()

	for _, list := range all {
		for _, s := range list {
			close(s.queue)
			<-s.done
		}
	}
	return nil
}
