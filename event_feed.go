package main

import (
	"sync"
	"time"

	"github.com/pebbe/zmq4"
)

// eventFeed publishes fleet events on a ZMQ PUB socket so external tooling
// (dashboards, alerting) can follow sessions without polling the status
// server. Publishing is fire-and-forget: a missing subscriber never blocks
// the orchestrator.
type eventFeed struct {
	addr string

	mu     sync.Mutex
	sock   *zmq4.Socket
	closed bool
}

type feedEnvelope struct {
	Topic   string `json:"topic"`
	At      int64  `json:"at"`
	Payload any    `json:"payload"`
}

func newEventFeed(addr string) (*eventFeed, error) {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	// PUB drops rather than queues when nobody reads fast enough.
	if err := sock.SetSndhwm(1000); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Bind(addr); err != nil {
		_ = sock.Close()
		return nil, err
	}
	logger.Info("event feed listening", "addr", addr)
	return &eventFeed{addr: addr, sock: sock}, nil
}

func (f *eventFeed) Publish(topic string, payload any) {
	if f == nil {
		return
	}
	body, err := fastJSONMarshal(feedEnvelope{
		Topic:   topic,
		At:      time.Now().Unix(),
		Payload: payload,
	})
	if err != nil {
		logger.Warn("event feed marshal failed", "topic", topic, "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.sock == nil {
		return
	}
	if _, err := f.sock.SendMessageDontwait(topic, body); err != nil {
		// EAGAIN here means the HWM is full; drop quietly.
		if debugLogging {
			logger.Debug("event feed send failed", "topic", topic, "error", err)
		}
	}
}

func (f *eventFeed) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.sock != nil {
		_ = f.sock.Close()
		f.sock = nil
	}
}
