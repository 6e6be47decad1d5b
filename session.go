package main

import (
	"context"
	"time"
)

// poolConn is the slice of PoolClient the orchestrator depends on; tests
// substitute a fake.
type poolConn interface {
	Connect(ctx context.Context) error
	Disconnect()
	Close()
	IsConnected() bool
	SubmitShare(ctx context.Context, p ShareParams) error
	Events() <-chan clientEvent
}

type clientFactory func(pool Pool, username, password string) poolConn

func defaultClientFactory(pool Pool, username, password string) poolConn {
	return NewPoolClient(pool, username, password)
}

// Session pairs one mining device with one pool client. Exactly one client
// exists per session at any time; switching pools swaps the client but
// keeps the share counters and the active flag. All fields are guarded by
// the orchestrator's registry lock.
type Session struct {
	DeviceID      string
	UserID        string
	Pool          Pool
	Wallet        string
	Worker        string
	CPUAllocation float64

	client   poolConn
	active   bool
	hashRate float64
	lastSeen time.Time
	accepted uint64
	rejected uint64

	// pumpDone closes when the event pump for the current client exits.
	pumpDone chan struct{}
}

// SessionSnapshot is the read-only view handed to the status server.
type SessionSnapshot struct {
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
	PoolID    string    `json:"pool_id"`
	Worker    string    `json:"worker"`
	Active    bool      `json:"active"`
	Connected bool      `json:"connected"`
	HashRate  float64   `json:"hash_rate"`
	Accepted  uint64    `json:"accepted"`
	Rejected  uint64    `json:"rejected"`
	LastSeen  time.Time `json:"last_seen"`
}

// MiningState is the synchronous fleet snapshot.
type MiningState struct {
	Enabled           bool    `json:"enabled"`
	TotalHashRate     float64 `json:"total_hash_rate"`
	ActiveDevices     int     `json:"active_devices"`
	EstimatedEarnings float64 `json:"estimated_earnings"`
}
