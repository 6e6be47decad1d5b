package main

import "time"

// AlgoFamily selects the Stratum dialect a pool speaks. It decides the
// subscribe parameters and the mining.submit parameter layout.
type AlgoFamily string

const (
	AlgoSHA256  AlgoFamily = "sha256"
	AlgoRandomX AlgoFamily = "randomx"
)

// PoolKind captures per-pool username quirks.
type PoolKind string

const (
	// PoolStandard pools take the plain wallet.worker username.
	PoolStandard PoolKind = "standard"
	// PoolReferral pools encode a referral code after a '#' delimiter.
	PoolReferral PoolKind = "referral"
	// PoolDirectBTC pools pay straight to a BTC wallet; the wallet replaces
	// the configured username entirely.
	PoolDirectBTC PoolKind = "direct_btc"
)

// Pool is immutable for the lifetime of a session. Switching pools hands
// every session a fresh Pool reference and a fresh client.
type Pool struct {
	ID       string
	Name     string
	URL      string
	Algo     AlgoFamily
	Kind     PoolKind
	Username string
	Password string
	// BTCPrefixed marks the direct-payout variant that wants "btc=<wallet>"
	// instead of the bare wallet.
	BTCPrefixed bool
	Referral    string
}

// Device is the storage collaborator's view of one mining machine.
type Device struct {
	ID            string
	UserID        string
	Name          string
	Status        string // "active" or "paused"
	HashRate      float64
	CPUAllocation float64 // percent, 0-100
	LastSeen      time.Time
}

// User carries the wallet the fleet mines toward.
type User struct {
	ID     string
	Wallet string
	Worker string
}

// Settings is the persisted fleet-wide state.
type Settings struct {
	MiningEnabled bool
	ActivePoolID  string
}

// MiningStatsRecord is one per-user rollup produced by a stats tick.
type MiningStatsRecord struct {
	UserID           string
	TotalHashRate    float64
	EstimatedEarning float64
	ActiveDevices    int
	PowerConsumption float64
	RecordedAt       time.Time
}

const (
	deviceStatusActive = "active"
	deviceStatusPaused = "paused"
)
