package main

import "errors"

// Store is the persistence collaborator the orchestrator talks to. The
// orchestrator never assumes anything about the backing format; the shipped
// implementation is SQLite (state_db.go) and tests use an in-memory fake.
type Store interface {
	GetDevice(id string) (*Device, error)
	GetUser(id string) (*User, error)
	GetPool(id string) (*Pool, error)
	GetSettings() (*Settings, error)
	ListDevices() ([]*Device, error)
	UpdateDevice(id string, patch DevicePatch) error
	UpdateSettings(patch SettingsPatch) error
	SaveMiningStats(record MiningStatsRecord) error
}

// DevicePatch carries the mutable device fields; nil means unchanged.
type DevicePatch struct {
	Status   *string
	HashRate *float64
}

// SettingsPatch carries the mutable settings fields; nil means unchanged.
type SettingsPatch struct {
	MiningEnabled *bool
	ActivePoolID  *string
}

var errNotFound = errors.New("not found")

func boolPtr(v bool) *bool          { return &v }
func stringPtr(v string) *string    { return &v }
func float64Ptr(v float64) *float64 { return &v }
