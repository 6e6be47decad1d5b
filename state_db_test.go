package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	store, err := openStateDB(filepath.Join(t.TempDir(), "state", "fleet.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStateDBDeviceRoundTrip(t *testing.T) {
	store := newTestStore(t)

	dev := Device{
		ID: "d1", UserID: "u1", Name: "rig01",
		Status: deviceStatusActive, HashRate: 12.5, CPUAllocation: 80,
		LastSeen: time.Now(),
	}
	if err := store.UpsertDevice(dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetDevice("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Name != "rig01" || got.Status != deviceStatusActive {
		t.Fatalf("unexpected device: %+v", got)
	}
	if got.CPUAllocation != 80 {
		t.Fatalf("cpu allocation = %v, want 80", got.CPUAllocation)
	}

	_, err = store.GetDevice("ghost")
	if !errors.Is(err, errNotFound) {
		t.Fatalf("missing device error = %v, want errNotFound", err)
	}
}

func TestStateDBDevicePatch(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertDevice(Device{ID: "d1", UserID: "u1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.UpdateDevice("d1", DevicePatch{Status: stringPtr(deviceStatusPaused)}); err != nil {
		t.Fatalf("patch status: %v", err)
	}
	if err := store.UpdateDevice("d1", DevicePatch{HashRate: float64Ptr(42)}); err != nil {
		t.Fatalf("patch hashrate: %v", err)
	}

	got, err := store.GetDevice("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != deviceStatusPaused || got.HashRate != 42 {
		t.Fatalf("patches not applied: %+v", got)
	}
	if got.LastSeen.IsZero() {
		t.Fatal("patch must bump last seen")
	}
}

// Re-seeding a device from config must not clobber its runtime status or
// hashrate.
func TestStateDBDeviceUpsertPreservesRuntimeState(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertDevice(Device{ID: "d1", UserID: "u1", Name: "rig01", CPUAllocation: 100}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpdateDevice("d1", DevicePatch{
		Status: stringPtr(deviceStatusPaused), HashRate: float64Ptr(9),
	}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	if err := store.UpsertDevice(Device{ID: "d1", UserID: "u1", Name: "renamed", CPUAllocation: 50}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := store.GetDevice("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "renamed" || got.CPUAllocation != 50 {
		t.Fatalf("config fields not updated: %+v", got)
	}
	if got.Status != deviceStatusPaused || got.HashRate != 9 {
		t.Fatalf("runtime fields clobbered: %+v", got)
	}
}

func TestStateDBPoolRoundTrip(t *testing.T) {
	store := newTestStore(t)
	pool := Pool{
		ID: "p1", Name: "alpha", URL: "pool:3333",
		Algo: AlgoRandomX, Kind: PoolDirectBTC, BTCPrefixed: true, Referral: "house",
	}
	if err := store.UpsertPool(pool); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.GetPool("p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *got != pool {
		t.Fatalf("got %+v, want %+v", *got, pool)
	}
	if _, err := store.GetPool("ghost"); !errors.Is(err, errNotFound) {
		t.Fatalf("missing pool error = %v, want errNotFound", err)
	}
}

func TestStateDBSettings(t *testing.T) {
	store := newTestStore(t)

	settings, err := store.GetSettings()
	if err != nil {
		t.Fatalf("get defaults: %v", err)
	}
	if settings.MiningEnabled || settings.ActivePoolID != "" {
		t.Fatalf("fresh settings not zero: %+v", settings)
	}

	if err := store.UpdateSettings(SettingsPatch{MiningEnabled: boolPtr(true)}); err != nil {
		t.Fatalf("patch enabled: %v", err)
	}
	if err := store.UpdateSettings(SettingsPatch{ActivePoolID: stringPtr("p1")}); err != nil {
		t.Fatalf("patch pool: %v", err)
	}

	settings, err = store.GetSettings()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !settings.MiningEnabled || settings.ActivePoolID != "p1" {
		t.Fatalf("partial patches lost fields: %+v", settings)
	}
}

func TestStateDBListDevices(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"d1", "d2", "d3"} {
		if err := store.UpsertDevice(Device{ID: id, UserID: "u1"}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	devices, err := store.ListDevices()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("devices = %d, want 3", len(devices))
	}
}

func TestStateDBSaveMiningStats(t *testing.T) {
	store := newTestStore(t)
	record := MiningStatsRecord{
		UserID: "u1", TotalHashRate: 30, EstimatedEarning: 30 * estimatedRewardPerHash,
		ActiveDevices: 2, PowerConsumption: 0.2, RecordedAt: time.Now(),
	}
	if err := store.SaveMiningStats(record); err != nil {
		t.Fatalf("save: %v", err)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM mining_stats WHERE user_id = 'u1'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("stats rows = %d, want 1", count)
	}
}

func TestStateDBUserRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertUser(User{ID: "u1", Wallet: "bc1qwallet", Worker: "rig"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.GetUser("u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Wallet != "bc1qwallet" || got.Worker != "rig" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if _, err := store.GetUser("ghost"); !errors.Is(err, errNotFound) {
		t.Fatalf("missing user error = %v, want errNotFound", err)
	}
}
