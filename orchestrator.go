package main

import (
	"context"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// eventPublisher receives session lifecycle and share events for external
// consumers. The shipped implementation is the ZMQ feed (event_feed.go).
type eventPublisher interface {
	Publish(topic string, payload any)
}

// fleetNotifier is poked for durable, human-relevant conditions only.
type fleetNotifier interface {
	NotifyPoolUnreachable(poolName, deviceID string)
	NotifyMiningToggled(enabled bool)
}

// Orchestrator owns the device→session registry and every client's event
// pump. The registry is mutated only by orchestrator operations and by the
// pumps the orchestrator itself starts; clients never reach into it.
type Orchestrator struct {
	store    Store
	metrics  *FleetMetrics
	feed     eventPublisher
	notifier fleetNotifier

	newClient  clientFactory
	powerModel PowerModel

	mu       sync.Mutex
	sessions map[string]*Session
	enabled  bool

	statsInterval time.Duration
	statsCancel   context.CancelFunc
	statsWg       sync.WaitGroup
}

type OrchestratorOptions struct {
	Metrics       *FleetMetrics
	Feed          eventPublisher
	Notifier      fleetNotifier
	ClientFactory clientFactory
	PowerModel    PowerModel
	StatsInterval time.Duration
}

func NewOrchestrator(store Store, opts OrchestratorOptions) *Orchestrator {
	if opts.ClientFactory == nil {
		opts.ClientFactory = defaultClientFactory
	}
	if opts.PowerModel == nil {
		opts.PowerModel = linearPowerModel(defaultPowerKWHPerFullCPU)
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = defaultStatsInterval
	}
	return &Orchestrator{
		store:         store,
		metrics:       opts.Metrics,
		feed:          opts.Feed,
		notifier:      opts.Notifier,
		newClient:     opts.ClientFactory,
		powerModel:    opts.PowerModel,
		sessions:      make(map[string]*Session),
		statsInterval: opts.StatsInterval,
	}
}

// Start restores the persisted enabled flag, registers every stored device,
// and kicks off the stats aggregator.
func (o *Orchestrator) Start(ctx context.Context) error {
	settings, err := o.store.GetSettings()
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.enabled = settings.MiningEnabled
	o.mu.Unlock()

	devices, err := o.store.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if !o.RegisterDevice(d.ID, d.UserID) {
			logger.Warn("startup device registration failed", "device", d.ID)
		}
	}

	statsCtx, cancel := context.WithCancel(ctx)
	o.statsCancel = cancel
	o.statsWg.Add(1)
	go func() {
		defer o.statsWg.Done()
		o.runStatsLoop(statsCtx)
	}()

	logger.Info("orchestrator started", "devices", len(devices), "mining_enabled", settings.MiningEnabled)
	return nil
}

// Stop disconnects every session and stops the aggregator.
func (o *Orchestrator) Stop() {
	if o.statsCancel != nil {
		o.statsCancel()
	}
	o.statsWg.Wait()

	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.sessions = make(map[string]*Session)
	o.mu.Unlock()

	for _, s := range sessions {
		s.client.Close()
		<-s.pumpDone
	}
	logger.Info("orchestrator stopped", "sessions", len(sessions))
}

// RegisterDevice builds a session for the device and, when mining is
// enabled and the device isn't paused, connects it. Expected failures
// (unknown device, user, or pool) come back as false, never a panic.
func (o *Orchestrator) RegisterDevice(deviceID, userID string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("register device panic recovered", "device", deviceID, "panic", r)
			ok = false
		}
	}()

	device, err := o.store.GetDevice(deviceID)
	if err != nil {
		logger.Warn("register device: device lookup failed", "device", deviceID, "error", err)
		return false
	}
	user, err := o.store.GetUser(userID)
	if err != nil {
		logger.Warn("register device: user lookup failed", "user", userID, "error", err)
		return false
	}
	settings, err := o.store.GetSettings()
	if err != nil {
		logger.Warn("register device: settings lookup failed", "error", err)
		return false
	}
	pool, err := o.store.GetPool(settings.ActivePoolID)
	if err != nil {
		logger.Warn("register device: active pool lookup failed",
			"pool", settings.ActivePoolID, "error", err)
		return false
	}

	worker := sanitizeWorkerName(device.Name)
	if worker == "" {
		worker = user.Worker
	}
	if worker == "" {
		worker = workerNameGenerator()
	}

	if pool.Kind == PoolDirectBTC {
		if err := validatePayoutWallet(user.Wallet); err != nil {
			logger.Warn("payout wallet failed local validation; pool may refuse it",
				"user", user.ID, "error", err)
		}
	}

	session := &Session{
		DeviceID:      device.ID,
		UserID:        user.ID,
		Pool:          *pool,
		Wallet:        user.Wallet,
		Worker:        worker,
		CPUAllocation: device.CPUAllocation,
		active:        device.Status != deviceStatusPaused,
		hashRate:      device.HashRate,
		lastSeen:      time.Now(),
	}
	o.attachClient(session, *pool)

	o.mu.Lock()
	if old, exists := o.sessions[deviceID]; exists {
		o.mu.Unlock()
		old.client.Close()
		o.mu.Lock()
	}
	o.sessions[deviceID] = session
	enabled := o.enabled
	shouldConnect := enabled && session.active
	client := session.client
	o.mu.Unlock()

	o.publish("session.registered", map[string]any{
		"device": deviceID, "user": userID, "pool": pool.ID,
		"worker_fp": workerFingerprint(worker),
	})
	logger.Info("device registered", "device", deviceID, "user", userID,
		"pool", pool.Name, "worker", worker, "active", session.active)

	if shouldConnect {
		go o.connectClient(client, deviceID)
	}
	return true
}

// attachClient builds a fresh client for the pool and starts its event
// pump. The caller must hold o.mu or be the sole owner of s.
func (o *Orchestrator) attachClient(s *Session, pool Pool) {
	username, password := poolCredentials(pool, s.Wallet, s.Worker, "")
	client := o.newClient(pool, username, password)
	s.Pool = pool
	s.client = client
	s.pumpDone = make(chan struct{})
	go o.pumpEvents(s, client)
}

func (o *Orchestrator) connectClient(client poolConn, deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), stratumWriteTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		logger.Warn("initial connect failed; reconnect loop takes over",
			"device", deviceID, "error", err)
	}
}

// UnregisterDevice disconnects and removes the session.
func (o *Orchestrator) UnregisterDevice(deviceID string) bool {
	o.mu.Lock()
	session, ok := o.sessions[deviceID]
	if ok {
		delete(o.sessions, deviceID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	session.client.Close()
	<-session.pumpDone
	o.publish("session.unregistered", map[string]any{"device": deviceID})
	logger.Info("device unregistered", "device", deviceID)
	return true
}

// ActivateDevice marks the session active, persists the device status, and
// connects the client when mining is globally enabled. Already-active
// sessions are a no-op that still reports success.
func (o *Orchestrator) ActivateDevice(deviceID string) bool {
	o.mu.Lock()
	session, ok := o.sessions[deviceID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	if session.active {
		o.mu.Unlock()
		return true
	}
	session.active = true
	enabled := o.enabled
	client := session.client
	o.mu.Unlock()

	if err := o.store.UpdateDevice(deviceID, DevicePatch{Status: stringPtr(deviceStatusActive)}); err != nil {
		logger.Error("persist device status failed", "device", deviceID, "error", err)
	}
	if enabled && !client.IsConnected() {
		go o.connectClient(client, deviceID)
	}
	logger.Info("device activated", "device", deviceID)
	return true
}

// DeactivateDevice marks the session inactive, persists the paused status,
// and disconnects the client.
func (o *Orchestrator) DeactivateDevice(deviceID string) bool {
	o.mu.Lock()
	session, ok := o.sessions[deviceID]
	if !ok {
		o.mu.Unlock()
		return false
	}
	if !session.active {
		o.mu.Unlock()
		return true
	}
	session.active = false
	client := session.client
	o.mu.Unlock()

	if err := o.store.UpdateDevice(deviceID, DevicePatch{Status: stringPtr(deviceStatusPaused)}); err != nil {
		logger.Error("persist device status failed", "device", deviceID, "error", err)
	}
	client.Disconnect()
	logger.Info("device deactivated", "device", deviceID)
	return true
}

// ToggleMining flips the fleet-wide enabled flag, persists it, and brings
// sessions up or down. The per-session active flag is preserved so that
// re-enabling reactivates exactly the sessions whose device was active.
func (o *Orchestrator) ToggleMining(enabled bool) bool {
	o.mu.Lock()
	o.enabled = enabled
	type target struct {
		deviceID string
		client   poolConn
		active   bool
	}
	targets := make([]target, 0, len(o.sessions))
	for id, s := range o.sessions {
		targets = append(targets, target{deviceID: id, client: s.client, active: s.active})
	}
	o.mu.Unlock()

	if err := o.store.UpdateSettings(SettingsPatch{MiningEnabled: boolPtr(enabled)}); err != nil {
		logger.Error("persist mining toggle failed", "error", err)
	}

	for _, t := range targets {
		if enabled {
			if t.active && !t.client.IsConnected() {
				go o.connectClient(t.client, t.deviceID)
			}
		} else {
			t.client.Disconnect()
		}
	}

	if o.notifier != nil {
		o.notifier.NotifyMiningToggled(enabled)
	}
	o.publish("fleet.mining_toggled", map[string]any{"enabled": enabled})
	logger.Info("mining toggled", "enabled", enabled, "sessions", len(targets))
	return true
}

// SwitchPool moves every session to the given pool: each session gets a
// fresh client while keeping its accepted/rejected counters and active
// flag. Only previously-active sessions reconnect, and only while mining is
// enabled. Reconnect fanout is bounded so a large fleet doesn't dial the
// new pool all at once.
func (o *Orchestrator) SwitchPool(poolID string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("switch pool panic recovered", "pool", poolID, "panic", r)
			ok = false
		}
	}()

	pool, err := o.store.GetPool(poolID)
	if err != nil {
		logger.Warn("switch pool: lookup failed", "pool", poolID, "error", err)
		return false
	}
	if err := o.store.UpdateSettings(SettingsPatch{ActivePoolID: stringPtr(poolID)}); err != nil {
		logger.Error("persist active pool failed", "pool", poolID, "error", err)
	}

	o.mu.Lock()
	enabled := o.enabled
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	swg := sizedwaitgroup.New(switchPoolFanout)
	for _, s := range sessions {
		o.mu.Lock()
		oldClient := s.client
		oldPump := s.pumpDone
		o.mu.Unlock()

		oldClient.Close()
		<-oldPump

		o.mu.Lock()
		o.attachClient(s, *pool)
		shouldConnect := enabled && s.active
		client := s.client
		deviceID := s.DeviceID
		o.mu.Unlock()

		if shouldConnect {
			swg.Add()
			go func() {
				defer swg.Done()
				o.connectClient(client, deviceID)
			}()
		}
	}
	swg.Wait()

	o.publish("fleet.pool_switched", map[string]any{"pool": poolID, "sessions": len(sessions)})
	logger.Info("pool switched", "pool", pool.Name, "sessions", len(sessions))
	return true
}

// SetDeviceHashRate records a device's self-reported hashrate and persists
// it.
func (o *Orchestrator) SetDeviceHashRate(deviceID string, rate float64) bool {
	o.mu.Lock()
	session, ok := o.sessions[deviceID]
	if ok {
		session.hashRate = rate
		session.lastSeen = time.Now()
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	if err := o.store.UpdateDevice(deviceID, DevicePatch{HashRate: float64Ptr(rate)}); err != nil {
		logger.Error("persist device hashrate failed", "device", deviceID, "error", err)
	}
	return true
}

// MiningState sums the active sessions at call time.
func (o *Orchestrator) MiningState() MiningState {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := MiningState{Enabled: o.enabled}
	for _, s := range o.sessions {
		if !s.active {
			continue
		}
		state.ActiveDevices++
		state.TotalHashRate += s.hashRate
	}
	state.EstimatedEarnings = state.TotalHashRate * estimatedRewardPerHash
	return state
}

// SessionSnapshots returns a point-in-time copy of every session for the
// status surface.
func (o *Orchestrator) SessionSnapshots() []SessionSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, SessionSnapshot{
			DeviceID:  s.DeviceID,
			UserID:    s.UserID,
			PoolID:    s.Pool.ID,
			Worker:    s.Worker,
			Active:    s.active,
			Connected: s.client.IsConnected(),
			HashRate:  s.hashRate,
			Accepted:  s.accepted,
			Rejected:  s.rejected,
			LastSeen:  s.lastSeen,
		})
	}
	return out
}

// pumpEvents consumes one client's event channel for the life of that
// client. Events for a session arrive in socket order; only the bookkeeping
// kinds mutate session state.
func (o *Orchestrator) pumpEvents(s *Session, client poolConn) {
	defer close(s.pumpDone)
	for evt := range client.Events() {
		switch evt.Kind {
		case eventAuthorized:
			o.mu.Lock()
			if s.active {
				s.lastSeen = time.Now()
			}
			o.mu.Unlock()
			o.metrics.RecordReconnect()
			o.publish("session.authorized", map[string]any{"device": s.DeviceID, "pool": s.Pool.ID})
		case eventShareAccepted:
			o.mu.Lock()
			s.accepted++
			s.lastSeen = time.Now()
			o.mu.Unlock()
			o.metrics.RecordShareAccepted()
			o.publish("share.accepted", map[string]any{"device": s.DeviceID, "job": evt.JobID})
		case eventShareRejected:
			reason := ""
			if evt.Err != nil {
				reason = evt.Err.Error()
			}
			o.mu.Lock()
			s.rejected++
			s.lastSeen = time.Now()
			o.mu.Unlock()
			o.metrics.RecordShareRejected(reason)
			o.publish("share.rejected", map[string]any{
				"device": s.DeviceID, "job": evt.JobID, "reason": reason,
			})
		case eventJob:
			o.mu.Lock()
			s.lastSeen = time.Now()
			o.mu.Unlock()
			if debugLogging {
				logger.Debug("job received", "device", s.DeviceID, "job", evt.JobID)
			}
			o.publish("session.job", map[string]any{"device": s.DeviceID, "job": evt.JobID})
		case eventDifficulty:
			if debugLogging {
				logger.Debug("difficulty set", "device", s.DeviceID, "difficulty", evt.Difficulty)
			}
			o.publish("session.difficulty", map[string]any{
				"device": s.DeviceID, "difficulty": evt.Difficulty,
			})
		case eventDisconnected:
			o.metrics.RecordDisconnect()
		case eventMessage:
			logger.Info("pool message for session", "device", s.DeviceID, "text", evt.Text)
		case eventError:
			o.metrics.RecordErrorEvent("session", evt.Err.Error(), time.Now())
		case eventReconnectFailed:
			o.metrics.RecordErrorEvent("session",
				"pool unreachable for device "+s.DeviceID, time.Now())
			o.publish("session.pool_unreachable", map[string]any{
				"device": s.DeviceID, "pool": s.Pool.ID,
			})
			if o.notifier != nil {
				o.notifier.NotifyPoolUnreachable(s.Pool.Name, s.DeviceID)
			}
		}
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.feed == nil {
		return
	}
	o.feed.Publish(topic, payload)
}
