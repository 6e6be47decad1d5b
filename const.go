package main

import "time"

const (
	clientVersionString = "goFleet/1.0"

	maxStratumMessageSize = 64 * 1024
	stratumWriteTimeout   = 60 * time.Second

	// pendingRequestTimeout bounds how long a submitted request may wait for
	// the pool to answer. A pool that silently drops a response would
	// otherwise leave the waiter pending forever.
	pendingRequestTimeout = 30 * time.Second

	// Reconnect policy: exponential backoff starting at one second, doubling
	// per attempt, capped, and abandoned after the attempt limit. The attempt
	// counter resets on any successful reconnect.
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
	maxReconnectAttempts  = 10

	clientEventBuffer = 256

	defaultStatsInterval = 60 * time.Second

	// estimatedRewardPerHash converts summed session hashrate into the
	// earnings figure shown to users. A heuristic, not an accounting value.
	estimatedRewardPerHash = 0.00000015

	// defaultPowerKWHPerFullCPU feeds the linear power model: a device at
	// 100% CPU allocation is charged this many kWh per stats tick.
	defaultPowerKWHPerFullCPU = 0.1

	maxWorkerNameLen = 256

	// switchPoolFanout bounds how many sessions reconnect concurrently when
	// the fleet moves to a new pool, so a switch doesn't open hundreds of
	// sockets in the same instant.
	switchPoolFanout = 16
)
