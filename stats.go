package main

import (
	"context"
	"time"
)

// PowerModel estimates kWh drawn by one device from its CPU allocation
// percentage. The default is a stated heuristic, not a calibrated model, so
// it is injectable rather than baked in.
type PowerModel func(cpuAllocation float64) float64

func linearPowerModel(kwhPerFullCPU float64) PowerModel {
	return func(cpuAllocation float64) float64 {
		if cpuAllocation < 0 {
			cpuAllocation = 0
		}
		return cpuAllocation / 100 * kwhPerFullCPU
	}
}

// userRollup accumulates one user's totals during a tick.
type userRollup struct {
	totalHashRate float64
	activeDevices int
	power         float64
}

func (o *Orchestrator) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(o.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.statsTick(time.Now())
		}
	}
}

// statsTick rolls active sessions up per user and hands one record per user
// to the store. Sessions added or removed between ticks are simply included
// or skipped; the snapshot is best-effort.
func (o *Orchestrator) statsTick(now time.Time) {
	o.mu.Lock()
	rollups := make(map[string]*userRollup)
	for _, s := range o.sessions {
		if !s.active {
			continue
		}
		r := rollups[s.UserID]
		if r == nil {
			r = &userRollup{}
			rollups[s.UserID] = r
		}
		r.totalHashRate += s.hashRate
		r.activeDevices++
		r.power += o.powerModel(s.CPUAllocation)
	}
	o.mu.Unlock()

	for userID, r := range rollups {
		record := MiningStatsRecord{
			UserID:           userID,
			TotalHashRate:    r.totalHashRate,
			EstimatedEarning: r.totalHashRate * estimatedRewardPerHash,
			ActiveDevices:    r.activeDevices,
			PowerConsumption: r.power,
			RecordedAt:       now,
		}
		if err := o.store.SaveMiningStats(record); err != nil {
			logger.Error("save mining stats failed", "user", userID, "error", err)
		}
	}
	if len(rollups) > 0 && debugLogging {
		logger.Debug("stats tick", "users", len(rollups))
	}
}
