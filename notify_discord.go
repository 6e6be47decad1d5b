package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordNotifier posts durable fleet conditions to a Discord channel:
// terminal pool-unreachable and fleet-wide mining toggles. Transient
// reconnects never reach it.
type discordNotifier struct {
	channelID string

	mu         sync.Mutex
	dg         *discordgo.Session
	lastWarnAt map[string]time.Time
	warnMinGap time.Duration
}

func newDiscordNotifier(channelID string) *discordNotifier {
	return &discordNotifier{
		channelID:  strings.TrimSpace(channelID),
		lastWarnAt: make(map[string]time.Time),
		warnMinGap: 10 * time.Minute,
	}
}

func (n *discordNotifier) enabled() bool {
	return n != nil && n.dg != nil && n.channelID != ""
}

func (n *discordNotifier) start(botToken string) error {
	if n == nil {
		return fmt.Errorf("notifier not configured")
	}
	token := strings.TrimSpace(botToken)
	if token == "" || n.channelID == "" {
		return nil
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)
	if err := dg.Open(); err != nil {
		return err
	}
	n.mu.Lock()
	n.dg = dg
	n.mu.Unlock()
	logger.Info("discord notifier started", "channel_id", n.channelID)
	return nil
}

func (n *discordNotifier) close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	dg := n.dg
	n.dg = nil
	n.mu.Unlock()
	if dg != nil {
		_ = dg.Close()
	}
}

func (n *discordNotifier) send(msg string) {
	if !n.enabled() {
		return
	}
	n.mu.Lock()
	dg := n.dg
	n.mu.Unlock()
	if dg == nil {
		return
	}
	if _, err := dg.ChannelMessageSend(n.channelID, msg); err != nil {
		logger.Warn("discord send failed", "error", err)
	}
}

// NotifyPoolUnreachable fires when a session exhausts its reconnect
// attempts. Deduplicated per pool so a fleet of devices on one dead pool
// doesn't flood the channel.
func (n *discordNotifier) NotifyPoolUnreachable(poolName, deviceID string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	last := n.lastWarnAt[poolName]
	now := time.Now()
	if now.Sub(last) < n.warnMinGap {
		n.mu.Unlock()
		return
	}
	n.lastWarnAt[poolName] = now
	n.mu.Unlock()

	n.send(fmt.Sprintf("⚠️ pool **%s** unreachable, reconnect attempts exhausted (first device: `%s`)",
		poolName, deviceID))
}

func (n *discordNotifier) NotifyMiningToggled(enabled bool) {
	if n == nil {
		return
	}
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	n.send("⛏️ fleet mining " + verb)
}
