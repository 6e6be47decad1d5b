package main

import (
	"strings"
	"testing"
)

func TestPoolCredentials(t *testing.T) {
	tests := []struct {
		name     string
		pool     Pool
		wallet   string
		worker   string
		referral string
		wantUser string
		wantPass string
	}{
		{
			name:     "standard wallet and worker",
			pool:     Pool{Kind: PoolStandard},
			wallet:   "bc1qwallet",
			worker:   "rig01",
			wantUser: "bc1qwallet.rig01",
			wantPass: "x",
		},
		{
			name:     "standard no worker",
			pool:     Pool{Kind: PoolStandard},
			wallet:   "bc1qwallet",
			wantUser: "bc1qwallet",
			wantPass: "x",
		},
		{
			name:     "standard pool password wins over default",
			pool:     Pool{Kind: PoolStandard, Password: "secret"},
			wallet:   "bc1qwallet",
			worker:   "rig01",
			wantUser: "bc1qwallet.rig01",
			wantPass: "secret",
		},
		{
			name:     "standard falls back to pool username without wallet",
			pool:     Pool{Kind: PoolStandard, Username: "account"},
			worker:   "rig01",
			wantUser: "account.rig01",
			wantPass: "x",
		},
		{
			name:     "referral appended",
			pool:     Pool{Kind: PoolReferral},
			wallet:   "bc1qwallet",
			worker:   "rig01",
			referral: "ref42",
			wantUser: "bc1qwallet.rig01#ref42",
			wantPass: "x",
		},
		{
			name:     "referral from pool config",
			pool:     Pool{Kind: PoolReferral, Referral: "house"},
			wallet:   "bc1qwallet",
			worker:   "rig01",
			wantUser: "bc1qwallet.rig01#house",
			wantPass: "x",
		},
		{
			name:     "referral not duplicated",
			pool:     Pool{Kind: PoolReferral},
			wallet:   "bc1qwallet#already",
			worker:   "rig01",
			referral: "ref42",
			wantUser: "bc1qwallet#already.rig01",
			wantPass: "x",
		},
		{
			name:     "referral skipped without wallet",
			pool:     Pool{Kind: PoolReferral, Username: "account"},
			worker:   "rig01",
			referral: "ref42",
			wantUser: "account.rig01",
			wantPass: "x",
		},
		{
			name:     "direct btc prefixed",
			pool:     Pool{Kind: PoolDirectBTC, BTCPrefixed: true},
			wallet:   "1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
			worker:   "rig01",
			wantUser: "btc=1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
			wantPass: "x",
		},
		{
			name:     "direct btc default replaces username",
			pool:     Pool{Kind: PoolDirectBTC, Username: "ignored"},
			wallet:   "1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
			worker:   "rig01",
			wantUser: "1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
			wantPass: "x",
		},
		{
			name:     "whitespace trimmed",
			pool:     Pool{Kind: PoolStandard},
			wallet:   "  bc1qwallet  ",
			worker:   " rig01 ",
			wantUser: "bc1qwallet.rig01",
			wantPass: "x",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			user, pass := poolCredentials(tc.pool, tc.wallet, tc.worker, tc.referral)
			if user != tc.wantUser {
				t.Errorf("username = %q, want %q", user, tc.wantUser)
			}
			if pass != tc.wantPass {
				t.Errorf("password = %q, want %q", pass, tc.wantPass)
			}
		})
	}
}

// Referral usernames must carry exactly one delimiter regardless of where the
// wallet came from.
func TestPoolCredentialsReferralSingleDelimiter(t *testing.T) {
	wallets := []string{"bc1qwallet", "bc1qwallet#ref", "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy"}
	pool := Pool{Kind: PoolReferral, Referral: "house"}
	for _, w := range wallets {
		user, _ := poolCredentials(pool, w, "rig", "")
		if n := strings.Count(user, "#"); n > 1 {
			t.Errorf("wallet %q: username %q has %d referral delimiters", w, user, n)
		}
	}
}

func TestValidatePayoutWallet(t *testing.T) {
	valid := []string{
		"1BoatSLRHtKNngkdXEeobR76b53LETtpyT",
		"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy",
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
	}
	for _, w := range valid {
		if err := validatePayoutWallet(w); err != nil {
			t.Errorf("wallet %q rejected: %v", w, err)
		}
	}

	invalid := []string{
		"",
		"not-a-wallet",
		"1BoatSLRHtKNngkdXEeobR76b53LETtpyX",
		"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
	}
	for _, w := range invalid {
		if err := validatePayoutWallet(w); err == nil {
			t.Errorf("wallet %q accepted, want error", w)
		}
	}
}
