package main

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const defaultPoolPassword = "x"

// poolCredentials derives the username/password pair a pool expects for a
// given wallet and worker. Pure; the exact output format matters because a
// malformed username fails authorization at the remote end.
//
// Rules by pool kind:
//   - standard:  "<wallet>.<worker>", pool password (usually "x")
//   - referral:  standard format, then "#<referral>" appended when the
//     username has no referral delimiter yet and a wallet is present
//   - direct BTC, prefixed variant: "btc=<wallet>"
//   - direct BTC, default variant:  "<wallet>" (replaces the stored username)
func poolCredentials(pool Pool, wallet, worker, referral string) (string, string) {
	wallet = strings.TrimSpace(wallet)
	worker = sanitizeWorkerName(worker)

	password := pool.Password
	if password == "" {
		password = defaultPoolPassword
	}

	if pool.Kind == PoolDirectBTC {
		if pool.BTCPrefixed {
			return "btc=" + wallet, password
		}
		return wallet, password
	}

	username := wallet
	if username == "" {
		username = pool.Username
	}
	if worker != "" {
		username = username + "." + worker
	}

	if pool.Kind == PoolReferral {
		if referral == "" {
			referral = pool.Referral
		}
		if referral != "" && wallet != "" && !strings.Contains(username, "#") {
			username = username + "#" + referral
		}
	}

	return username, password
}

// validatePayoutWallet checks a BTC wallet locally before it is handed to a
// direct-payout pool. Accepts base58 and bech32/bech32m mainnet destinations.
func validatePayoutWallet(wallet string) error {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return fmt.Errorf("empty payout wallet")
	}
	params := &chaincfg.MainNetParams
	addr, err := btcutil.DecodeAddress(wallet, params)
	if err != nil {
		return fmt.Errorf("decode payout wallet: %w", err)
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("payout wallet %s is not a mainnet address", wallet)
	}
	return nil
}
