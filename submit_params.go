package main

import "fmt"

// ShareParams is everything a submit formatter may need. Which fields are
// used depends on the algorithm family.
type ShareParams struct {
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	Result      string
}

// submitFormatter turns a share into the positional mining.submit params a
// pool dialect expects. New algorithm families register a formatter instead
// of growing a switch somewhere in the client.
type submitFormatter func(p ShareParams) []any

var submitFormatters = map[AlgoFamily]submitFormatter{
	AlgoSHA256: func(p ShareParams) []any {
		return []any{p.Worker, p.JobID, p.ExtraNonce2, p.NTime, p.Nonce}
	},
	AlgoRandomX: func(p ShareParams) []any {
		return []any{p.Worker, p.JobID, p.Nonce, p.Result}
	},
}

func submitParamsFor(algo AlgoFamily, p ShareParams) ([]any, error) {
	f, ok := submitFormatters[algo]
	if !ok {
		return nil, fmt.Errorf("no submit formatter for algorithm %q", algo)
	}
	return f(p), nil
}

// subscribeParamsFor returns the mining.subscribe params for an algorithm
// family. SHA-256 pools want a client identifier; RandomX-style pools omit
// the identifier entirely.
func subscribeParamsFor(algo AlgoFamily) []any {
	switch algo {
	case AlgoSHA256:
		return []any{clientVersionString}
	default:
		return []any{}
	}
}
