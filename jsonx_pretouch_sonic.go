//go:build !nojsonsimd

package main

import (
	"reflect"

	"github.com/bytedance/sonic"
)

func init() {
	// Sonic uses runtime codegen. Pretouching the wire types at startup avoids
	// first-hit latency spikes on the per-session read loops.
	//
	// Errors are best-effort; normal encoding still works if pretouch fails.
	_ = sonic.Pretouch(reflect.TypeOf(stratumRequest{}))
	_ = sonic.Pretouch(reflect.TypeOf(stratumMessage{}))
	_ = sonic.Pretouch(reflect.TypeOf(feedEnvelope{}))
	_ = sonic.Pretouch(reflect.TypeOf(SessionSnapshot{}))
	_ = sonic.Pretouch(reflect.TypeOf(MetricsSnapshot{}))
}
