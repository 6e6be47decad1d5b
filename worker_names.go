package main

import (
	"encoding/hex"
	"strings"

	"github.com/martinhoefling/goxkcdpwgen/xkcdpwgen"
)

// defaultWorkerName produces a memorable worker name for devices registered
// without one. Pools display these verbatim, so keep them short and lowercase.
func defaultWorkerName() string {
	g := xkcdpwgen.NewGenerator()
	g.SetNumWords(2)
	g.SetCapitalize(false)
	g.SetDelimiter("-")
	return strings.TrimSpace(g.GeneratePasswordString())
}

var workerNameGenerator = defaultWorkerName

// workerFingerprint returns a stable hex id for a worker name, used to key
// the event feed and stats records without leaking wallet material into logs.
func workerFingerprint(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	sum := sha256Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}

func sanitizeWorkerName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > maxWorkerNameLen {
		name = name[:maxWorkerNameLen]
	}
	return name
}
