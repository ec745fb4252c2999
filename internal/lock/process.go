// Package lock holds the durable markers that coordinate runners across
// processes: per-execution spawn intents and per-project runner records.
package lock

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessAlive reports whether pid is a live process that was already running
// at startedAt. A process created after startedAt is a reused PID.
func ProcessAlive(pid int, startedAt time.Time) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	if startedAt.IsZero() {
		return true
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	created, err := p.CreateTime()
	if err != nil {
		// Unknown creation time: trust existence.
		return true
	}
	// CreateTime has millisecond precision; allow a little skew.
	return time.UnixMilli(created).Before(startedAt.Add(2 * time.Second))
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}
