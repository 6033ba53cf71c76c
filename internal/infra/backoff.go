package infra

import (
	"time"
)

// Stream reconnect pacing. A quoting engine without prices is blind (the
// staleness watchdog kills the ladder after 30s), so the first reconnect
// attempt goes out immediately; later attempts double from the base. The
// cap stays well under the stale threshold so a healthy reconnect loop
// always gets a chance to restore the feed before the watchdog fires.
const (
	streamRetryBase = 500 * time.Millisecond
	streamRetryMax  = 20 * time.Second
)

// ReconnectDelay returns the wait before reconnect attempt retry
// (0-based). Attempt 0 is immediate; afterwards base * 2^(retry-1),
// capped at streamRetryMax.
func ReconnectDelay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}

	// 2^6 * base already exceeds the cap; avoid shifting far.
	if retry > 6 {
		return streamRetryMax
	}

	delay := streamRetryBase * time.Duration(1<<(retry-1))
	if delay > streamRetryMax {
		return streamRetryMax
	}
	return delay
}
