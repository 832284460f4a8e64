package health

import (
	"context"
	"fmt"

	"github.com/kiyeovo/core/registry"
	"github.com/kiyeovo/core/session"
)

// RegistryReachableCheck probes the DHT-backed username registry by
// resolving the local identity's own published record. A Lookup failure
// here almost always means the DHT itself is unreachable rather than a
// record problem, since the local peer published the record itself.
func RegistryReachableCheck(reg *registry.Registry, ownUsername string) Check {
	return func(ctx context.Context) error {
		if ownUsername == "" {
			return fmt.Errorf("not registered yet")
		}
		if _, err := reg.Lookup(ctx, ownUsername); err != nil {
			return err
		}
		return nil
	}
}

// PendingExchangeThreshold above which the pending-exchanges check reports
// degraded rather than healthy: a growing backlog of unfinished handshakes
// usually means peers are unreachable, not that anything is broken outright.
const PendingExchangeThreshold = 20

// PendingExchangesCheck reports the count of in-flight key exchanges as a
// health signal: healthy below the threshold, degraded above it.
func PendingExchangesCheck(sessions *session.Manager) Check {
	return func(ctx context.Context) error {
		n := sessions.PendingCount()
		if n > PendingExchangeThreshold {
			return &Degraded{Err: fmt.Errorf("%d key exchanges pending", n)}
		}
		return nil
	}
}

// LoopAliveCheck wraps a boolean "is this background loop still running"
// flag (e.g. the offline-bucket retrieval poller) as a health check. alive
// is typically backed by an atomic flag the loop flips before returning.
func LoopAliveCheck(name string, alive func() bool) Check {
	return func(ctx context.Context) error {
		if !alive() {
			return fmt.Errorf("%s loop is not running", name)
		}
		return nil
	}
}
