package dashboard

import "sync/atomic"

// initGuard makes a setup routine run at most once across concurrent
// callers without ever blocking the losers of the race. The configured
// check is a single atomic load, so the hot path of an already-configured
// instance never contends.
//
// The flag flips before the setup body runs. A failed setup therefore
// stays marked as configured and is not retried; the error reaches only
// the caller that performed the attempt. This keeps the guard free of
// locks that a panicking setup could poison and prevents retry storms at
// startup.
type initGuard struct {
	configured atomic.Bool
}

// begin reports whether the caller won the right to run the setup body.
// Exactly one caller ever gets true; everyone else, including callers
// racing with the winner, gets false immediately.
func (g *initGuard) begin() bool {
	return g.configured.CompareAndSwap(false, true)
}

// done reports whether configuration has been attempted.
func (g *initGuard) done() bool {
	return g.configured.Load()
}
