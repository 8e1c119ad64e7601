// Package sink presents pipeline snapshots: a terminal status line, the
// structured log, a websocket feed for overlays and the reading recorder.
// Every sink returns from Present without waiting on I/O it does not own.
package sink

import "github.com/andresmejia3/facemood/internal/types"

// Sink receives one snapshot per completed pass, plus status-only snapshots
// during startup.
type Sink interface {
	Present(types.Snapshot)
}

// Multi fans a snapshot out to every sink in order.
type Multi []Sink

func (m Multi) Present(s types.Snapshot) {
	for _, sk := range m {
		if sk != nil {
			sk.Present(s)
		}
	}
}

// Func adapts a function to Sink.
type Func func(types.Snapshot)

func (f Func) Present(s types.Snapshot) { f(s) }
