// Package resolve decides the winner between a local and a remote copy of
// the same row.
//
// Resolution is last-writer-wins at whole-row granularity: one side's row
// is selected intact, fields are never merged. The server clock on
// updated_at is authoritative; ties break deterministically on the
// server-assigned version counter, never on processing order.
package resolve

import "github.com/ringsidehq/replica/internal/replica/schema"

// Outcome is the result of resolving one row.
type Outcome struct {
	// Winner is the row to keep. It aliases one of the inputs.
	Winner *schema.Row

	// LocalLost is set when a dirty local row was beaten by the remote
	// copy. The caller must surface the losing local payload as a
	// conflict rather than dropping it silently.
	LocalLost bool
}

// Pick resolves local against remote. Either side may be nil (absent);
// both nil is invalid and returns a nil winner.
//
// Rules:
//   - remote strictly newer: remote wins (LocalLost if local was dirty)
//   - local strictly newer and dirty: local survives pending re-upload
//   - local strictly newer but clean: remote wins; a clean local row
//     ahead of the server clock only means skewed client writes that
//     were never queued, and the server is authoritative
//   - equal timestamps: higher version wins; a surviving dirty local
//     row requires both a newer-or-equal version and the dirty flag
func Pick(local, remote *schema.Row) Outcome {
	if local == nil {
		return Outcome{Winner: remote}
	}
	if remote == nil {
		return Outcome{Winner: local}
	}

	if remote.UpdatedAt.After(local.UpdatedAt) {
		return Outcome{Winner: remote, LocalLost: local.Dirty}
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		if local.Dirty {
			return Outcome{Winner: local}
		}
		return Outcome{Winner: remote}
	}

	// Equal to the clock's resolution: the version counter is the
	// deterministic secondary key.
	if remote.Version > local.Version {
		return Outcome{Winner: remote, LocalLost: local.Dirty}
	}
	if local.Version > remote.Version && local.Dirty {
		return Outcome{Winner: local}
	}

	// Same timestamp and version: the copies should be identical. A
	// dirty local row with diverged payload still loses, but the edit
	// must be surfaced.
	if local.Dirty && string(local.Data) != string(remote.Data) {
		return Outcome{Winner: remote, LocalLost: true}
	}
	return Outcome{Winner: remote}
}
