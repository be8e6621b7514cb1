package dialogue

import (
	"context"
	"time"
)

// DefaultWindow is the default number of retained turns per user, not
// counting the system instruction.
const DefaultWindow = 40

// Store persists dialogue turns per user. Implementations are safe for
// concurrent use; callers serialize cycles of one user with a Locker.
type Store interface {
	// Append adds turns to the user's session, creating it when absent,
	// and applies the retention window.
	Append(ctx context.Context, userID string, turns ...Turn) error

	// History returns the user's turns in order. A missing or expired
	// session yields an empty history.
	History(ctx context.Context, userID string) ([]Turn, error)

	// Reset removes the user's session.
	Reset(ctx context.Context, userID string) error

	// Exists reports whether the user has a live session.
	Exists(ctx context.Context, userID string) (bool, error)
}

// Sweeper removes sessions idle since before the configured timeout.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// trimStart returns the index of the first non-system turn to keep so that
// at most window non-system turns remain and the kept range starts with a
// user turn. The range never cuts into the latest user turn's cycle, so a
// cycle longer than the window is kept whole until the next user turn.
func trimStart(kinds []Kind, window int) int {
	first := 0
	if len(kinds) > 0 && kinds[0] == KindSystem {
		first = 1
	}
	if window <= 0 || len(kinds)-first <= window {
		// Still drop a leading orphan left by an earlier trim.
		for i := first; i < len(kinds); i++ {
			if kinds[i] == KindUser {
				return i
			}
		}
		return len(kinds)
	}

	lastUser := -1
	for i := len(kinds) - 1; i >= first; i-- {
		if kinds[i] == KindUser {
			lastUser = i
			break
		}
	}
	for i := len(kinds) - window; i < len(kinds); i++ {
		if kinds[i] == KindUser {
			return i
		}
	}
	if lastUser >= 0 {
		return lastUser
	}
	return len(kinds)
}

// trim applies trimStart to turns, keeping a leading system turn.
func trim(turns []Turn, window int) []Turn {
	kinds := make([]Kind, len(turns))
	for i, t := range turns {
		kinds[i] = t.Kind
	}
	start := trimStart(kinds, window)

	var out []Turn
	if len(turns) > 0 && turns[0].Kind == KindSystem {
		out = append(out, turns[0])
	}
	return append(out, turns[start:]...)
}
