package monitor

import (
	"context"
	"time"

	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/view"
)

// Backend is what the monitor watches. Implementations call the function
// registered with OnChange whenever the window changes.
type Backend interface {
	// Snapshot returns the current window and paging flags.
	Snapshot() ([]message.Attrs, view.Status)
	// Health reports the endpoint state and the offline queue length.
	Health(ctx context.Context) Health
	// SetFilter replaces the view's filter and reloads it.
	SetFilter(ctx context.Context, filter string) error
	// Page moves one page forward (dir > 0) or back (dir < 0).
	Page(ctx context.Context, dir int) error
	// Sync pulls and replays.
	Sync(ctx context.Context) error
	OnChange(fn func())
}

// Health is the footer status.
type Health struct {
	State  string
	Cursor int64
	Queued int
}

// TickMsg is sent when the status refresh timer fires
type TickMsg time.Time

// ChangedMsg reports that the view window changed.
type ChangedMsg struct{}

// HealthMsg carries a refreshed footer status.
type HealthMsg Health

// ActionDoneMsg reports the outcome of a filter, page or sync action.
type ActionDoneMsg struct {
	Action string
	Err    error
}

// ClearStatusMsg clears the status line.
type ClearStatusMsg struct{}
