package bridge

import (
	"github.com/dominikbayerl/go-nspirelink/nspire"
	"github.com/dominikbayerl/go-nspirelink/types"
)

// DefaultWindow is the number of raw callbacks suppressed between two
// notifications.
const DefaultWindow = 5

// Notifier posts progress updates to the caller. Notify must not block; an
// update that cannot be delivered may be dropped.
type Notifier interface {
	Notify(update types.ProgressUpdate)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(update types.ProgressUpdate)

func (f NotifierFunc) Notify(update types.ProgressUpdate) { f(update) }

type discard struct{}

func (discard) Notify(types.ProgressUpdate) {}

// Throttler rate-limits raw byte-remaining callbacks by call count. The first
// callback and the terminal one (remaining == 0) are always forwarded.
type Throttler struct {
	total    uint32
	window   int
	calls    int
	finished bool
	notifier Notifier
}

// NewThrottler returns a Throttler for a transfer of total bytes. A window
// below zero selects DefaultWindow.
func NewThrottler(total uint32, notifier Notifier, window int) *Throttler {
	if notifier == nil {
		notifier = discard{}
	}
	if window < 0 {
		window = DefaultWindow
	}
	return &Throttler{total: total, window: window, notifier: notifier}
}

// Progress handles one raw callback. A remaining count of zero or less ends
// the transfer; callbacks after that are ignored.
func (t *Throttler) Progress(remaining int) {
	if t.finished {
		return
	}
	left := t.clamp(remaining)
	if t.calls > t.window {
		t.calls = 0
	}
	if t.calls == 0 || left == 0 {
		t.finished = left == 0
		t.notifier.Notify(types.ProgressUpdate{Remaining: left, Total: t.total})
	}
	t.calls++
}

// Finished reports whether the terminal update has been posted.
func (t *Throttler) Finished() bool {
	return t.finished
}

// Func returns Progress as a collaborator callback.
func (t *Throttler) Func() nspire.ProgressFunc {
	return t.Progress
}

func (t *Throttler) clamp(remaining int) uint32 {
	switch {
	case remaining <= 0:
		return 0
	case uint64(remaining) > uint64(t.total):
		return t.total
	default:
		return uint32(remaining)
	}
}
