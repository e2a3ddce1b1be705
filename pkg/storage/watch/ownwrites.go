package watch

import (
	"context"
	"sync/atomic"
	"time"

	"basket/pkg/storage"
)

// OwnWrites wraps slot storage and remembers when this process last wrote
// through it, so a file watcher can skip the echo of its own writes.
type OwnWrites struct {
	storage.Slots
	now  func() time.Time
	last atomic.Int64
}

// TrackOwnWrites wraps slots.
func TrackOwnWrites(slots storage.Slots) *OwnWrites {
	return &OwnWrites{Slots: slots, now: time.Now}
}

func (o *OwnWrites) Set(ctx context.Context, key string, value []byte) error {
	defer o.mark()
	return o.Slots.Set(ctx, key, value)
}

func (o *OwnWrites) Delete(ctx context.Context, key string) error {
	defer o.mark()
	return o.Slots.Delete(ctx, key)
}

func (o *OwnWrites) mark() { o.last.Store(o.now().UnixNano()) }

// Recent reports whether a local write finished within window.
func (o *OwnWrites) Recent(window time.Duration) bool {
	last := o.last.Load()
	if last == 0 {
		return false
	}
	return o.now().Sub(time.Unix(0, last)) < window
}
