package coordinator

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/convoy/internal/comms"
)

// dedupWindow bounds how long a delivered message is remembered. Room reads
// are non-consuming, so overlapping polls can observe the same envelope
// twice; the window only needs to outlive cursor overlap, not history.
const dedupWindow = 5 * time.Minute

// dedup remembers recently applied messages so a poll never double-applies
// one. Keyed on sender, server timestamp, and variant; server timestamps are
// strictly monotonic per namespace, so the triple identifies an envelope.
type dedup struct {
	seen *gocache.Cache
}

func newDedup(window time.Duration) *dedup {
	return &dedup{seen: gocache.New(window, 2*window)}
}

// observe records the message and reports whether it was already seen.
func (d *dedup) observe(rcv comms.Received) bool {
	key := fmt.Sprintf("%s|%d|%s", rcv.Sender, rcv.Timestamp.UnixMicro(), rcv.Msg.Type())
	if _, dup := d.seen.Get(key); dup {
		return true
	}
	d.seen.SetDefault(key, struct{}{})
	return false
}
