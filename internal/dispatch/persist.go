package dispatch

import (
	"context"
	"time"

	"github.com/rendis/baton/pkg/schema"
)

// queueSnapshot hands a snapshot to the writer without ever blocking the
// mutating caller. The channel holds one slot; a newer snapshot replaces
// an unwritten older one, which is fine because each snapshot carries the
// whole state.
func (c *Coordinator) queueSnapshot(snap *schema.StateSnapshot) {
	if c.sink == nil || snap == nil {
		return
	}
	for {
		select {
		case c.persistCh <- snap:
			return
		default:
			select {
			case <-c.persistCh:
			default:
			}
		}
	}
}

// writeSnapshot attempts the store write a fixed number of times with a
// linearly growing pause between attempts, then drops the snapshot. A
// dropped snapshot only costs recovery fidelity; live state is unaffected.
func (c *Coordinator) writeSnapshot(ctx context.Context, snap *schema.StateSnapshot) {
	if c.sink == nil || snap == nil {
		return
	}
	attempts := c.config.PersistRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.sink.SaveState(ctx, snap)
		if err == nil {
			return
		}
		if attempt == attempts {
			c.logger.DebugContext(ctx, "state snapshot dropped", "attempts", attempts, "error", err)
			return
		}
		select {
		case <-time.After(c.config.PersistBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			c.logger.DebugContext(ctx, "state snapshot dropped", "attempts", attempt, "error", ctx.Err())
			return
		}
	}
}

// drainSnapshots flushes whatever is still queued. Run calls it on the
// way out so shutdown keeps the freshest state it can.
func (c *Coordinator) drainSnapshots(ctx context.Context) {
	for {
		select {
		case snap := <-c.persistCh:
			c.writeSnapshot(ctx, snap)
		default:
			return
		}
	}
}
