package dispatch

import (
	"context"
	"time"
)

// resyncLoop periodically reschedules the run loop on the configured
// cron schedule.
//
// FetchSoonest only considers rows inside the store's bounded horizon.
// If every pending row is due further out, the run loop parks on the
// condition and nothing would ever wake it; the resync guarantees those
// rows are re-evaluated once they drift into the window.
func (d *Dispatcher) resyncLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		next := d.resync.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			d.log.Debug().Time("next", next).Msg("periodic resync")
			d.Reschedule()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
