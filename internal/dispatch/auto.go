package dispatch

import (
	"context"
	"time"

	"github.com/austindbirch/starbridge/internal/session"
)

// AutoDispatchOnce drains the queue when entries are pending and the
// target page is inside a notebook. It reports whether it ran.
func (d *Dispatcher) AutoDispatchOnce(ctx context.Context) (Summary, bool, error) {
	if d.queue.Size() == 0 {
		return Summary{}, false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.states.CurrentState(ctx)
	if err != nil {
		return Summary{}, false, err
	}
	if st.Kind != session.KindInsideContainer {
		return Summary{}, false, nil
	}

	sum, err := d.drainLocked(ctx)
	return sum, true, err
}

// RunAuto calls AutoDispatchOnce every interval until ctx is done.
func (d *Dispatcher) RunAuto(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Plain().WithField("interval", interval.String()).Info("auto dispatch enabled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, ran, err := d.AutoDispatchOnce(ctx)
			if err != nil {
				d.logger.WithContext(ctx).WithError(err).Warn("auto dispatch")
				continue
			}
			if ran {
				d.logger.Plain().
					WithField("sent", sum.Sent).
					WithField("failed", sum.Failed).
					Info("auto dispatch finished")
			}
		}
	}
}
