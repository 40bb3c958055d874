package sim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pthm-cable/splash/preview"
	"github.com/pthm-cable/splash/sph"
)

// Preview serves the websocket feed on addr, publishes frames while
// simulating, then replays the recorded frames in a loop until ctx is
// cancelled.
func (r *Runner) Preview(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := preview.New()
	errc := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe(ctx, addr)
		if err != nil {
			cancel()
		}
		errc <- err
	}()

	publish := func(snap *sph.Snapshot) {
		if err := srv.Publish(snap); err != nil {
			slog.Error("preview publish failed", "step", snap.Step, "error", err)
		}
	}
	r.opts.StepCallback = publish
	r.opts.CallbackEvery = r.cfg.Preview.PublishEvery

	if err := r.Simulate(ctx); err != nil {
		cancel()
		<-errc
		return err
	}

	replayErr := r.replay(ctx, publish)
	cancel()
	if err := <-errc; err != nil {
		return err
	}
	if errors.Is(replayErr, context.Canceled) || errors.Is(replayErr, context.DeadlineExceeded) {
		return nil
	}
	return replayErr
}

func (r *Runner) replay(ctx context.Context, publish func(*sph.Snapshot)) error {
	first, last, ok := r.stream.Range()
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := time.Duration(r.cfg.Preview.FrameInterval * float64(time.Second))
	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()

	slog.Info("replaying frames", "first", first, "last", last, "interval", interval.String())
	step := first
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		snap, err := r.stream.Get(step)
		if err != nil {
			return err
		}
		publish(snap)
		if step++; step > last {
			step = first
		}
	}
}
