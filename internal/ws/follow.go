package ws

import (
	"context"

	"github.com/ntando/computer/internal/domain"
)

// SnapshotFunc loads the current state of a deployment for the caller.
type SnapshotFunc func(ctx context.Context, deploymentID string) (domain.StatusEvent, error)

// Follow streams a deployment's progress to emit. It subscribes first, then
// emits the snapshot, then forwards only events that advance the status, so
// the observed sequence never goes backwards and ends at a terminal state
// unless ctx is cancelled or emit fails.
func Follow(ctx context.Context, hub *Hub, deploymentID string, snapshot SnapshotFunc, emit func(domain.StatusEvent) error) error {
	sub := hub.Subscribe(deploymentID)
	defer sub.Close()

	current, err := snapshot(ctx, deploymentID)
	if err != nil {
		return err
	}
	if err := emit(current); err != nil {
		return err
	}
	last := current.Status
	if last.Terminal() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				// terminal event may have been dropped on a full buffer
				latest, err := snapshot(ctx, deploymentID)
				if err != nil {
					return err
				}
				if latest.Status.Rank() > last.Rank() {
					return emit(latest)
				}
				return nil
			}
			if ev.Status.Rank() <= last.Rank() {
				continue
			}
			if err := emit(ev); err != nil {
				return err
			}
			last = ev.Status
			if last.Terminal() {
				return nil
			}
		}
	}
}
