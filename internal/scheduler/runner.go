package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// TaskHandle identifies a scheduled task. The zero value is not a valid task.
type TaskHandle string

// Runner drives timer-based tasks. Actions are not executed on the timer
// goroutines: they are handed to the owning event loop through the fire
// channel, so no two actions ever run concurrently.
type Runner struct {
	fire   chan<- func()
	tasks  cmap.ConcurrentMap[string, context.CancelFunc]
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a Runner that delivers due actions to the fire channel.
func NewRunner(fire chan<- func(), logger zerolog.Logger) *Runner {
	return &Runner{
		fire:   fire,
		tasks:  cmap.New[context.CancelFunc](),
		logger: logger,
	}
}

// Schedule registers a repeating action at the given interval.
func (r *Runner) Schedule(interval time.Duration, action func()) TaskHandle {
	return r.start(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !r.deliver(ctx, action) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})
}

// ScheduleOnce registers an action that fires once after the given delay.
// A zero delay fires as soon as the event loop picks it up.
func (r *Runner) ScheduleOnce(delay time.Duration, action func()) TaskHandle {
	return r.start(func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			r.deliver(ctx, action)
		case <-ctx.Done():
		}
	})
}

// Cancel stops the task for the given handle. Canceling an unknown or
// already-canceled handle is a no-op.
func (r *Runner) Cancel(handle TaskHandle) {
	if cancel, ok := r.tasks.Get(string(handle)); ok {
		cancel()
		r.tasks.Remove(string(handle))
		r.logger.Debug().Str("task", string(handle)).Msg("Canceled scheduled task")
	}
}

// CancelAll stops every pending task. Safe to call when none are active.
func (r *Runner) CancelAll() {
	for item := range r.tasks.IterBuffered() {
		item.Val()
		r.tasks.Remove(item.Key)
	}
}

// Wait blocks until all task goroutines have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) start(run func(ctx context.Context)) TaskHandle {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	r.tasks.Set(id, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		run(ctx)
	}()

	return TaskHandle(id)
}

// deliver hands the action to the event loop, backing off if the task was
// canceled while the loop was busy. Returns false once the task is done.
func (r *Runner) deliver(ctx context.Context, action func()) bool {
	select {
	case r.fire <- action:
		return true
	case <-ctx.Done():
		return false
	}
}
