// Package scheduler owns every periodic worker in the process. Each worker
// is a cancellable loop selecting on its ticker, a kick channel for reactive
// runs, a pause gate, and the kernel's context. Shutdown stops workers in
// reverse registration order and waits for in-flight ticks.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// TickFunc is one worker callback. The context carries the per-tick deadline;
// a tick that outlives it should return and let the next tick start clean.
type TickFunc func(ctx context.Context)

type worker struct {
	name         string
	interval     time.Duration
	initialDelay time.Duration
	fn           TickFunc

	kick     chan struct{}
	setIntv  chan time.Duration
	pauseCh  chan bool
	done     chan struct{}
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
}

// Kernel is the process-wide timer owner. Workers are registered before Start
// and torn down by Shutdown; delayed one-shots are tracked so shutdown can
// cancel them too.
// Well-known worker names registered at bootstrap. Components that adjust
// intervals or kick workers at runtime refer to these.
const (
	WorkerCacheRefresh = "task-cache-refresh"
	WorkerDispatch     = "dispatch"
	WorkerCompletion   = "completion"
	WorkerHealth       = "health"
	WorkerUsageLimit   = "usage-limit"
)

type Kernel struct {
	mu       sync.Mutex
	workers  []*worker
	byName   map[string]*worker
	timers   map[*time.Timer]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	shutdown bool
}

// NewKernel creates an empty kernel.
func NewKernel() *Kernel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Kernel{
		byName: make(map[string]*worker),
		timers: make(map[*time.Timer]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a periodic worker. Must be called before Start; names are
// unique.
func (k *Kernel) Register(name string, interval time.Duration, fn TickFunc) {
	k.RegisterDelayed(name, interval, 0, fn)
}

// RegisterDelayed adds a periodic worker whose first tick waits for
// initialDelay instead of a full interval.
func (k *Kernel) RegisterDelayed(name string, interval, initialDelay time.Duration, fn TickFunc) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started {
		log.Printf("[SCHED] Ignoring late registration of %s", name)
		return
	}
	if _, dup := k.byName[name]; dup {
		log.Printf("[SCHED] Ignoring duplicate registration of %s", name)
		return
	}
	w := &worker{
		name:         name,
		interval:     interval,
		initialDelay: initialDelay,
		fn:           fn,
		kick:         make(chan struct{}, 1),
		setIntv:      make(chan time.Duration, 1),
		pauseCh:      make(chan bool, 1),
		done:         make(chan struct{}),
	}
	k.workers = append(k.workers, w)
	k.byName[name] = w
}

// Start launches every registered worker.
func (k *Kernel) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started || k.shutdown {
		return
	}
	k.started = true
	for _, w := range k.workers {
		wctx, wcancel := context.WithCancel(k.ctx)
		w.cancel = wcancel
		go w.run(wctx)
		log.Printf("[SCHED] Started %s (every %v)", w.name, w.interval)
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	if w.initialDelay > 0 {
		select {
		case <-time.After(w.initialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	paused := false

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.pauseCh:
			paused = p
		case d := <-w.setIntv:
			if d > 0 && d != w.interval {
				w.interval = d
				ticker.Reset(d)
			}
		case <-w.kick:
			if !paused {
				w.tick(ctx)
			}
		case <-ticker.C:
			if !paused {
				w.tick(ctx)
			}
		}
	}
}

// tick runs the callback with a deadline no longer than the interval.
func (w *worker) tick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	w.inFlight.Add(1)
	defer w.inFlight.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[SCHED] Tick of %s panicked: %v", w.name, r)
		}
	}()
	w.fn(tctx)
}

// Kick schedules an immediate out-of-band run of the named worker. Kicks
// arriving while one is already queued coalesce.
func (k *Kernel) Kick(name string) {
	k.mu.Lock()
	w := k.byName[name]
	k.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Pause stops a worker from ticking; its loop stays alive.
func (k *Kernel) Pause(name string) { k.setPaused(name, true) }

// Resume lifts a pause.
func (k *Kernel) Resume(name string) { k.setPaused(name, false) }

func (k *Kernel) setPaused(name string, paused bool) {
	k.mu.Lock()
	w := k.byName[name]
	k.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.pauseCh <- paused:
	default:
	}
}

// SetInterval restarts the named worker's ticker with a new cadence. The
// health supervisor uses this to switch between active and idle intervals.
func (k *Kernel) SetInterval(name string, interval time.Duration) {
	k.mu.Lock()
	w := k.byName[name]
	k.mu.Unlock()
	if w == nil || interval <= 0 {
		return
	}
	select {
	case w.setIntv <- interval:
	default:
	}
}

// After schedules a one-shot callback owned by the kernel; shutdown cancels
// callbacks that have not fired yet.
func (k *Kernel) After(delay time.Duration, fn func()) {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		k.mu.Lock()
		delete(k.timers, timer)
		dead := k.shutdown
		k.mu.Unlock()
		if dead {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SCHED] Delayed callback panicked: %v", r)
			}
		}()
		fn()
	})
	k.timers[timer] = struct{}{}
	k.mu.Unlock()
}

// Shutdown stops all workers in reverse registration order and blocks until
// in-flight ticks drain or the hard deadline passes.
func (k *Kernel) Shutdown(deadline time.Duration) {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return
	}
	k.shutdown = true
	workers := make([]*worker, len(k.workers))
	copy(workers, k.workers)
	for timer := range k.timers {
		timer.Stop()
	}
	k.timers = make(map[*time.Timer]struct{})
	k.mu.Unlock()

	limit := time.After(deadline)
	for i := len(workers) - 1; i >= 0; i-- {
		w := workers[i]
		if w.cancel != nil {
			w.cancel()
		}
		quiet := make(chan struct{})
		go func(w *worker) {
			<-w.done
			w.inFlight.Wait()
			close(quiet)
		}(w)
		select {
		case <-quiet:
			log.Printf("[SCHED] Stopped %s", w.name)
		case <-limit:
			log.Printf("[SCHED] Shutdown deadline hit while stopping %s", w.name)
			k.cancel()
			return
		}
	}
	k.cancel()
	log.Println("[SCHED] All workers stopped")
}
