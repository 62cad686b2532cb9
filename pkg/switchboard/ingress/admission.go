package ingress

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// OverflowPolicy selects what happens when a channel's bounded queue is
// full.
type OverflowPolicy string

const (
	OverflowShed   OverflowPolicy = "shed"
	OverflowDefer  OverflowPolicy = "defer"
	OverflowReject OverflowPolicy = "reject"
)

// ErrOverloadRejected is returned when admission control sheds, defers
// past its timeout, or outright rejects an item.
var ErrOverloadRejected = errors.New("ingress: overload_rejected")

// AdmissionConfig tunes the bounded, per-channel-fair work queue.
type AdmissionConfig struct {
	QueueCapacityPerChannel int
	Policy                  OverflowPolicy
	DeferTimeout            time.Duration
	Concurrency             int
}

// DefaultAdmissionConfig bounds concurrency with a modest per-source
// backlog.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		QueueCapacityPerChannel: 64,
		Policy:                  OverflowReject,
		DeferTimeout:            2 * time.Second,
		Concurrency:             8,
	}
}

// RouteEnqueuer hands an accepted ingest off to the Switchboard router
// for asynchronous processing, decoupled from ingestion
// acceptance.
type RouteEnqueuer interface {
	EnqueueRoute(ctx context.Context, work RouteWork)
}

// admission is a bounded, channel-fair work queue: one buffered queue
// per source channel (telegram, email, api, mcp, ...) so a burst on one
// channel cannot starve the others, drained by a fixed-size worker pool
// in round-robin order across channels, so channel fairness prevents
// any one channel from starving others.
type admission struct {
	mu      sync.Mutex
	queues  map[string]chan RouteWork
	order   []string
	cfg     AdmissionConfig
	sem     chan struct{}
	router  RouteEnqueuer
	stopCh  chan struct{}
	stopped sync.Once
}

func newAdmission(cfg AdmissionConfig, router RouteEnqueuer) *admission {
	return &admission{
		queues: make(map[string]chan RouteWork),
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Concurrency),
		router: router,
		stopCh: make(chan struct{}),
	}
}

// start spawns the fairness dispatch loop. It returns immediately;
// shutdown via stop().
func (a *admission) start(ctx context.Context) {
	go a.dispatchLoop(ctx)
}

func (a *admission) stop() {
	a.stopped.Do(func() { close(a.stopCh) })
}

func (a *admission) queueFor(channel string) chan RouteWork {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[channel]
	if !ok {
		q = make(chan RouteWork, a.cfg.QueueCapacityPerChannel)
		a.queues[channel] = q
		a.order = append(a.order, channel)
		sort.Strings(a.order)
	}
	return q
}

// submit admits one item of work onto its channel's queue, applying the
// configured overflow policy on a full queue.
func (a *admission) submit(ctx context.Context, w RouteWork) error {
	q := a.queueFor(w.RequestContext.SourceChannel)

	select {
	case q <- w:
		return nil
	default:
	}

	switch a.cfg.Policy {
	case OverflowDefer:
		timer := time.NewTimer(a.cfg.DeferTimeout)
		defer timer.Stop()
		select {
		case q <- w:
			return nil
		case <-timer.C:
			return ErrOverloadRejected
		case <-ctx.Done():
			return ctx.Err()
		}
	case OverflowShed, OverflowReject:
		return ErrOverloadRejected
	default:
		return ErrOverloadRejected
	}
}

// dispatchLoop round-robins across every known channel's queue, pulling
// at most one item per channel per pass, and hands each to the bounded
// worker pool for routing.
func (a *admission) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.pumpOnce(ctx)
		}
	}
}

func (a *admission) pumpOnce(ctx context.Context) {
	a.mu.Lock()
	order := append([]string(nil), a.order...)
	a.mu.Unlock()

	for _, channel := range order {
		q := a.queueFor(channel)
		select {
		case w := <-q:
			a.dispatch(ctx, w)
		default:
		}
	}
}

func (a *admission) dispatch(ctx context.Context, w RouteWork) {
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-a.sem }()
		a.router.EnqueueRoute(ctx, w)
	}()
}
