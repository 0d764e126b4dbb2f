// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/bufbuild/rpclb/internal"
	"github.com/bufbuild/rpclb/metrics"
	"github.com/bufbuild/rpclb/registry"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval      = 15 * time.Second
	defaultProbeTimeout       = 3 * time.Second
	defaultUnhealthyThreshold = 3
	defaultTimeoutThreshold   = 3
	defaultSweepConcurrency   = 8
)

// RouteRegistry is the part of the route registry that a Monitor uses:
// it listens for route events and removes persistently bad addresses.
type RouteRegistry interface {
	registry.Subscriber
	RemoveAddresses(ctx context.Context, endpoints []endpoint.Endpoint, serviceID string) error
}

// Config defines the thresholds and timings of a Monitor. Zero values are
// replaced with defaults.
type Config struct {
	// SweepInterval is how often every tracked endpoint is re-probed.
	// Defaults to 15 seconds.
	SweepInterval time.Duration
	// ProbeTimeout bounds a single probe. Defaults to 3 seconds.
	ProbeTimeout time.Duration
	// UnhealthyThreshold is the number of consecutive failures an endpoint
	// may accumulate. The next failed probe evicts it. Defaults to 3.
	UnhealthyThreshold int
	// TimeoutThreshold is the number of call timeouts, per endpoint and
	// service, after which the endpoint is removed from that service's
	// route. Defaults to 3.
	TimeoutThreshold int
	// SweepConcurrency limits how many probes a sweep runs at once.
	// Defaults to 8.
	SweepConcurrency int
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	if c.TimeoutThreshold <= 0 {
		c.TimeoutThreshold = defaultTimeoutThreshold
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = defaultSweepConcurrency
	}
}

// Event describes a change in an endpoint's liveness.
type Event struct {
	Endpoint       endpoint.Endpoint
	State          State
	UnhealthyTimes int
}

// Option configures a Monitor.
type Option interface {
	apply(*Monitor)
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(m *Monitor) {
		m.logger = logger
	})
}

// WithMetrics sets the collectors the monitor records into.
func WithMetrics(metrics *metrics.Metrics) Option {
	return optionFunc(func(m *Monitor) {
		m.metrics = metrics
	})
}

func withClock(clock internal.Clock) Option {
	return optionFunc(func(m *Monitor) {
		m.clock = clock
	})
}

type optionFunc func(*Monitor)

func (f optionFunc) apply(m *Monitor) {
	f(m)
}

// Monitor tracks the liveness of remote endpoints. Create one with
// NewMonitor and release it with Close.
type Monitor struct {
	reg     RouteRegistry
	prober  Prober
	cfg     Config
	logger  log.Logger
	metrics *metrics.Metrics
	clock   internal.Clock

	// ctx is cancelled by Close; background work runs under it.
	ctx         context.Context //nolint:containedctx
	cancel      context.CancelFunc
	sweepDone   chan struct{}
	unsubscribe func()
	reactions   sync.WaitGroup
	closeOnce   sync.Once

	mu sync.RWMutex
	// +checklocks:mu
	entries map[endpoint.Endpoint]*entry

	timeoutMu sync.Mutex
	// +checklocks:timeoutMu
	timeouts map[timeoutKey]int

	subMu sync.Mutex
	// +checklocks:subMu
	subscribers map[int]subscriber
	// +checklocks:subMu
	nextSubscriber int
}

type entry struct {
	ep endpoint.Endpoint
	// ready is closed once the entry has a first verdict, either from a
	// probe or from a failure report.
	ready     chan struct{}
	readyOnce sync.Once
	// abandoned is set before ready is closed when the first probe ended
	// without a verdict; the entry is no longer in the monitor table.
	abandoned atomic.Bool

	mu sync.Mutex
	// +checklocks:mu
	healthy bool
	// +checklocks:mu
	unhealthyTimes int
}

func (e *entry) markReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

func (e *entry) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

func (e *entry) snapshot() Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := StateUnhealthy
	if e.healthy {
		state = StateHealthy
	}
	return Event{Endpoint: e.ep, State: state, UnhealthyTimes: e.unhealthyTimes}
}

type timeoutKey struct {
	ep        endpoint.Endpoint
	serviceID string
}

type subscriber struct {
	onChanged func(Event)
	onRemoved func(Event)
}

// NewMonitor creates a monitor that probes endpoints with prober and
// removes persistently bad addresses from reg. The background sweep and
// the registry subscription start immediately.
func NewMonitor(reg RouteRegistry, prober Prober, cfg Config, opts ...Option) *Monitor {
	cfg.applyDefaults()
	mon := &Monitor{
		reg:         reg,
		prober:      prober,
		cfg:         cfg,
		logger:      log.NewNopLogger(),
		clock:       internal.NewRealClock(),
		sweepDone:   make(chan struct{}),
		entries:     map[endpoint.Endpoint]*entry{},
		timeouts:    map[timeoutKey]int{},
		subscribers: map[int]subscriber{},
	}
	for _, opt := range opts {
		opt.apply(mon)
	}
	mon.logger = log.With(mon.logger, "component", "health")
	mon.ctx, mon.cancel = context.WithCancel(context.Background())
	mon.unsubscribe = reg.Subscribe(registry.ListenerFuncs{
		Created: mon.reprobeRoute,
		Changed: mon.reprobeRoute,
		Removed: mon.forgetRoute,
	})
	go mon.sweep(mon.sweepDone)
	return mon
}

// Monitor starts tracking ep. If ep is not yet tracked, it is probed before
// Monitor returns. A changed event with the resulting state is emitted.
func (m *Monitor) Monitor(ctx context.Context, ep endpoint.Endpoint) {
	ent := m.track(ctx, ep)
	if ent == nil {
		return
	}
	m.emitChanged(ent.snapshot())
}

// IsHealthy reports the last known liveness of ep, probing it first if it
// is not yet tracked. If ep has reached the unhealthy threshold, it is
// evicted from the registry and IsHealthy returns false.
func (m *Monitor) IsHealthy(ctx context.Context, ep endpoint.Endpoint) bool {
	ent := m.track(ctx, ep)
	if ent == nil {
		return false
	}
	event := ent.snapshot()
	if event.UnhealthyTimes >= m.cfg.UnhealthyThreshold {
		m.evict(ctx, ent, event.UnhealthyTimes)
		return false
	}
	m.emitChanged(event)
	return event.State == StateHealthy
}

// MarkFailure records an explicit failure, such as a broken connection. It
// returns the endpoint's consecutive failure count.
func (m *Monitor) MarkFailure(ep endpoint.Endpoint) int {
	ent, _ := m.getOrCreate(ep)
	ent.mu.Lock()
	ent.healthy = false
	ent.unhealthyTimes++
	count := ent.unhealthyTimes
	ent.mu.Unlock()
	ent.markReady()
	return count
}

// MarkSuccess clears the timeout count for ep and serviceID.
func (m *Monitor) MarkSuccess(ep endpoint.Endpoint, serviceID string) {
	m.timeoutMu.Lock()
	defer m.timeoutMu.Unlock()
	delete(m.timeouts, timeoutKey{ep: ep, serviceID: serviceID})
}

// MarkTimeout records a call timeout. When the count for ep and serviceID
// reaches the timeout threshold, ep is removed from that service's route
// and the count starts over.
func (m *Monitor) MarkTimeout(ctx context.Context, ep endpoint.Endpoint, serviceID string) {
	key := timeoutKey{ep: ep, serviceID: serviceID}
	m.timeoutMu.Lock()
	m.timeouts[key]++
	count := m.timeouts[key]
	remove := count >= m.cfg.TimeoutThreshold
	if remove {
		delete(m.timeouts, key)
	}
	m.timeoutMu.Unlock()

	if !remove {
		return
	}
	_ = level.Warn(m.logger).Log(
		"msg", "removing address from service after repeated timeouts",
		"endpoint", ep, "service_id", serviceID, "timeout_times", count,
	)
	m.removeFromRegistry(ctx, ep, serviceID)
}

// State returns the current state of ep. Endpoints that are not tracked,
// including evicted ones, are StateUnknown.
func (m *Monitor) State(ep endpoint.Endpoint) State {
	m.mu.RLock()
	ent, ok := m.entries[ep]
	m.mu.RUnlock()
	if !ok || !ent.isReady() {
		return StateUnknown
	}
	return ent.snapshot().State
}

// Subscribe registers callbacks for changed and removed events. Either may
// be nil. Callbacks run on the goroutine that caused the event and must not
// block. The returned function cancels the subscription.
func (m *Monitor) Subscribe(onChanged, onRemoved func(Event)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSubscriber
	m.nextSubscriber++
	m.subscribers[id] = subscriber{onChanged: onChanged, onRemoved: onRemoved}
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subscribers, id)
	}
}

// Close stops the background sweep and the registry subscription, and
// waits for in-flight probes to finish.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.unsubscribe()
		m.cancel()
		<-m.sweepDone
		m.reactions.Wait()
	})
	return nil
}

func (m *Monitor) getOrCreate(ep endpoint.Endpoint) (*entry, bool) {
	m.mu.RLock()
	ent, ok := m.entries[ep]
	m.mu.RUnlock()
	if ok {
		return ent, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ent, ok := m.entries[ep]; ok {
		return ent, false
	}
	ent = &entry{ep: ep, ready: make(chan struct{})}
	m.entries[ep] = ent
	m.metrics.SetTrackedEndpoints(len(m.entries))
	return ent, true
}

// track returns the entry for ep once it has a verdict, probing ep first
// if it is not yet tracked. It returns nil if that probe evicted ep or if
// ctx ended before there was a verdict. An entry whose first probe ended
// without a verdict is dropped, so that the next caller probes again.
func (m *Monitor) track(ctx context.Context, ep endpoint.Endpoint) *entry {
	for {
		ent, created := m.getOrCreate(ep)
		if !created {
			if !m.awaitReady(ctx, ent) {
				return nil
			}
			if ent.abandoned.Load() {
				continue
			}
			return ent
		}
		evicted, judged := m.check(ctx, ent)
		if !judged {
			m.abandon(ent)
			return nil
		}
		ent.markReady()
		if evicted {
			return nil
		}
		return ent
	}
}

// abandon drops an entry that never got a verdict and releases its waiters.
func (m *Monitor) abandon(ent *entry) {
	ent.abandoned.Store(true)
	m.mu.Lock()
	if current, ok := m.entries[ent.ep]; ok && current == ent {
		delete(m.entries, ent.ep)
		m.metrics.SetTrackedEndpoints(len(m.entries))
	}
	m.mu.Unlock()
	ent.markReady()
}

func (m *Monitor) awaitReady(ctx context.Context, ent *entry) bool {
	select {
	case <-ent.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

// check probes ent and applies the result. It reports whether the entry
// was evicted, and whether the probe reached a verdict at all: a failed
// probe whose ctx ended, because the caller gave up or the monitor is
// closing, changes nothing.
func (m *Monitor) check(ctx context.Context, ent *entry) (evicted, judged bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	alive := m.prober.Probe(probeCtx, ent.ep)
	cancel()
	if !alive && ctx.Err() != nil {
		return false, false
	}
	m.metrics.RecordProbe(alive)

	ent.mu.Lock()
	if alive {
		ent.healthy = true
		ent.unhealthyTimes = 0
		ent.mu.Unlock()
		return false, true
	}
	count := ent.unhealthyTimes
	if count >= m.cfg.UnhealthyThreshold {
		ent.mu.Unlock()
		m.evict(ctx, ent, count)
		return true, true
	}
	ent.unhealthyTimes++
	ent.healthy = false
	count = ent.unhealthyTimes
	ent.mu.Unlock()
	_ = level.Warn(m.logger).Log("msg", "endpoint unhealthy", "endpoint", ent.ep, "unhealthy_times", count)
	return false, true
}

// evict stops tracking ent and removes its endpoint from every route. The
// entry is dropped even if the registry call fails.
func (m *Monitor) evict(ctx context.Context, ent *entry, unhealthyTimes int) {
	m.mu.Lock()
	current, ok := m.entries[ent.ep]
	if ok && current == ent {
		delete(m.entries, ent.ep)
	}
	m.metrics.SetTrackedEndpoints(len(m.entries))
	m.mu.Unlock()
	ent.markReady()
	if !ok || current != ent {
		// Already evicted by a concurrent probe.
		return
	}

	_ = level.Warn(m.logger).Log(
		"msg", "evicting unhealthy endpoint",
		"endpoint", ent.ep, "unhealthy_times", unhealthyTimes,
	)
	m.removeFromRegistry(ctx, ent.ep, "")
	m.emitRemoved(Event{Endpoint: ent.ep, State: StateEvicted, UnhealthyTimes: unhealthyTimes})
}

func (m *Monitor) removeFromRegistry(ctx context.Context, ep endpoint.Endpoint, serviceID string) {
	// A cancelled caller should not prevent cleanup.
	ctx = context.WithoutCancel(ctx)
	if err := m.reg.RemoveAddresses(ctx, []endpoint.Endpoint{ep}, serviceID); err != nil {
		_ = level.Error(m.logger).Log(
			"msg", "failed to remove address from registry",
			"endpoint", ep, "service_id", serviceID, "err", err,
		)
	}
	m.metrics.RecordEviction(serviceID)
}

func (m *Monitor) sweep(done chan struct{}) {
	defer close(done)
	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.checkAll(m.tracked())
		}
	}
}

func (m *Monitor) tracked() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*entry, 0, len(m.entries))
	for _, ent := range m.entries {
		entries = append(entries, ent)
	}
	return entries
}

// checkAll probes entries concurrently and emits the resulting events.
func (m *Monitor) checkAll(entries []*entry) {
	var grp errgroup.Group
	grp.SetLimit(m.cfg.SweepConcurrency)
	for _, ent := range entries {
		if !ent.isReady() {
			// First probe still in flight.
			continue
		}
		if m.ctx.Err() != nil {
			break
		}
		grp.Go(func() error {
			if evicted, judged := m.check(m.ctx, ent); judged && !evicted {
				m.emitChanged(ent.snapshot())
			}
			return nil
		})
	}
	_ = grp.Wait()
}

func (m *Monitor) reprobeRoute(route registry.Route) {
	affected := make([]*entry, 0, len(route.Addresses))
	m.mu.RLock()
	for _, addr := range route.Addresses {
		if ent, ok := m.entries[addr.Endpoint]; ok {
			affected = append(affected, ent)
		}
	}
	m.mu.RUnlock()
	if len(affected) == 0 {
		return
	}
	m.reactions.Add(1)
	go func() {
		defer m.reactions.Done()
		m.checkAll(affected)
	}()
}

func (m *Monitor) forgetRoute(route registry.Route) {
	m.mu.Lock()
	for _, addr := range route.Addresses {
		delete(m.entries, addr.Endpoint)
	}
	m.metrics.SetTrackedEndpoints(len(m.entries))
	m.mu.Unlock()

	m.timeoutMu.Lock()
	for key := range m.timeouts {
		if key.serviceID == route.Descriptor.ID {
			delete(m.timeouts, key)
		}
	}
	m.timeoutMu.Unlock()
}

func (m *Monitor) subscribersSnapshot() []subscriber {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	subs := make([]subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (m *Monitor) emitChanged(event Event) {
	for _, sub := range m.subscribersSnapshot() {
		if sub.onChanged != nil {
			sub.onChanged(event)
		}
	}
}

func (m *Monitor) emitRemoved(event Event) {
	for _, sub := range m.subscribersSnapshot() {
		if sub.onRemoved != nil {
			sub.onRemoved(event)
		}
	}
}
