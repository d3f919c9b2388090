package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsseer/battle-sub000/internal/latency"
	"github.com/fsseer/battle-sub000/internal/metrics"
)

// Transport carries envelopes to subscriber channels. Delivery is best-effort:
// an error means the channel was unreachable and the envelope is dropped, not
// retried or queued.
type Transport interface {
	Deliver(ctx context.Context, channelID string, env Envelope) error
}

// Shaper supplies per-channel delivery tuning and payload shaping. The latency
// adapter implements it; a nil Shaper leaves payloads untouched.
type Shaper interface {
	TuningFor(channelID string) latency.Tuning
	Shape(channelID, entityKey string, data map[string]any, t latency.Tuning) map[string]any
}

// ReadFunc synthesizes the current state of one entity for polling refreshes.
type ReadFunc func(ctx context.Context, id string) (map[string]any, error)

// Stats snapshots the orchestrator for the introspection surface.
type Stats struct {
	TotalSubscriptions int            `json:"totalSubscriptions"`
	PerEntityType      map[string]int `json:"perEntityType"`
	PerStrategy        map[string]int `json:"perStrategy"`
	ActivePollers      int            `json:"activePollers"`
	QueuedUpdates      int            `json:"queuedUpdates"`
}

// Options configures an Orchestrator.
type Options struct {
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	Transport     Transport
	Shaper        Shaper
	FlushInterval time.Duration
	Strategies    map[string]Strategy
}

type pending struct {
	env   Envelope
	count int
}

type poller struct {
	stop chan struct{}
	done chan struct{}
}

// Orchestrator routes every reported state change to the correct subscribers
// under the strategy configured for its entity type. It owns the batch flush
// ticker and the per-key polling timers; Close cancels all of them.
type Orchestrator struct {
	registry *Registry

	mu         sync.Mutex
	strategies map[string]Strategy
	versions   map[Key]uint64
	queues     map[Key]*pending
	pollers    map[Key]*poller
	readers    map[string]ReadFunc
	latest     map[Key]map[string]any
	closed     bool

	transport Transport
	shaper    Shaper
	logger    *slog.Logger
	metrics   *metrics.Recorder

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Orchestrator and starts the batch flush ticker. Close must
// be called to stop every timer the orchestrator owns.
func New(opts Options) *Orchestrator {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	strategies := make(map[string]Strategy, len(opts.Strategies))
	for entity, strat := range opts.Strategies {
		strategies[entity] = strat
	}
	o := &Orchestrator{
		registry:   NewRegistry(),
		strategies: strategies,
		versions:   make(map[Key]uint64),
		queues:     make(map[Key]*pending),
		pollers:    make(map[Key]*poller),
		readers:    make(map[string]ReadFunc),
		latest:     make(map[Key]map[string]any),
		transport:  opts.Transport,
		shaper:     opts.Shaper,
		logger:     opts.Logger.With(slog.String("subsystem", "sync")),
		metrics:    opts.Metrics,
		done:       make(chan struct{}),
	}
	o.wg.Add(1)
	go o.flushLoop(opts.FlushInterval)
	return o
}

// SetTransport installs the push transport. It must be called before the first
// subscriber attaches; construction order requires it because the transport
// itself routes inbound control frames here.
func (o *Orchestrator) SetTransport(t Transport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transport = t
}

// SetShaper installs the per-channel tuning source.
func (o *Orchestrator) SetShaper(s Shaper) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shaper = s
}

// RegisterReader installs the state reader used to synthesize polling
// refreshes for one entity type.
func (o *Orchestrator) RegisterReader(entity string, fn ReadFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readers[entity] = fn
}

// SetStrategy installs or replaces the delivery strategy for one entity type.
// In-flight batches are untouched; only subsequently scheduled work sees the
// new value. Pollers are reconciled so a mode change does not leak timers.
func (o *Orchestrator) SetStrategy(entity string, s Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.strategies[entity] = s
	var toStop []*poller
	var toStart []Key
	if s.Mode != ModePolling {
		for key, p := range o.pollers {
			if key.Entity == entity {
				toStop = append(toStop, p)
				delete(o.pollers, key)
			}
		}
	} else {
		for _, key := range o.registry.KeysForEntity(entity) {
			if _, running := o.pollers[key]; !running {
				toStart = append(toStart, key)
			}
		}
		for _, key := range toStart {
			o.startPollerLocked(key, s.PollInterval)
		}
	}
	o.mu.Unlock()

	for _, p := range toStop {
		close(p.stop)
		<-p.done
	}
	return nil
}

// ReplaceStrategies swaps the whole table, used by the hot-reload watcher.
func (o *Orchestrator) ReplaceStrategies(strategies map[string]Strategy) error {
	for entity, strat := range strategies {
		if err := o.SetStrategy(entity, strat); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers the channel for an entity key and, for polling entity
// types, lazily starts the key's refresh timer.
func (o *Orchestrator) Subscribe(channelID, entity, id string) {
	key := Key{Entity: entity, ID: id}
	first := o.registry.Add(channelID, key)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	strat := o.strategyLocked(entity)
	if strat.Mode == ModePolling && first {
		if _, running := o.pollers[key]; !running {
			o.startPollerLocked(key, strat.PollInterval)
		}
	}
}

// Unsubscribe removes the pair from both index directions; when the key's
// subscriber set empties, any associated polling timer is stopped.
func (o *Orchestrator) Unsubscribe(channelID, entity, id string) {
	key := Key{Entity: entity, ID: id}
	if o.registry.Remove(channelID, key) {
		o.stopPoller(key)
	}
}

// Disconnect destroys every subscription held by a channel. Envelopes already
// dispatched to the transport cannot be recalled; only future deliveries stop.
func (o *Orchestrator) Disconnect(channelID string) {
	for _, key := range o.registry.DropChannel(channelID) {
		o.stopPoller(key)
	}
}

// Publish routes one state change according to the entity type's strategy.
// It never blocks on delivery acknowledgement.
func (o *Orchestrator) Publish(entity, id string, eventType EventType, data map[string]any) {
	key := Key{Entity: entity, ID: id}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	strat := o.strategyLocked(entity)
	o.versions[key]++
	env := Envelope{
		Type:      eventType,
		Entity:    entity,
		ID:        id,
		Data:      data,
		Timestamp: time.Now(),
		Version:   o.versions[key],
	}
	o.latest[key] = data

	switch strat.Mode {
	case ModeEventDriven:
		if q, ok := o.queues[key]; ok {
			// Last write wins within the batch window.
			q.env = env
			q.count++
		} else {
			o.queues[key] = &pending{env: env, count: 1}
		}
		o.mu.Unlock()
	case ModePolling:
		// The polling timer is the producer of pushes; the change is recorded
		// for the next tick and for readerless fallback.
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		o.deliver(strat, key, env)
	}
}

// Stats snapshots the orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	total, perEntity := o.registry.Counts()

	o.mu.Lock()
	defer o.mu.Unlock()
	perStrategy := make(map[string]int)
	for entity, count := range perEntity {
		perStrategy[string(o.strategyLocked(entity).Mode)] += count
	}
	queued := 0
	for _, q := range o.queues {
		queued += q.count
	}
	return Stats{
		TotalSubscriptions: total,
		PerEntityType:      perEntity,
		PerStrategy:        perStrategy,
		ActivePollers:      len(o.pollers),
		QueuedUpdates:      queued,
	}
}

// Close stops the flush ticker and every polling timer. Pending batches are
// dropped; a push plane that guarantees nothing across restarts has nothing to
// drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	pollers := make([]*poller, 0, len(o.pollers))
	for key, p := range o.pollers {
		pollers = append(pollers, p)
		delete(o.pollers, key)
	}
	o.mu.Unlock()

	for _, p := range pollers {
		close(p.stop)
		<-p.done
	}
	close(o.done)
	o.wg.Wait()
}

func (o *Orchestrator) strategyLocked(entity string) Strategy {
	if strat, ok := o.strategies[entity]; ok {
		return strat
	}
	return defaultStrategy
}

// deliver fans one envelope out to the key's subscribers. A channel that has
// gone away by delivery time is skipped silently.
func (o *Orchestrator) deliver(strat Strategy, key Key, env Envelope) {
	o.mu.Lock()
	transport := o.transport
	shaper := o.shaper
	o.mu.Unlock()
	if transport == nil {
		return
	}

	for _, channelID := range o.registry.Channels(key) {
		out := env
		if shaper != nil && out.Data != nil {
			tuning := shaper.TuningFor(channelID)
			out.Data = shaper.Shape(channelID, key.String(), out.Data, tuning)
		}
		if err := transport.Deliver(context.Background(), channelID, out); err != nil {
			o.metrics.ObserveDelivery(string(strat.Mode), metrics.DeliveryDropped)
			o.logger.Debug("skipping unreachable subscriber",
				slog.String("channel", channelID),
				slog.String("key", key.String()),
				slog.Any("error", err))
			continue
		}
		o.metrics.ObserveDelivery(string(strat.Mode), metrics.DeliveryPushed)
	}
}

// flushLoop scans the batch queues on a fixed cadence and flushes any queue
// whose window has filled, delivering only the most recent value.
func (o *Orchestrator) flushLoop(interval time.Duration) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.flushReady()
		}
	}
}

func (o *Orchestrator) flushReady() {
	type flush struct {
		strat Strategy
		key   Key
		env   Envelope
		count int
	}
	var ready []flush

	o.mu.Lock()
	for key, q := range o.queues {
		strat := o.strategyLocked(key.Entity)
		size := strat.BatchSize
		if size <= 0 {
			size = 1
		}
		if q.count >= size {
			ready = append(ready, flush{strat: strat, key: key, env: q.env, count: q.count})
			delete(o.queues, key)
		}
	}
	o.mu.Unlock()

	for _, f := range ready {
		o.metrics.ObserveBatchFlush(f.count)
		o.deliver(f.strat, f.key, f.env)
	}
}

// startPollerLocked launches the refresh timer for one polling key. Exactly
// one timer runs per key regardless of subscriber count.
func (o *Orchestrator) startPollerLocked(key Key, interval time.Duration) {
	p := &poller{stop: make(chan struct{}), done: make(chan struct{})}
	o.pollers[key] = p
	go o.runPoller(key, interval, p)
}

// stopPoller stops the key's refresh timer. The registry transition that
// emptied the key and this reconciliation are separate critical sections, so
// the subscriber set is re-checked here: if another channel subscribed in
// between, the timer it is counting on must keep running.
func (o *Orchestrator) stopPoller(key Key) {
	o.mu.Lock()
	if o.registry.HasSubscribers(key) {
		o.mu.Unlock()
		return
	}
	p, ok := o.pollers[key]
	if ok {
		delete(o.pollers, key)
	}
	o.mu.Unlock()
	if ok {
		close(p.stop)
		<-p.done
	}
}

// runPoller synthesizes a refresh push on each tick by invoking the entity
// type's reader, falling back to the last published payload when no reader is
// registered.
func (o *Orchestrator) runPoller(key Key, interval time.Duration, p *poller) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			o.pollOnce(key)
		}
	}
}

func (o *Orchestrator) pollOnce(key Key) {
	o.mu.Lock()
	reader := o.readers[key.Entity]
	strat := o.strategyLocked(key.Entity)
	fallback := o.latest[key]
	o.mu.Unlock()

	var data map[string]any
	if reader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		read, err := reader(ctx, key.ID)
		cancel()
		if err != nil {
			o.logger.Debug("poll read failed", slog.String("key", key.String()), slog.Any("error", err))
			return
		}
		data = read
	} else {
		data = fallback
	}
	if data == nil {
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.versions[key]++
	env := Envelope{
		Type:      EventReplace,
		Entity:    key.Entity,
		ID:        key.ID,
		Data:      data,
		Timestamp: time.Now(),
		Version:   o.versions[key],
	}
	o.mu.Unlock()

	o.deliver(strat, key, env)
}
