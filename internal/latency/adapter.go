package latency

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fsseer/battle-sub000/internal/metrics"
)

// Quality classifies a channel's round-trip latency.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	// QualityUnknown is the sentinel for channels whose probes timed out or
	// that have no samples yet. The adapter keeps operating with safe defaults
	// rather than halting.
	QualityUnknown Quality = "unknown"
)

// classify maps an average round trip onto a Quality bucket.
func classify(rtt time.Duration) Quality {
	switch {
	case rtt < 50*time.Millisecond:
		return QualityExcellent
	case rtt < 100*time.Millisecond:
		return QualityGood
	case rtt < 200*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Sample is one probe measurement. Unknown samples carry no usable RTT.
type Sample struct {
	RTT     time.Duration
	At      time.Time
	Unknown bool
}

// ChannelStats summarizes the retained sample window for one channel.
type ChannelStats struct {
	Current time.Duration `json:"current"`
	Average time.Duration `json:"average"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Quality Quality       `json:"quality"`
	Samples int           `json:"samples"`
}

// Tuning is the advisory delivery quadruple the orchestrator reads instead of
// fixed global constants: tighter, uncompressed, predictive delivery on fast
// links; larger batches and heavier compression on slow ones. UpdateInterval
// and PredictionEnabled are advisory to the client, so the quadruple also has
// a wire form, with the interval in milliseconds.
type Tuning struct {
	UpdateInterval    time.Duration
	BatchSize         int
	Compression       Level
	PredictionEnabled bool
}

type tuningWire struct {
	UpdateIntervalMS  int64 `json:"update_interval_ms"`
	BatchSize         int   `json:"batch_size"`
	Compression       Level `json:"compression"`
	PredictionEnabled bool  `json:"prediction_enabled"`
}

func (t Tuning) MarshalJSON() ([]byte, error) {
	return json.Marshal(tuningWire{
		UpdateIntervalMS:  t.UpdateInterval.Milliseconds(),
		BatchSize:         t.BatchSize,
		Compression:       t.Compression,
		PredictionEnabled: t.PredictionEnabled,
	})
}

func (t *Tuning) UnmarshalJSON(b []byte) error {
	var w tuningWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = Tuning{
		UpdateInterval:    time.Duration(w.UpdateIntervalMS) * time.Millisecond,
		BatchSize:         w.BatchSize,
		Compression:       w.Compression,
		PredictionEnabled: w.PredictionEnabled,
	}
	return nil
}

// tuningFor derives the delivery parameters for a quality bucket.
func tuningFor(q Quality) Tuning {
	switch q {
	case QualityExcellent:
		return Tuning{UpdateInterval: 50 * time.Millisecond, BatchSize: 1, Compression: LevelNone, PredictionEnabled: true}
	case QualityGood:
		return Tuning{UpdateInterval: 100 * time.Millisecond, BatchSize: 2, Compression: LevelLow, PredictionEnabled: true}
	case QualityFair:
		return Tuning{UpdateInterval: 200 * time.Millisecond, BatchSize: 5, Compression: LevelMedium, PredictionEnabled: false}
	case QualityPoor:
		return Tuning{UpdateInterval: 500 * time.Millisecond, BatchSize: 10, Compression: LevelHigh, PredictionEnabled: false}
	default:
		// Degraded but safe defaults while the link is unmeasured.
		return Tuning{UpdateInterval: 200 * time.Millisecond, BatchSize: 5, Compression: LevelMedium, PredictionEnabled: false}
	}
}

// Prober sends one echo probe and reports the round trip.
type Prober interface {
	Probe(ctx context.Context, channelID string) (time.Duration, error)
}

// Options configures an Adapter. Channels enumerates the live channel ids each
// probe cycle; when Prober or Channels is nil the probe loop is not started
// and samples arrive only through Record. OnChange, when set, is invoked every
// time a channel's recomputed tuning differs from its previous one, so the
// transport can advise the client.
type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SampleWindow  int
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	Prober        Prober
	Channels      func() []string
	OnChange      func(channelID string, t Tuning)
}

// Adapter measures per-channel round-trip latency and recomputes the delivery
// tuning the orchestrator should use for each channel.
type Adapter struct {
	mu      sync.Mutex
	samples map[string][]Sample
	tunings map[string]Tuning

	window       int
	probeTimeout time.Duration
	prober       Prober
	channels     func() []string
	onChange     func(channelID string, t Tuning)
	compressor   *Compressor

	logger  *slog.Logger
	metrics *metrics.Recorder

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Adapter and, when probing is wired, starts its probe loop.
// Close must be called to stop the loop.
func New(opts Options) *Adapter {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.SampleWindow <= 0 {
		opts.SampleWindow = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &Adapter{
		samples:      make(map[string][]Sample),
		tunings:      make(map[string]Tuning),
		window:       opts.SampleWindow,
		probeTimeout: opts.ProbeTimeout,
		prober:       opts.Prober,
		channels:     opts.Channels,
		onChange:     opts.OnChange,
		compressor:   NewCompressor(),
		logger:       opts.Logger.With(slog.String("subsystem", "latency")),
		metrics:      opts.Metrics,
		done:         make(chan struct{}),
	}
	if a.prober != nil && a.channels != nil {
		a.wg.Add(1)
		go a.probeLoop(opts.ProbeInterval)
	}
	return a
}

// Record feeds one measurement into the channel's sample window and recomputes
// its tuning. Transports that piggyback on protocol-level pongs call this
// directly.
func (a *Adapter) Record(channelID string, rtt time.Duration, ok bool) {
	sample := Sample{RTT: rtt, At: time.Now(), Unknown: !ok}
	if ok {
		a.metrics.ObserveProbe(rtt)
	} else {
		a.metrics.ObserveProbeTimeout()
	}

	a.mu.Lock()
	window := append(a.samples[channelID], sample)
	if len(window) > a.window {
		window = window[len(window)-a.window:]
	}
	a.samples[channelID] = window
	previous, measured := a.tunings[channelID]
	tuning := tuningFor(a.qualityLocked(channelID))
	a.tunings[channelID] = tuning
	a.mu.Unlock()

	if a.onChange != nil && (!measured || previous != tuning) {
		a.onChange(channelID, tuning)
	}
}

// StatsFor summarizes the retained window for one channel.
func (a *Adapter) StatsFor(channelID string) (ChannelStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	window, ok := a.samples[channelID]
	if !ok || len(window) == 0 {
		return ChannelStats{Quality: QualityUnknown}, false
	}

	stats := ChannelStats{Min: -1, Quality: QualityUnknown, Samples: len(window)}
	known := 0
	var total time.Duration
	for _, s := range window {
		if s.Unknown {
			continue
		}
		known++
		total += s.RTT
		stats.Current = s.RTT
		if stats.Min < 0 || s.RTT < stats.Min {
			stats.Min = s.RTT
		}
		if s.RTT > stats.Max {
			stats.Max = s.RTT
		}
	}
	if known == 0 {
		stats.Min = 0
		return stats, true
	}
	stats.Average = total / time.Duration(known)
	stats.Quality = classify(stats.Average)
	return stats, true
}

// TuningFor returns the current advisory delivery parameters for a channel.
// Unmeasured channels get the safe unknown-quality defaults.
func (a *Adapter) TuningFor(channelID string) Tuning {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tunings[channelID]; ok {
		return t
	}
	return tuningFor(QualityUnknown)
}

// Shape applies the channel's compression level to a payload before delivery.
func (a *Adapter) Shape(channelID, entityKey string, data map[string]any, t Tuning) map[string]any {
	return a.compressor.Encode(channelID, entityKey, t.Compression, data)
}

// Forget drops every sample, tuning, and delta baseline held for a
// disconnected channel.
func (a *Adapter) Forget(channelID string) {
	a.mu.Lock()
	delete(a.samples, channelID)
	delete(a.tunings, channelID)
	a.mu.Unlock()
	a.compressor.Forget(channelID)
}

// Close stops the probe loop.
func (a *Adapter) Close() {
	close(a.done)
	a.wg.Wait()
}

// qualityLocked classifies the channel from the known samples in its window.
func (a *Adapter) qualityLocked(channelID string) Quality {
	window := a.samples[channelID]
	known := 0
	var total time.Duration
	for _, s := range window {
		if s.Unknown {
			continue
		}
		known++
		total += s.RTT
	}
	if known == 0 {
		return QualityUnknown
	}
	return classify(total / time.Duration(known))
}

// probeLoop sends one echo probe per live channel each interval. A probe that
// misses its timeout records an unknown sample rather than failing.
func (a *Adapter) probeLoop(interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			for _, channelID := range a.channels() {
				ctx, cancel := context.WithTimeout(context.Background(), a.probeTimeout)
				rtt, err := a.prober.Probe(ctx, channelID)
				cancel()
				if err != nil {
					a.logger.Debug("probe resolved unknown", slog.String("channel", channelID), slog.Any("error", err))
					a.Record(channelID, 0, false)
					continue
				}
				a.Record(channelID, rtt, true)
			}
		}
	}
}
