package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// InvalidationEvent is the wire shape broadcast when one instance hard-deletes
// a key. Sender lets receivers skip their own writes.
type InvalidationEvent struct {
	Key    string `json:"key"`
	Sender string `json:"sender"`
}

// BusConfig points the bus at a valkey instance.
type BusConfig struct {
	Address    string
	Username   string
	Password   string
	DB         int
	Channel    string
	InstanceID string
}

// Bus broadcasts hard invalidations over valkey pub/sub so every engine
// instance drops the same keys. Delivery is best-effort, matching the rest of
// the push plane.
type Bus struct {
	client     valkey.Client
	channel    string
	instanceID string
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus connects to valkey and verifies the link with a ping.
func NewBus(cfg BusConfig, logger *slog.Logger) (*Bus, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: bus address required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("cache: bus channel required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: bus client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: bus ping: %w", err)
	}

	return &Bus{
		client:     client,
		channel:    cfg.Channel,
		instanceID: cfg.InstanceID,
		logger:     logger.With(slog.String("subsystem", "cache_bus")),
	}, nil
}

// Publish broadcasts one key invalidation to peer instances.
func (b *Bus) Publish(ctx context.Context, key string) error {
	payload, err := json.Marshal(InvalidationEvent{Key: key, Sender: b.instanceID})
	if err != nil {
		return fmt.Errorf("cache: bus marshal: %w", err)
	}
	cmd := b.client.B().Publish().Channel(b.channel).Message(string(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: bus publish: %w", err)
	}
	return nil
}

// Listen subscribes to the invalidation channel and applies peer deletes until
// Close is called. Own writes are filtered by sender id.
func (b *Bus) Listen(apply func(key string)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub := b.client.B().Subscribe().Channel(b.channel).Build()
		err := b.client.Receive(ctx, sub, func(msg valkey.PubSubMessage) {
			var event InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Message), &event); err != nil {
				b.logger.Debug("discarding malformed invalidation event", slog.Any("error", err))
				return
			}
			if event.Sender == b.instanceID {
				return
			}
			apply(event.Key)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("invalidation subscription ended", slog.Any("error", err))
		}
	}()
}

// Close stops the listener and releases the valkey connection.
func (b *Bus) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.client.Close()
}
