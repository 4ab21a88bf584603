package source

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
)

// Bucket is the part of a jetstream.KeyValue the KV source watches.
type Bucket interface {
	WatchAll(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// KVOption configures a KV source.
type KVOption func(*KV)

// WithKVLogger sets the logger.
func WithKVLogger(l *slog.Logger) KVOption {
	return func(k *KV) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithKVMetrics records source events.
func WithKVMetrics(m *metric.Metrics) KVOption {
	return func(k *KV) { k.metrics = m }
}

// WithKVTier sets the trust tier manifests from the bucket register under.
// Default: manifest.NexusMinion
func WithKVTier(s manifest.Source) KVOption {
	return func(k *KV) { k.tier = s }
}

// WithKVDecoder replaces the manifest decoder.
func WithKVDecoder(dec manifest.Decoder) KVOption {
	return func(k *KV) { k.decoder = dec }
}

// KV registers manifests stored as JSON values in a NATS KV bucket. Each
// key holds one manifest; deleting or purging the key unregisters it.
type KV struct {
	bucket  Bucket
	decoder manifest.Decoder
	tier    manifest.Source
	logger  *slog.Logger
	metrics *metric.Metrics
	origins *origins

	mu      sync.Mutex
	watcher jetstream.KeyWatcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	synced  chan struct{}
}

// NewKV creates a KV source over bucket.
func NewKV(bucket Bucket, registry Registry, opts ...KVOption) (*KV, error) {
	if bucket == nil || registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KV", "NewKV", "check bucket and registry")
	}
	k := &KV{
		bucket: bucket,
		tier:   manifest.NexusMinion,
		logger: slog.Default(),
		synced: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.With("component", "manifest-kv")
	k.origins = newOrigins("kv", registry, k.tier, k.metrics, k.logger)
	return k, nil
}

// Len returns the number of keys currently contributing a manifest.
func (k *KV) Len() int { return k.origins.Len() }

// Synced is closed once the values present at Start have been processed.
func (k *KV) Synced() <-chan struct{} { return k.synced }

// Start watches every key in the bucket, existing values first.
func (k *KV) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.watcher != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "KV", "Start", "start watcher")
	}

	ctx, cancel := context.WithCancel(ctx)
	watcher, err := k.bucket.WatchAll(ctx)
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "KV", "Start", "watch manifest bucket")
	}
	k.watcher = watcher
	k.cancel = cancel

	k.wg.Add(1)
	go k.run(ctx, watcher)
	return nil
}

// Stop ends the watch.
func (k *KV) Stop() {
	k.mu.Lock()
	watcher, cancel := k.watcher, k.cancel
	k.watcher, k.cancel = nil, nil
	k.mu.Unlock()

	if watcher == nil {
		return
	}
	cancel()
	if err := watcher.Stop(); err != nil {
		k.logger.Debug("Stopping KV watcher", "error", err)
	}
	k.wg.Wait()
}

func (k *KV) run(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer k.wg.Done()

	initial := true
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			// A nil entry marks the end of the initial values.
			if entry == nil {
				if initial {
					initial = false
					close(k.synced)
					k.logger.Info("Synced manifests from KV", "tracked", k.origins.Len())
				}
				continue
			}
			k.handle(entry)
		}
	}
}

func (k *KV) handle(entry jetstream.KeyValueEntry) {
	key := entry.Key()
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		k.origins.forget(key)
	default:
		m, err := k.decoder.Decode(entry.Value(), manifest.FormatJSON)
		if err != nil {
			k.origins.reject(key, err)
			return
		}
		_, _ = k.origins.apply(key, m)
	}
}
