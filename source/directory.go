package source

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/obinexus/gov-clock/errors"
	"github.com/obinexus/gov-clock/manifest"
	"github.com/obinexus/gov-clock/metric"
)

// maxManifestSize bounds a manifest document read from disk.
const maxManifestSize = 1 << 20

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithDirectoryLogger sets the logger.
func WithDirectoryLogger(l *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDirectoryMetrics records source events.
func WithDirectoryMetrics(m *metric.Metrics) DirectoryOption {
	return func(d *Directory) { d.metrics = m }
}

// WithTier sets the trust tier manifests from the directory register under.
// Default: manifest.LocalCache
func WithTier(s manifest.Source) DirectoryOption {
	return func(d *Directory) { d.tier = s }
}

// WithDecoder replaces the manifest decoder.
func WithDecoder(dec manifest.Decoder) DirectoryOption {
	return func(d *Directory) { d.decoder = dec }
}

// WithDebounce sets how long a file must be quiet before it is read.
// Default: 100ms
func WithDebounce(window time.Duration) DirectoryOption {
	return func(d *Directory) {
		if window > 0 {
			d.debounce = window
		}
	}
}

// Directory registers manifest documents (*.json, *.yaml, *.yml) found in a
// directory and follows later creates, writes and removals.
type Directory struct {
	dir      string
	decoder  manifest.Decoder
	tier     manifest.Source
	debounce time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics
	origins  *origins

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDirectory creates a directory source. The directory must exist.
func NewDirectory(dir string, registry Registry, opts ...DirectoryOption) (*Directory, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Directory", "NewDirectory", "check registry")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Directory", "NewDirectory", "stat manifest directory")
	}
	if !info.IsDir() {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Directory", "NewDirectory", dir+" is not a directory")
	}

	d := &Directory{
		dir:      filepath.Clean(dir),
		tier:     manifest.LocalCache,
		debounce: 100 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "manifest-directory", "dir", d.dir)
	d.origins = newOrigins("directory", registry, d.tier, d.metrics, d.logger)
	return d, nil
}

// Dir returns the watched directory.
func (d *Directory) Dir() string { return d.dir }

// Len returns the number of files currently contributing a manifest.
func (d *Directory) Len() int { return d.origins.Len() }

// Scan registers every manifest document currently in the directory. It
// returns how many were registered or replaced; rejected documents are
// logged and counted but do not fail the scan.
func (d *Directory) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, errors.WrapTransient(err, "Directory", "Scan", "read manifest directory")
	}

	registered := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return registered, errors.WrapTransient(err, "Directory", "Scan", "scan manifest directory")
		}
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		if _, ok := manifestFormat(path); !ok {
			continue
		}
		outcome, err := d.loadFile(path)
		if err == nil && (outcome == OutcomeRegistered || outcome == OutcomeReplaced) {
			registered++
		}
	}

	d.logger.Info("Scanned manifest directory", "registered", registered, "tracked", d.origins.Len())
	return registered, nil
}

// Start scans the directory and then watches it until Stop or ctx is done.
func (d *Directory) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Directory", "Start", "start watcher")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "Directory", "Start", "create watcher")
	}
	// Watch before scanning so files written during the scan are not missed.
	if err := watcher.Add(d.dir); err != nil {
		_ = watcher.Close()
		return errors.WrapTransient(err, "Directory", "Start", "watch manifest directory")
	}

	if _, err := d.Scan(ctx); err != nil {
		_ = watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	d.watcher = watcher
	d.cancel = cancel

	d.wg.Add(1)
	go d.run(ctx, watcher)
	return nil
}

// Stop ends the watch and waits for pending events to drain.
func (d *Directory) Stop() {
	d.mu.Lock()
	watcher, cancel := d.watcher, d.cancel
	d.watcher, d.cancel = nil, nil
	d.mu.Unlock()

	if watcher == nil {
		return
	}
	cancel()
	_ = watcher.Close()
	d.wg.Wait()
}

// run batches events per path and handles each path once it has been quiet
// for the debounce window. The latest event for a path wins.
func (d *Directory) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer d.wg.Done()

	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		slices.Sort(paths)
		for _, p := range paths {
			d.handle(p, pending[p])
		}
		clear(pending)
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if _, ok := manifestFormat(event.Name); !ok {
				continue
			}
			pending[event.Name] = event.Op
			if timer == nil {
				timer = time.NewTimer(d.debounce)
				timerC = timer.C
			} else {
				timer.Reset(d.debounce)
			}

		case <-timerC:
			flush()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("Manifest directory watch error", "error", err)
		}
	}
}

func (d *Directory) handle(path string, op fsnotify.Op) {
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		if _, err := os.Stat(path); err != nil {
			d.origins.forget(path)
			return
		}
	}
	_, _ = d.loadFile(path)
}

func (d *Directory) loadFile(path string) (string, error) {
	format, _ := manifestFormat(path)

	info, err := os.Stat(path)
	if err != nil {
		d.origins.forget(path)
		return "", err
	}
	if !info.Mode().IsRegular() || info.Size() > maxManifestSize {
		err := errors.WrapInvalid(errors.ErrInvalidData, "Directory", "loadFile",
			"check "+filepath.Base(path)+" size and type")
		d.origins.reject(path, err)
		return OutcomeRejected, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		d.origins.reject(path, err)
		return OutcomeRejected, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		// Editors truncate before writing; wait for the write event.
		return OutcomeUnchanged, nil
	}

	m, err := d.decoder.Decode(data, format)
	if err != nil {
		d.origins.reject(path, err)
		return OutcomeRejected, err
	}
	return d.origins.apply(path, m)
}

// manifestFormat selects manifest documents by extension, skipping hidden
// and editor temporary files.
func manifestFormat(path string) (manifest.Format, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return 0, false
	}
	return manifest.FormatFromPath(path)
}
