package tds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gotds/tds/internal/tderrors"
)

// ConfigWatcher watches a JSON-encoded Config file on disk and, on each
// change, reloads it, keeps the result available through Current and
// passes it to the onReload callback, without requiring the caller to
// restart the process. It does not modify any existing Connection; the
// reloaded Config only takes effect where the caller uses it.
//
// The debounce-and-reload shape is the same one a file-driven reloader
// needs regardless of what it's reloading: collect fsnotify events for
// debounceDelay, then apply only the last write.
type ConfigWatcher struct {
	mu sync.RWMutex

	path string

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	debounceDelay time.Duration
	eventTimer    *time.Timer

	current *Config

	onReload func(cfg *Config)
	onError  func(err error)
}

// ConfigWatcherOption configures a ConfigWatcher.
type ConfigWatcherOption func(*ConfigWatcher)

// WithConfigDebounceDelay overrides the default 200ms debounce window.
func WithConfigDebounceDelay(d time.Duration) ConfigWatcherOption {
	return func(w *ConfigWatcher) { w.debounceDelay = d }
}

// WithConfigOnReload registers a callback invoked with the newly loaded
// Config each time the watched file changes and parses successfully.
func WithConfigOnReload(fn func(cfg *Config)) ConfigWatcherOption {
	return func(w *ConfigWatcher) { w.onReload = fn }
}

// WithConfigOnError registers a callback invoked when the watched file
// fails to parse, or the underlying fsnotify watcher reports an error.
func WithConfigOnError(fn func(err error)) ConfigWatcherOption {
	return func(w *ConfigWatcher) { w.onError = fn }
}

// NewConfigWatcher loads path once to produce the initial Config, then
// prepares (without starting) a watcher that reloads it on every write.
func NewConfigWatcher(path string, opts ...ConfigWatcherOption) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, newConnError(CodeInvalidState, tderrors.Wrap(err, tderrors.ErrCodeConfigInvalid, "create fsnotify watcher"))
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}

	w := &ConfigWatcher{
		path:          path,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 200 * time.Millisecond,
		current:       cfg,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the most recently loaded Config. Safe for concurrent use.
func (w *ConfigWatcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the config file's containing directory (files
// are watched by watching their directory, since editors commonly
// replace a file via rename rather than in-place write).
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return newConnError(CodeInvalidState, tderrors.Wrap(err, tderrors.ErrCodeConfigInvalid, "watch config directory"))
	}

	go w.processEvents()
	return nil
}

// Stop halts the watcher and releases the underlying fsnotify handle.
func (w *ConfigWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.fsWatcher.Close()
}

func (w *ConfigWatcher) processEvents() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			w.mu.Lock()
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			w.eventTimer = time.AfterFunc(w.debounceDelay, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := loadConfigFile(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// configFile is the on-disk shape loaded by ConfigWatcher: the subset of
// Config fields meaningful to serialize (TLSConfig, Logger, and
// InstanceLookup are runtime-only and excluded).
type configFile struct {
	Server   string `json:"server"`
	UserName string `json:"userName"`
	Password string `json:"password"`

	Port         int    `json:"port,omitempty"`
	InstanceName string `json:"instanceName,omitempty"`

	Database string `json:"database,omitempty"`
	AppName  string `json:"appName,omitempty"`

	PacketSize int `json:"packetSize,omitempty"`

	ConnectTimeoutMS int `json:"connectTimeoutMs,omitempty"`
	RequestTimeoutMS int `json:"requestTimeoutMs,omitempty"`
	CancelTimeoutMS  int `json:"cancelTimeoutMs,omitempty"`

	Encrypt bool `json:"encrypt,omitempty"`
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newConnError(CodeInvalidState, tderrors.Wrap(err, tderrors.ErrCodeConfigInvalid, "read config file").
			WithField("path", path))
	}

	var f configFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, newConnError(CodeInvalidState, tderrors.Wrap(err, tderrors.ErrCodeConfigInvalid, "parse config file").
			WithField("path", path))
	}

	cfg := &Config{
		Server:       f.Server,
		UserName:     f.UserName,
		Password:     f.Password,
		Port:         f.Port,
		InstanceName: f.InstanceName,
		Database:     f.Database,
		AppName:      f.AppName,
		PacketSize:   f.PacketSize,
		Encrypt:      f.Encrypt,
	}
	if f.ConnectTimeoutMS > 0 {
		cfg.ConnectTimeout = time.Duration(f.ConnectTimeoutMS) * time.Millisecond
	}
	if f.RequestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(f.RequestTimeoutMS) * time.Millisecond
	}
	if f.CancelTimeoutMS > 0 {
		cfg.CancelTimeout = time.Duration(f.CancelTimeoutMS) * time.Millisecond
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
