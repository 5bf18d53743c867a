package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads path, applies environment overrides and fills defaults.
// An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	fillDefaults(&cfg)
	return cfg, nil
}

// fillDefaults restores defaults for tunables a file explicitly zeroed.
func fillDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = d.Server.RateLimitBurst
	}
	if cfg.Wallet.Timeout <= 0 {
		cfg.Wallet.Timeout = d.Wallet.Timeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
	if cfg.Payment.PollInterval <= 0 {
		cfg.Payment.PollInterval = d.Payment.PollInterval
	}
	if cfg.Payment.PollAttempts <= 0 {
		cfg.Payment.PollAttempts = d.Payment.PollAttempts
	}
	if cfg.Paywall.ReplayAttempts <= 0 {
		cfg.Paywall.ReplayAttempts = d.Paywall.ReplayAttempts
	}
	if cfg.Paywall.PendingTTL <= 0 {
		cfg.Paywall.PendingTTL = d.Paywall.PendingTTL
	}
	if cfg.Paywall.TokenTTL <= 0 {
		cfg.Paywall.TokenTTL = d.Paywall.TokenTTL
	}
	if cfg.Paywall.RequestTimeout <= 0 {
		cfg.Paywall.RequestTimeout = d.Paywall.RequestTimeout
	}
	if cfg.Journal.MaxEntries <= 0 {
		cfg.Journal.MaxEntries = d.Journal.MaxEntries
	}
	if cfg.Journal.TTL <= 0 {
		cfg.Journal.TTL = d.Journal.TTL
	}
	if cfg.Invoices.CleanupAfter <= 0 {
		cfg.Invoices.CleanupAfter = d.Invoices.CleanupAfter
	}
	if cfg.Budget.Retention <= 0 {
		cfg.Budget.Retention = d.Budget.Retention
	}
}

// Loader holds the current configuration and reloads it when the file
// changes. Only the agent list is meant to be applied live; the rest is
// read once at startup.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  Config
	onChange []func(Config)
	onError  func(error)
}

// NewLoader loads and validates path.
func NewLoader(path string) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &Loader{path: path, current: cfg}, nil
}

// Config returns the current configuration.
func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after every successful reload.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// OnError registers fn to receive reload failures. The previous
// configuration stays in effect when a reload fails.
func (l *Loader) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

// Reload re-reads the file. An invalid file leaves the current config in
// place and returns the error.
func (l *Loader) Reload() error {
	cfg, err := Load(l.path)
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		l.mu.RLock()
		onError := l.onError
		l.mu.RUnlock()
		if onError != nil {
			onError(err)
		}
		return err
	}

	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// Watch reloads on every write to the config file until stop is called.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					_ = l.Reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			watcher.Close()
		})
	}, nil
}
