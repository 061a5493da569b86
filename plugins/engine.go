package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"whatsapp-hub/config"
)

// ErrUnknownPlugin is returned for names the catalog does not know.
var ErrUnknownPlugin = errors.New("unknown plugin")

var (
	invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_plugin_invocations_total",
		Help: "Plugin handler invocations",
	}, []string{"plugin"})
	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_plugin_errors_total",
		Help: "Plugin handler failures, panics included",
	}, []string{"plugin"})
	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "whatsapp_hub_plugin_dispatch_seconds",
		Help:    "Time to run all enabled handlers for one event",
		Buckets: prometheus.DefBuckets,
	})
)

// Catalog is the source of truth Load rebuilds the active set from.
type Catalog struct {
	mu        sync.RWMutex
	names     []string
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[name]; !exists {
		c.names = append(c.names, name)
	}
	c.factories[name] = f
}

func (c *Catalog) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[name]
	return ok
}

func (c *Catalog) snapshot() ([]string, map[string]Factory) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := append([]string(nil), c.names...)
	factories := make(map[string]Factory, len(c.factories))
	for k, v := range c.factories {
		factories[k] = v
	}
	return names, factories
}

type loaded struct {
	name   string
	plugin Plugin
	config map[string]any
}

// Status describes one catalog entry.
type Status struct {
	Name    string `json:"name"`
	Loaded  bool   `json:"loaded"`
	Default bool   `json:"default"`
	Enabled bool   `json:"enabled"`
	Error   string `json:"error,omitempty"`
}

// Engine holds the active handler set and per-name enable overrides.
type Engine struct {
	catalog *Catalog
	configs map[string]map[string]any
	log     zerolog.Logger

	mu        sync.RWMutex
	active    []*loaded
	failures  map[string]string
	overrides map[string]bool
}

// NewEngine creates an engine. An "enabled" key in a plugin's config
// section seeds its override.
func NewEngine(catalog *Catalog, configs map[string]map[string]any, log zerolog.Logger) *Engine {
	e := &Engine{
		catalog:   catalog,
		configs:   configs,
		log:       log.With().Str("component", "plugins").Logger(),
		failures:  make(map[string]string),
		overrides: make(map[string]bool),
	}
	for name, section := range configs {
		if enabled, ok := config.PluginOverride(section); ok {
			e.overrides[name] = enabled
		}
	}
	return e
}

// Load replaces the active set with fresh instances built from the
// catalog. Units whose factory fails are logged and left out.
func (e *Engine) Load() (loadedCount int, failed []string) {
	names, factories := e.catalog.snapshot()
	active := make([]*loaded, 0, len(names))
	failures := make(map[string]string)

	for _, name := range names {
		cfg := e.configs[name]
		p, err := build(factories[name], cfg)
		if err != nil {
			e.log.Error().Err(err).Str("plugin", name).Msg("failed to load plugin")
			failures[name] = err.Error()
			failed = append(failed, name)
			continue
		}
		active = append(active, &loaded{name: name, plugin: p, config: cfg})
	}

	e.mu.Lock()
	previous := e.active
	e.active = active
	e.failures = failures
	e.mu.Unlock()

	for _, l := range previous {
		e.reset(l)
	}

	e.log.Info().Int("loaded", len(active)).Int("failed", len(failed)).Msg("plugins loaded")
	return len(active), failed
}

// Reload is Load under its operational name.
func (e *Engine) Reload() (int, []string) {
	return e.Load()
}

func build(f Factory, cfg map[string]any) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	p, err = f(cfg)
	if err == nil && p == nil {
		err = errors.New("factory returned no plugin")
	}
	return p, err
}

func (e *Engine) Enable(name string) error {
	return e.setOverride(name, true)
}

func (e *Engine) Disable(name string) error {
	return e.setOverride(name, false)
}

func (e *Engine) setOverride(name string, enabled bool) error {
	if !e.catalog.has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	e.mu.Lock()
	var stopped *loaded
	for _, l := range e.active {
		if l.name == name && !enabled && e.enabledLocked(l) {
			stopped = l
		}
	}
	e.overrides[name] = enabled
	e.mu.Unlock()

	if stopped != nil {
		e.reset(stopped)
	}
	e.log.Info().Str("plugin", name).Bool("enabled", enabled).Msg("plugin toggled")
	return nil
}

func (e *Engine) reset(l *loaded) {
	r, ok := l.plugin.(Resetter)
	if !ok {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().Str("plugin", l.name).Interface("panic", rec).Msg("plugin reset panicked")
		}
	}()
	r.Reset()
}

// IsEnabled reports the effective state of a loaded plugin.
func (e *Engine) IsEnabled(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, l := range e.active {
		if l.name == name {
			return e.enabledLocked(l)
		}
	}
	return false
}

func (e *Engine) enabledLocked(l *loaded) bool {
	if v, ok := e.overrides[l.name]; ok {
		return v
	}
	return l.plugin.DefaultEnabled()
}

// List returns the state of every catalog entry, sorted by name.
func (e *Engine) List() []Status {
	names, _ := e.catalog.snapshot()
	e.mu.RLock()
	defer e.mu.RUnlock()

	byName := make(map[string]*loaded, len(e.active))
	for _, l := range e.active {
		byName[l.name] = l
	}
	out := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Name: name, Error: e.failures[name]}
		if l, ok := byName[name]; ok {
			st.Loaded = true
			st.Default = l.plugin.DefaultEnabled()
			st.Enabled = e.enabledLocked(l)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs every enabled handler concurrently and waits for all of
// them. Handler failures are logged and never reach the caller.
func (e *Engine) Dispatch(ctx context.Context, client Client, ev Event) {
	e.mu.RLock()
	var run []*loaded
	for _, l := range e.active {
		if e.enabledLocked(l) {
			run = append(run, l)
		}
	}
	e.mu.RUnlock()
	if len(run) == 0 {
		return
	}

	start := time.Now()
	var wg conc.WaitGroup
	for _, l := range run {
		l := l
		wg.Go(func() {
			invocations.WithLabelValues(l.name).Inc()
			pc := &Context{Enabled: true, Client: client, Event: ev, Config: l.config}
			if err := safeCall(ctx, l, pc); err != nil {
				handlerErrors.WithLabelValues(l.name).Inc()
				e.log.Error().Err(err).
					Str("plugin", l.name).
					Str("instance", ev.Instance).
					Str("event", string(ev.Kind)).
					Msg("plugin handler failed")
			}
		})
	}
	wg.Wait()
	dispatchLatency.Observe(time.Since(start).Seconds())
}

func safeCall(ctx context.Context, l *loaded, pc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Plugin: l.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := l.plugin.Handle(ctx, pc); err != nil {
		return &HandlerError{Plugin: l.name, Err: err}
	}
	return nil
}
