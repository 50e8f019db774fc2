package plugin

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agnivade/levenshtein"
	"github.com/go-analyze/bulk"
	"go.uber.org/zap"

	"github.com/go-appsec/relaybox/parley/service/store"
)

const (
	stateKey = "plugin_state"

	maxSuggestionDistance = 3
)

// entry pairs a spec with its loaded plugin. Only spec.Enabled changes after
// creation, and only under Registry.mu.
type entry struct {
	spec   Spec
	plugin Plugin
}

// Registry discovers plugins per direction and tracks which are enabled.
//
// Dispatch reads an immutable snapshot of the enabled chain through an atomic
// pointer, so enable, disable and reload never block in-flight messages.
// Mutations are serialized by mu.
type Registry struct {
	mu        sync.Mutex
	dirs      map[Direction]string
	specs     map[Direction][]*entry // every discovered plugin, in order
	chains    map[Direction]*atomic.Pointer[[]*entry]
	factories map[string]Factory
	state     store.Storage
	persisted map[string]bool // enabled flags restored from state, keyed by stateName
	log       *zap.SugaredLogger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the reporting logger.
func WithLogger(log *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithStateStore persists enabled flags across restarts.
func WithStateStore(s store.Storage) RegistryOption {
	return func(r *Registry) { r.state = s }
}

// WithFactories replaces the manifest kinds available to discovery.
func WithFactories(f map[string]Factory) RegistryOption {
	return func(r *Registry) { r.factories = f }
}

// NewRegistry creates a registry reading each direction from its directory.
// Nothing is loaded until Load or Reload is called.
func NewRegistry(dirs map[Direction]string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dirs:      make(map[Direction]string, len(Directions)),
		specs:     make(map[Direction][]*entry, len(Directions)),
		chains:    make(map[Direction]*atomic.Pointer[[]*entry], len(Directions)),
		factories: BuiltinFactories(),
		log:       zap.NewNop().Sugar(),
	}
	for _, d := range Directions {
		r.dirs[d] = dirs[d]
		r.chains[d] = &atomic.Pointer[[]*entry]{}
		r.chains[d].Store(&[]*entry{})
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.state != nil {
		r.persisted = r.loadState()
	}
	return r
}

// Dir returns the discovery directory for a direction.
func (r *Registry) Dir(d Direction) string {
	return r.dirs[d]
}

// Load scans the directory for one direction and replaces its chain.
// Plugins failing the capability check are skipped with a warning.
// Enabled flags of names already known are preserved; new names start
// enabled unless persisted state says otherwise. Plugins added with Register
// survive the scan and run after the discovered ones.
func (r *Registry) Load(d Direction) ([]Spec, error) {
	if _, ok := r.chains[d]; !ok {
		return nil, fmt.Errorf("load plugins: invalid direction %s", d)
	}

	candidates, skipped, err := discover(r.dirs[d])
	if err != nil {
		return nil, err
	}
	for _, skipErr := range skipped {
		r.log.Warnw("plugin: skipped", "direction", d.String(), "error", skipErr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := make(map[string]bool, len(r.specs[d]))
	var registered []*entry
	taken := make(map[string]bool)
	for _, e := range r.specs[d] {
		previous[e.spec.Name] = e.spec.Enabled
		if e.spec.Path == "" {
			registered = append(registered, e)
			taken[e.spec.Name] = true
		}
	}

	loaded := make([]*entry, 0, len(candidates)+len(registered))
	for _, c := range candidates {
		if taken[c.name] {
			r.log.Warnw("plugin: skipped, name taken by a registered plugin", "direction", d.String(), "plugin", c.name, "path", c.path)
			continue
		}
		p, role, description, err := openCandidate(c, r.factories)
		if err != nil {
			r.log.Warnw("plugin: skipped", "direction", d.String(), "error", &LoadError{Path: c.path, Err: err})
			continue
		}

		enabled, known := previous[c.name]
		if !known {
			enabled = true
			if v, ok := r.persisted[stateName(d, c.name)]; ok {
				enabled = v
			}
		}
		loaded = append(loaded, &entry{
			spec: Spec{
				Name:        c.name,
				Direction:   d,
				Description: description,
				Role:        role,
				Enabled:     enabled,
				Order:       len(loaded),
				Path:        c.path,
			},
			plugin: p,
		})
	}

	for _, e := range registered {
		spec := e.spec
		spec.Order = len(loaded)
		loaded = append(loaded, &entry{spec: spec, plugin: e.plugin})
	}

	r.specs[d] = loaded
	r.publishLocked(d)
	r.log.Infow("plugin: loaded", "direction", d.String(), "count", len(loaded), "dir", r.dirs[d])

	return snapshot(loaded), nil
}

// Reload re-scans every direction.
func (r *Registry) Reload() error {
	var errs []error
	for _, d := range Directions {
		if _, err := r.Load(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register adds an already constructed plugin to the end of a direction's
// discovery order. Used for plugins compiled into the binary; they are kept
// across Load and Reload.
func (r *Registry) Register(d Direction, name string, role Role, p Plugin) error {
	if _, ok := r.chains[d]; !ok {
		return fmt.Errorf("register plugin: invalid direction %s", d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.specs[d] {
		if e.spec.Name == name {
			return fmt.Errorf("register plugin: duplicate name %q", name)
		}
	}
	enabled := true
	if v, ok := r.persisted[stateName(d, name)]; ok {
		enabled = v
	}
	r.specs[d] = append(r.specs[d], &entry{
		spec: Spec{
			Name:        name,
			Direction:   d,
			Description: p.Description(),
			Role:        role,
			Enabled:     enabled,
			Order:       len(r.specs[d]),
		},
		plugin: p,
	})
	r.publishLocked(d)
	return nil
}

// Enable turns a plugin on. DirectionAny applies to every direction holding the name.
// Enabling an enabled plugin is a no-op.
func (r *Registry) Enable(d Direction, name string) error {
	return r.setEnabled(d, name, true)
}

// Disable turns a plugin off. DirectionAny applies to every direction holding the name.
// Disabling a disabled plugin is a no-op.
func (r *Registry) Disable(d Direction, name string) error {
	return r.setEnabled(d, name, false)
}

func (r *Registry) setEnabled(d Direction, name string, enabled bool) error {
	dirs := Directions
	if d != DirectionAny {
		if _, ok := r.chains[d]; !ok {
			return fmt.Errorf("invalid direction %s", d)
		}
		dirs = []Direction{d}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var found, changed bool
	for _, dir := range dirs {
		for _, e := range r.specs[dir] {
			if e.spec.Name != name {
				continue
			}
			found = true
			if e.spec.Enabled != enabled {
				e.spec.Enabled = enabled
				changed = true
				r.publishLocked(dir)
			}
		}
	}
	if !found {
		return r.notFoundLocked(dirs, name)
	}

	if changed {
		r.log.Infow("plugin: toggled", "plugin", name, "direction", d.String(), "enabled", enabled)
		r.saveStateLocked()
	}
	return nil
}

// Specs returns a copy of every discovered spec for a direction in order.
// DirectionAny returns client specs followed by server specs.
func (r *Registry) Specs(d Direction) []Spec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d == DirectionAny {
		var all []Spec
		for _, dir := range Directions {
			all = append(all, snapshot(r.specs[dir])...)
		}
		return all
	}
	return snapshot(r.specs[d])
}

// chain returns the enabled entries for a direction in execution order.
// The returned slice must not be modified.
func (r *Registry) chain(d Direction) []*entry {
	p, ok := r.chains[d]
	if !ok {
		return nil
	}
	return *p.Load()
}

// publishLocked rebuilds the enabled chain snapshot. Caller must hold mu.
func (r *Registry) publishLocked(d Direction) {
	enabled := bulk.SliceFilter(func(e *entry) bool {
		return e.spec.Enabled
	}, r.specs[d])
	r.chains[d].Store(&enabled)
}

func (r *Registry) notFoundLocked(dirs []Direction, name string) error {
	var names []string
	for _, d := range dirs {
		for _, e := range r.specs[d] {
			names = append(names, e.spec.Name)
		}
	}
	if best := closest(name, names); best != "" {
		return fmt.Errorf("%w: %s (did you mean %q?)", ErrPluginNotFound, name, best)
	}
	return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

type persistedState struct {
	Enabled map[string]bool `msgpack:"e"`
}

func stateName(d Direction, name string) string {
	return d.String() + "/" + name
}

func (r *Registry) loadState() map[string]bool {
	data, found, err := r.state.Get(stateKey)
	if err != nil {
		r.log.Warnw("plugin: load state failed", "error", err)
		return nil
	} else if !found {
		return nil
	}
	var st persistedState
	if err := store.Deserialize(data, &st); err != nil {
		r.log.Warnw("plugin: decode state failed", "error", err)
		return nil
	}
	return st.Enabled
}

// saveStateLocked persists every known enabled flag. Caller must hold mu.
func (r *Registry) saveStateLocked() {
	if r.state == nil {
		return
	}

	st := persistedState{Enabled: make(map[string]bool)}
	for k, v := range r.persisted {
		st.Enabled[k] = v
	}
	for _, d := range Directions {
		for _, e := range r.specs[d] {
			st.Enabled[stateName(d, e.spec.Name)] = e.spec.Enabled
		}
	}
	r.persisted = st.Enabled

	data, err := store.Serialize(st)
	if err != nil {
		r.log.Warnw("plugin: encode state failed", "error", err)
		return
	}
	if err := r.state.Set(stateKey, data); err != nil {
		r.log.Warnw("plugin: save state failed", "error", err)
	}
}

func snapshot(entries []*entry) []Spec {
	specs := make([]Spec, len(entries))
	for i, e := range entries {
		specs[i] = e.spec
	}
	return specs
}

// closest returns the nearest candidate within maxSuggestionDistance, or empty.
func closest(input string, candidates []string) string {
	var best string
	bestDist := maxSuggestionDistance + 1
	for _, c := range candidates {
		if dist := levenshtein.ComputeDistance(input, c); dist < bestDist {
			bestDist = dist
			best = c
		}
	}
	if bestDist <= maxSuggestionDistance {
		return best
	}
	return ""
}
