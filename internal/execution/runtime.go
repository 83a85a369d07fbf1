package execution

import (
	"sort"
	"sync"

	"github.com/wudi/appgate/internal/config"
	"github.com/wudi/appgate/internal/model"
)

// DefaultRuntime runs functions whose metadata names no runtime.
const DefaultRuntime model.RuntimeType = "node"

// Runtime describes how a function of one runtime type is run.
type Runtime struct {
	Name       model.RuntimeType
	Image      string
	SourceFile string
	Command    []string
}

// Runtimes maps runtime types to their images.
type Runtimes struct {
	mu       sync.RWMutex
	runtimes map[model.RuntimeType]Runtime
}

// NewRuntimes builds the registry from configuration.
func NewRuntimes(cfg map[string]config.RuntimeConfig) *Runtimes {
	r := &Runtimes{runtimes: make(map[model.RuntimeType]Runtime, len(cfg))}
	for name, rc := range cfg {
		r.Register(Runtime{
			Name:       model.RuntimeType(name),
			Image:      rc.Image,
			SourceFile: rc.SourceFile,
			Command:    rc.Command,
		})
	}
	return r
}

// Register adds or replaces a runtime.
func (r *Runtimes) Register(rt Runtime) {
	r.mu.Lock()
	r.runtimes[rt.Name] = rt
	r.mu.Unlock()
}

// Get looks a runtime up by type.
func (r *Runtimes) Get(name model.RuntimeType) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[name]
	return rt, ok
}

// Names returns the registered runtime types in sorted order.
func (r *Runtimes) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
