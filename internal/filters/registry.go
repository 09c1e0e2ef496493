// Package filters assembles and runs the per-rule filter chain.
package filters

import (
	"fmt"
	"slices"
	"sync"
)

// Stage names.
const (
	StageInit           = "init"
	StageGlobal         = "global"
	StageDelay          = "delay"
	StageKeyword        = "keyword"
	StageReplace        = "replace"
	StageMedia          = "media"
	StageAdvancedMedia  = "advanced_media"
	StageAI             = "ai"
	StageInfo           = "info"
	StageCommentButton  = "comment_button"
	StageRSS            = "rss"
	StageEdit           = "edit"
	StageSender         = "sender"
	StageReply          = "reply"
	StagePush           = "push"
	StageDeleteOriginal = "delete_original"
)

// defaultOrder encodes the data flow between stages.
var defaultOrder = []string{
	StageInit,
	StageGlobal,
	StageDelay,
	StageKeyword,
	StageReplace,
	StageMedia,
	StageAdvancedMedia,
	StageAI,
	StageInfo,
	StageCommentButton,
	StageRSS,
	StageEdit,
	StageSender,
	StageReply,
	StagePush,
	StageDeleteOriginal,
}

type Constructor func() Filter

type entry struct {
	ctor Constructor
	deps []string
}

// Registry maps stage names to constructors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a stage. Dependencies are read from a sample instance.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("filter %q: empty name or constructor", name)
	}
	var deps []string
	if d, ok := ctor().(Dependent); ok {
		deps = d.Dependencies()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("filter %q already registered", name)
	}
	r.entries[name] = entry{ctor: ctor, deps: deps}
	return nil
}

func (r *Registry) MustRegister(name string, ctor Constructor) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Get builds a new instance of the named stage.
func (r *Registry) Get(name string) (Filter, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.ctor(), true
}

// Names lists registered stages in canonical order, extras last.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return r.Order(names)
}

func (r *Registry) DefaultOrder() []string {
	return slices.Clone(defaultOrder)
}

// Validate reports unknown stage names and unmet dependencies as
// "stage->dependency" pairs.
func (r *Registry) Validate(names []string) (unknown, missing []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		for _, dep := range e.deps {
			if !slices.Contains(names, dep) {
				missing = append(missing, name+"->"+dep)
			}
		}
	}
	return unknown, missing
}

// Order returns names sorted by the canonical order. Names outside it
// keep their relative order and go last. Duplicates are dropped.
func (r *Registry) Order(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range defaultOrder {
		if slices.Contains(names, name) {
			out = append(out, name)
		}
	}
	for _, name := range names {
		if !slices.Contains(defaultOrder, name) && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
