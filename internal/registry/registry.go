package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	actionschema "github.com/flitsinc/toolbridge/internal/schema"
)

var ErrDuplicateAction = errors.New("duplicate action")

// NameCollisionError reports a remote registration that tried to shadow a
// local action. Locals always win; the colliding entry is dropped.
type NameCollisionError struct {
	Name string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("remote action %q collides with a local action", e.Name)
}

type Site int

const (
	SiteUnknown Site = iota
	SiteLocal
	SiteRemote
)

func (s Site) String() string {
	switch s {
	case SiteLocal:
		return "local"
	case SiteRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Impl is a locally executable action body. Argument validation is the
// implementation's own responsibility.
type Impl func(ctx context.Context, args map[string]any) (string, error)

// Resolution is the result of a site lookup. Impl is set only for SiteLocal.
type Resolution struct {
	Site   Site
	Schema actionschema.ActionSchema
	Impl   Impl
}

// Rejected describes one entry of a remote registration batch that was
// dropped. The rest of the batch still registers.
type Rejected struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type localEntry struct {
	schema actionschema.ActionSchema
	impl   Impl
}

type remoteSet struct {
	order   []string
	schemas map[string]actionschema.ActionSchema
}

// Registry holds the process-wide local action table and one remote action
// table per session. The local table is built at startup and read-only
// afterwards; remote tables are replaced wholesale per registration.
type Registry struct {
	mu         sync.RWMutex
	localOrder []string
	locals     map[string]localEntry
	remotes    map[string]*remoteSet
}

func New() *Registry {
	return &Registry{
		locals:  map[string]localEntry{},
		remotes: map[string]*remoteSet{},
	}
}

func (r *Registry) RegisterLocal(schema actionschema.ActionSchema, impl Impl) error {
	name := strings.TrimSpace(schema.Name)
	if name == "" {
		return fmt.Errorf("action name is required")
	}
	if impl == nil {
		return fmt.Errorf("action %q requires an implementation", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locals[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, name)
	}
	for _, set := range r.remotes {
		if _, ok := set.schemas[name]; ok {
			return fmt.Errorf("%w: %s (registered remotely)", ErrDuplicateAction, name)
		}
	}
	schema.Name = name
	r.locals[name] = localEntry{schema: schema, impl: impl}
	r.localOrder = append(r.localOrder, name)
	return nil
}

// RegisterRemote replaces the session's remote action table with the given
// batch. Entries that collide with a local name or carry a parameter spec
// that does not compile as JSON Schema are dropped individually; duplicates
// within the batch resolve last-one-wins. Returns accepted names in table
// order plus the dropped entries.
func (r *Registry) RegisterRemote(sessionID string, schemas []actionschema.ActionSchema) ([]string, []Rejected) {
	set := &remoteSet{schemas: map[string]actionschema.ActionSchema{}}
	var rejected []Rejected

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range schemas {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			rejected = append(rejected, Rejected{Name: s.Name, Reason: "action name is required"})
			continue
		}
		if _, ok := r.locals[name]; ok {
			collision := &NameCollisionError{Name: name}
			rejected = append(rejected, Rejected{Name: name, Reason: collision.Error()})
			continue
		}
		if err := compileParameters(s.Parameters); err != nil {
			rejected = append(rejected, Rejected{Name: name, Reason: fmt.Sprintf("invalid parameter spec: %v", err)})
			continue
		}
		s.Name = name
		if _, seen := set.schemas[name]; !seen {
			set.order = append(set.order, name)
		}
		set.schemas[name] = s
	}

	r.remotes[sessionID] = set
	return append([]string{}, set.order...), rejected
}

// Resolve looks up the execution site for an action name. It is a pure
// lookup with no side effects.
func (r *Registry) Resolve(sessionID, name string) Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.locals[name]; ok {
		return Resolution{Site: SiteLocal, Schema: entry.schema, Impl: entry.impl}
	}
	if set, ok := r.remotes[sessionID]; ok {
		if s, ok := set.schemas[name]; ok {
			return Resolution{Site: SiteRemote, Schema: s}
		}
	}
	return Resolution{Site: SiteUnknown}
}

// MergedSchemas returns the capability list for a session: locals in
// registration order, then the session's remote actions in received order.
func (r *Registry) MergedSchemas(sessionID string) []actionschema.ActionSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]actionschema.ActionSchema, 0, len(r.localOrder))
	for _, name := range r.localOrder {
		out = append(out, r.locals[name].schema)
	}
	if set, ok := r.remotes[sessionID]; ok {
		for _, name := range set.order {
			out = append(out, set.schemas[name])
		}
	}
	return out
}

// LocalNames returns local action names in registration order.
func (r *Registry) LocalNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.localOrder...)
}

// RemoteNames returns the session's remote action names in table order.
func (r *Registry) RemoteNames(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if set, ok := r.remotes[sessionID]; ok {
		return append([]string{}, set.order...)
	}
	return nil
}

// DropSession removes the session's remote action table at teardown.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	delete(r.remotes, sessionID)
	r.mu.Unlock()
}

func compileParameters(params []byte) error {
	if len(params) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters.json", bytes.NewReader(params)); err != nil {
		return err
	}
	if _, err := compiler.Compile("parameters.json"); err != nil {
		return err
	}
	return nil
}
