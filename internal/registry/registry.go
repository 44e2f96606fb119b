// Package registry is the process-wide catalog of component factories.
// Factories are keyed by (kind, name); every instantiation produces a
// fresh instance and verifies it satisfies the capability set of its kind.
package registry

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"maestro/internal/errors"
	"maestro/internal/llm"
	"maestro/internal/logging"
)

// Kind names a factory category. Each kind implies a capability set that
// Instantiate enforces on produced instances.
type Kind string

const (
	KindTool        Kind = "tool"
	KindAgent       Kind = "agent"
	KindWorkflow    Kind = "workflow"
	KindLLMProvider Kind = "llm-provider"
)

// Valid reports whether k is a known factory kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTool, KindAgent, KindWorkflow, KindLLMProvider:
		return true
	}
	return false
}

// ErrAlreadyRegistered is returned by Register when a (kind, name) slot is
// taken by a different factory. Re-registering an identical factory is a
// no-op, so concurrent manifest loaders can race safely.
var ErrAlreadyRegistered = stderrors.New("factory already registered")

// Factory produces one instance per call. Instances are owned by the
// caller for a single node execution and discarded afterwards.
type Factory interface {
	New(params map[string]any) (any, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(params map[string]any) (any, error)

// New implements Factory.
func (f FactoryFunc) New(params map[string]any) (any, error) {
	return f(params)
}

// Fingerprinter lets a factory declare content identity. Two factories
// with equal fingerprints are treated as the same registration. Factories
// without it fall back to pointer identity, which still makes the common
// double-registration of a shared factory value idempotent.
type Fingerprinter interface {
	Fingerprint() string
}

// Handle is a resolved registry entry. It pins the factory that was
// current at resolution time, so a plan compiled against one registry
// state keeps instantiating the same factory.
type Handle struct {
	Kind    Kind
	Name    string
	factory Factory
}

type key struct {
	kind Kind
	name string
}

type entry struct {
	factory     Factory
	fingerprint string
}

// Registry maps (kind, name) to factories. Readers resolve against an
// immutable snapshot; writers serialize on a mutex and swap in a copy.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[key]entry]
	version  atomic.Uint64
	logger   logging.Logger
}

// New returns an empty registry.
func New(logger logging.Logger) *Registry {
	r := &Registry{logger: logging.OrNop(logger)}
	empty := make(map[key]entry)
	r.snapshot.Store(&empty)
	return r
}

// Version increments on every successful mutation. Plan caches key on it
// so a registry change invalidates compiled plans.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

// Register binds a factory to (kind, name). Names are case-sensitive.
// Registering the same factory twice is a no-op; a conflicting factory
// under a taken name fails with ErrAlreadyRegistered.
func (r *Registry) Register(kind Kind, name string, factory Factory) error {
	if !kind.Valid() {
		return errors.New(errors.KindValidation, "unknown factory kind %q", kind)
	}
	if name == "" {
		return errors.New(errors.KindValidation, "factory name must not be empty")
	}
	if factory == nil {
		return errors.New(errors.KindValidation, "nil factory for %s/%s", kind, name)
	}

	fp := fingerprintOf(factory)

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	k := key{kind: kind, name: name}
	if existing, ok := current[k]; ok {
		if existing.fingerprint == fp {
			return nil
		}
		return fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, kind, name)
	}

	next := make(map[key]entry, len(current)+1)
	for kk, vv := range current {
		next[kk] = vv
	}
	next[k] = entry{factory: factory, fingerprint: fp}
	r.snapshot.Store(&next)
	r.version.Add(1)
	r.logger.Debug("registered %s/%s", kind, name)
	return nil
}

// Resolve looks up (kind, name) against the current snapshot.
func (r *Registry) Resolve(kind Kind, name string) (Handle, error) {
	current := *r.snapshot.Load()
	e, ok := current[key{kind: kind, name: name}]
	if !ok {
		return Handle{}, errors.New(errors.KindNotFound, "no %s factory named %q", kind, name)
	}
	return Handle{Kind: kind, Name: name, factory: e.factory}, nil
}

// Instantiate calls the handle's factory and verifies the instance
// satisfies the capability set for the handle's kind. A panicking factory
// is reported as a FactoryError rather than crashing the scheduler.
func (r *Registry) Instantiate(h Handle, params map[string]any) (instance any, err error) {
	if h.factory == nil {
		return nil, errors.New(errors.KindFactory, "empty handle for %s/%s", h.Kind, h.Name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			instance = nil
			err = errors.New(errors.KindFactory, "factory %s/%s panicked: %v", h.Kind, h.Name, rec)
		}
	}()

	instance, err = h.factory.New(params)
	if err != nil {
		return nil, errors.Wrap(errors.KindFactory, err, "factory %s/%s failed", h.Kind, h.Name)
	}
	if err := checkCapability(h.Kind, instance); err != nil {
		return nil, err.WithDetail("factory", string(h.Kind)+"/"+h.Name)
	}
	return instance, nil
}

// List returns registered names, sorted. Filtered by a kind it returns
// bare names; unfiltered, names are qualified as "kind/name".
func (r *Registry) List(kind Kind) []string {
	current := *r.snapshot.Load()
	names := make([]string, 0, len(current))
	for k := range current {
		if kind != "" {
			if k.kind == kind {
				names = append(names, k.name)
			}
			continue
		}
		names = append(names, string(k.kind)+"/"+k.name)
	}
	sort.Strings(names)
	return names
}

func checkCapability(kind Kind, instance any) *errors.Error {
	if instance == nil {
		return errors.New(errors.KindCapability, "%s factory returned nil instance", kind)
	}
	switch kind {
	case KindTool:
		if _, ok := instance.(Tool); !ok {
			return errors.New(errors.KindCapability, "instance %T lacks the tool capability", instance)
		}
	case KindAgent:
		if _, ok := instance.(Agent); !ok {
			return errors.New(errors.KindCapability, "instance %T lacks the agent capability", instance)
		}
	case KindWorkflow:
		if _, ok := instance.(Workflow); !ok {
			return errors.New(errors.KindCapability, "instance %T lacks the workflow capability", instance)
		}
	case KindLLMProvider:
		if _, ok := instance.(llm.Provider); !ok {
			return errors.New(errors.KindCapability, "instance %T lacks the llm-provider capability", instance)
		}
	default:
		return errors.New(errors.KindCapability, "unknown kind %q", kind)
	}
	return nil
}

func fingerprintOf(factory Factory) string {
	if fp, ok := factory.(Fingerprinter); ok {
		return "fp:" + fp.Fingerprint()
	}
	v := reflect.ValueOf(factory)
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("ptr:%x", v.Pointer())
	}
	return fmt.Sprintf("val:%T:%v", factory, factory)
}
