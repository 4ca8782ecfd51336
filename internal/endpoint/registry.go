package endpoint

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// AllCause marks a disconnection that affected every endpoint.
const AllCause = "all"

// Registry holds one Endpoint per entity for a single identity.
type Registry struct {
	identity string
	log      *slog.Logger

	mu             sync.RWMutex
	byEntity       map[string]*Endpoint
	byChannel      map[string]*Endpoint
	disconnectedBy string
}

// NewRegistry creates an empty registry for identity. A nil log uses
// slog.Default.
func NewRegistry(identity string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		identity:  identity,
		log:       log,
		byEntity:  make(map[string]*Endpoint),
		byChannel: make(map[string]*Endpoint),
	}
}

// Identity returns the identity channels are derived from.
func (r *Registry) Identity() string { return r.identity }

// Ensure returns the endpoint for spec.Entity, creating it on first use.
// Registering the same entity again with a different remote root fails with
// ErrImmutable; the whole engine must be recreated to change it.
func (r *Registry) Ensure(spec Spec) (*Endpoint, bool, error) {
	if spec.Entity == "" {
		return nil, false, fmt.Errorf("%w: empty entity", ErrInvalidSpec)
	}
	if spec.RemoteRoot == "" {
		return nil, false, fmt.Errorf("%w: empty remote root for %q", ErrInvalidSpec, spec.Entity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.byEntity[spec.Entity]; ok {
		if ep.RemoteRoot != NormalizeRoot(spec.RemoteRoot) {
			return nil, false, fmt.Errorf("%w: %s is bound to %s", ErrImmutable, spec.Entity, ep.RemoteRoot)
		}
		return ep, false, nil
	}

	ep := newEndpoint(r.identity, spec)
	r.byEntity[ep.Entity] = ep
	r.byChannel[ep.Channel] = ep
	r.log.Debug("endpoint registered", "entity", ep.Entity, "channel", ep.Channel, "root", ep.RemoteRoot)
	return ep, true, nil
}

// Get returns the endpoint for entity.
func (r *Registry) Get(entity string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byEntity[entity]
	return ep, ok
}

// ByChannel returns the endpoint that owns channel.
func (r *Registry) ByChannel(channel string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byChannel[channel]
	return ep, ok
}

// All returns every endpoint ordered by priority, then entity.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	out := make([]*Endpoint, 0, len(r.byEntity))
	for _, ep := range r.byEntity {
		out = append(out, ep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Entity < out[j].Entity
	})
	return out
}

// Close removes the endpoint for entity.
func (r *Registry) Close(entity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.byEntity[entity]
	if !ok {
		return false
	}
	delete(r.byEntity, entity)
	delete(r.byChannel, ep.Channel)
	return true
}

// MarkDisconnected moves the named endpoint (or every endpoint for
// AllCause or "") to Disconnected and remembers the cause. Calling it again is
// harmless. A later entity-level cause never narrows an "all" cause.
func (r *Registry) MarkDisconnected(cause string) []*Endpoint {
	if cause == "" {
		cause = AllCause
	}
	var affected []*Endpoint
	if cause == AllCause {
		affected = r.All()
	} else if ep, ok := r.Get(cause); ok {
		affected = []*Endpoint{ep}
	}
	for _, ep := range affected {
		// Every state may move to Disconnected.
		_ = ep.Transition(Disconnected)
	}

	r.mu.Lock()
	if r.disconnectedBy != AllCause {
		r.disconnectedBy = cause
	}
	r.mu.Unlock()
	return affected
}

// MarkConnected clears the recorded cause once it no longer covers a
// disconnected endpoint: an entity cause clears when that entity connects, an
// "all" cause when every endpoint is Connected.
func (r *Registry) MarkConnected(entity string) {
	all := r.All()
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.disconnectedBy {
	case "":
	case entity:
		r.disconnectedBy = ""
	case AllCause:
		for _, ep := range all {
			if ep.State() != Connected {
				return
			}
		}
		r.disconnectedBy = ""
	}
}

// DisconnectedBy returns the recorded disconnection cause, or "" when nothing
// is disconnected.
func (r *Registry) DisconnectedBy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disconnectedBy
}

// ResumeTargets returns the endpoints a reconnect should resume according to
// the recorded cause and clears it.
func (r *Registry) ResumeTargets() []*Endpoint {
	r.mu.Lock()
	cause := r.disconnectedBy
	r.disconnectedBy = ""
	r.mu.Unlock()

	switch cause {
	case "":
		return nil
	case AllCause:
		return r.All()
	default:
		if ep, ok := r.Get(cause); ok {
			return []*Endpoint{ep}
		}
		return nil
	}
}
