package module

// Registry holds the set of enabled modules in a fixed dispatch order.
// Order matters for join/leave fan-out (§4.1, §4.3): control always runs
// first so its join_success fragment and roster bookkeeping land before any
// other module observes the participant, and the same order is used for
// OnParticipantLeft/DestroyRoom so control's `left` broadcast reaches
// everyone else before any other module tears down.
type Registry struct {
	order []Module
	byNS  map[string]Module
}

// NewRegistry builds a Registry from modules in the given order. When two
// modules share a namespace, the first one is kept and any later one is
// silently skipped (see cmd/controller/main.go for the list in use).
func NewRegistry(modules ...Module) *Registry {
	r := &Registry{byNS: make(map[string]Module, len(modules))}
	for _, m := range modules {
		if _, exists := r.byNS[m.Namespace()]; exists {
			continue
		}
		r.byNS[m.Namespace()] = m
		r.order = append(r.order, m)
	}
	return r
}

// Ordered returns modules in registration order.
func (r *Registry) Ordered() []Module {
	return r.order
}

// Lookup finds a module by its wire namespace.
func (r *Registry) Lookup(namespace string) (Module, bool) {
	m, ok := r.byNS[namespace]
	return m, ok
}

// Len reports how many modules are registered.
func (r *Registry) Len() int {
	return len(r.order)
}
