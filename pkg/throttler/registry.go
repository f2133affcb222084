package throttler

// WeightedLimit pairs a RateLimit with the weight a task charges against it.
type WeightedLimit struct {
	// Limit is the rate limit to charge.
	Limit *RateLimit
	// Weight is the cost charged against that limit per task.
	Weight int
}

// Registry holds the static rate-limit definitions for one exchange session
// and resolves a limit ID into its limit plus the transitive closure of
// linked limits. It is read-only after construction and safe for concurrent
// use without locking.
type Registry struct {
	limits  map[string]*RateLimit
	order   []*RateLimit
	related map[string][]WeightedLimit
}

// NewRegistry validates the given limit definitions and builds a registry.
// It fails fast with a *ConfigError on duplicate IDs, invalid definitions,
// links to unregistered IDs, or cycles in the link graph.
func NewRegistry(limits []RateLimit) (*Registry, error) {
	r := &Registry{
		limits:  make(map[string]*RateLimit, len(limits)),
		order:   make([]*RateLimit, 0, len(limits)),
		related: make(map[string][]WeightedLimit, len(limits)),
	}

	for i := range limits {
		l := limits[i]
		if l.Weight == 0 {
			l.Weight = 1
		}
		for j := range l.Linked {
			if l.Linked[j].Weight == 0 {
				l.Linked[j].Weight = 1
			}
		}
		if err := l.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.limits[l.ID]; ok {
			return nil, &ConfigError{LimitID: l.ID, Err: ErrDuplicateLimit}
		}
		r.limits[l.ID] = &l
		r.order = append(r.order, &l)
	}

	for _, l := range r.order {
		for _, ln := range l.Linked {
			if _, ok := r.limits[ln.ID]; !ok {
				return nil, &ConfigError{
					LimitID: l.ID,
					Reason:  "links to " + ln.ID,
					Err:     ErrUnknownLinkedLimit,
				}
			}
		}
	}

	for _, l := range r.order {
		rel, err := r.flatten(l)
		if err != nil {
			return nil, err
		}
		r.related[l.ID] = rel
	}

	return r, nil
}

// flatten returns the primary limit followed by every limit reachable
// through linked-limit edges, depth first, each paired with the weight
// declared on the edge that reaches it. A limit reachable through more than
// one path is charged once, at the first edge encountered.
func (r *Registry) flatten(primary *RateLimit) ([]WeightedLimit, error) {
	seen := map[string]bool{primary.ID: true}
	onPath := map[string]bool{primary.ID: true}
	out := []WeightedLimit{{Limit: primary, Weight: primary.Weight}}

	var walk func(l *RateLimit) error
	walk = func(l *RateLimit) error {
		for _, ln := range l.Linked {
			if onPath[ln.ID] {
				return &ConfigError{
					LimitID: primary.ID,
					Reason:  "via " + l.ID + " -> " + ln.ID,
					Err:     ErrLinkCycle,
				}
			}
			if seen[ln.ID] {
				continue
			}
			seen[ln.ID] = true
			linked := r.limits[ln.ID]
			out = append(out, WeightedLimit{Limit: linked, Weight: ln.Weight})

			onPath[ln.ID] = true
			if err := walk(linked); err != nil {
				return err
			}
			delete(onPath, ln.ID)
		}
		return nil
	}

	if err := walk(primary); err != nil {
		return nil, err
	}
	return out, nil
}

// RelatedLimits resolves limitID into the primary limit and the flattened
// list of every limit reachable via linked limits, each paired with its
// charged weight. The primary limit is always first, carrying its default
// weight. The second return value is false when the ID is not registered.
func (r *Registry) RelatedLimits(limitID string) ([]WeightedLimit, bool) {
	rel, ok := r.related[limitID]
	return rel, ok
}

// Limit returns the definition registered under limitID.
func (r *Registry) Limit(limitID string) (*RateLimit, bool) {
	l, ok := r.limits[limitID]
	return l, ok
}

// Limits returns all registered limits in registration order.
func (r *Registry) Limits() []*RateLimit {
	out := make([]*RateLimit, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered limits.
func (r *Registry) Len() int {
	return len(r.order)
}
