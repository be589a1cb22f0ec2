package schema

import (
	"fmt"
	"sort"
)

// Registry holds the full kind catalog and the fixed dependency order every
// export and import walks. The order is computed once from declared
// reference edges via Kahn's algorithm and cached; subsets are re-sorted
// over the same edges instead of filtering the global list.
type Registry struct {
	kinds    map[string]Kind
	order    []string
	deferred map[string][]string
}

// NewRegistry builds a registry and computes the dependency order.
// Cycles are broken at nullable reference edges; the fields on the broken
// edges are reported by DeferredFields and must be applied in a second
// pass. A cycle with no nullable edge is an error.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{
		kinds: make(map[string]Kind, len(kinds)),
	}
	for _, k := range kinds {
		if err := k.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.kinds[k.Name]; dup {
			return nil, fmt.Errorf("duplicate kind %s", k.Name)
		}
		r.kinds[k.Name] = k
	}

	for _, k := range r.kinds {
		for _, f := range k.ReferenceFields() {
			if _, ok := r.kinds[f.Ref]; !ok {
				return nil, fmt.Errorf("kind %s: field %s references unknown kind %s", k.Name, f.Name, f.Ref)
			}
		}
		for _, rel := range k.Relations {
			if _, ok := r.kinds[rel.Target]; !ok {
				return nil, fmt.Errorf("kind %s: relation %s targets unknown kind %s", k.Name, rel.Name, rel.Target)
			}
		}
	}

	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	order, deferred, err := r.sortKinds(names)
	if err != nil {
		return nil, err
	}
	r.order = order
	r.deferred = deferred
	return r, nil
}

// Kind returns the kind with the given name.
func (r *Registry) Kind(name string) (Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// Order returns the cached dependency order: a referenced kind never
// follows a referencing kind.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// OrderSubset re-sorts the requested subset over the declared edges.
// An empty include list means all kinds; excludes are applied after.
func (r *Registry) OrderSubset(include, exclude []string) []string {
	selected := make(map[string]bool)
	if len(include) == 0 {
		for name := range r.kinds {
			selected[name] = true
		}
	} else {
		for _, name := range include {
			if _, ok := r.kinds[name]; ok {
				selected[name] = true
			}
		}
	}
	for _, name := range exclude {
		delete(selected, name)
	}

	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	// Edges into excluded kinds vanish with the subset, so this cannot
	// introduce a cycle the full sort did not already break. Deferred
	// fields stay as computed at construction.
	order, _, err := r.sortKinds(names)
	if err != nil {
		order = nil
		for _, name := range r.order {
			if selected[name] {
				order = append(order, name)
			}
		}
	}
	return order
}

// DeferredFields returns the reference fields of a kind that were nulled to
// break a dependency cycle. They are written in a second pass after every
// kind has been applied.
func (r *Registry) DeferredFields(kind string) []string {
	out := make([]string, len(r.deferred[kind]))
	copy(out, r.deferred[kind])
	return out
}

// CriticalKinds returns the kinds whose absence from an archive warrants a
// warning during import validation.
func (r *Registry) CriticalKinds() []string {
	var out []string
	for _, name := range r.order {
		if r.kinds[name].Critical {
			out = append(out, name)
		}
	}
	return out
}

// sortKinds runs Kahn's algorithm over the reference edges between the
// given kinds. Ties are broken alphabetically so the order is stable. The
// returned map records, per kind, the nullable reference fields dropped to
// break cycles; sortKinds itself never touches registry state.
func (r *Registry) sortKinds(names []string) ([]string, map[string][]string, error) {
	in := make(map[string]bool, len(names))
	for _, name := range names {
		in[name] = true
	}

	type edge struct {
		from, to string // "from" depends on "to"
		field    string
		nullable bool
	}
	var edges []edge
	for _, name := range names {
		for _, f := range r.kinds[name].ReferenceFields() {
			if f.Ref == name || !in[f.Ref] {
				continue // self-references resolve within the kind
			}
			edges = append(edges, edge{from: name, to: f.Ref, field: f.Name, nullable: f.Nullable})
		}
	}

	deferred := make(map[string][]string)
	for {
		indegree := make(map[string]int, len(names))
		dependents := make(map[string][]string)
		for _, name := range names {
			indegree[name] = 0
		}
		for _, e := range edges {
			indegree[e.from]++
			dependents[e.to] = append(dependents[e.to], e.from)
		}

		var queue []string
		for _, name := range names {
			if indegree[name] == 0 {
				queue = append(queue, name)
			}
		}
		sort.Strings(queue)

		var order []string
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			order = append(order, current)

			var freed []string
			for _, dep := range dependents[current] {
				indegree[dep]--
				if indegree[dep] == 0 {
					freed = append(freed, dep)
				}
			}
			sort.Strings(freed)
			queue = append(queue, freed...)
		}

		if len(order) == len(names) {
			return order, deferred, nil
		}

		// Cycle: drop one nullable edge among the unsorted kinds and
		// record its field for the deferred second pass.
		sorted := make(map[string]bool, len(order))
		for _, name := range order {
			sorted[name] = true
		}
		broke := false
		for idx, e := range edges {
			if sorted[e.from] || sorted[e.to] || !e.nullable {
				continue
			}
			deferred[e.from] = append(deferred[e.from], e.field)
			edges = append(edges[:idx], edges[idx+1:]...)
			broke = true
			break
		}
		if !broke {
			var remaining []string
			for _, name := range names {
				if !sorted[name] {
					remaining = append(remaining, name)
				}
			}
			sort.Strings(remaining)
			return nil, nil, fmt.Errorf("dependency cycle with no nullable edge: %v", remaining)
		}
	}
}
