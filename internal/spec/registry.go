package spec

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrUnknownService is returned for a name not present in the registry,
	// either requested directly or referenced as a dependency.
	ErrUnknownService = errors.New("unknown service")
	// ErrDependencyCycle is returned when the dependency graph is not acyclic.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrDuplicateService is returned when two descriptors share a name.
	ErrDuplicateService = errors.New("duplicate service")
	// ErrDuplicatePort is returned when two descriptors declare the same port.
	ErrDuplicatePort = errors.New("duplicate port")
)

// Registry is the validated, immutable set of service descriptors and the
// dependency graph between them.
type Registry struct {
	order []string // declaration order
	specs map[string]*ServiceSpec
	// deps[A] = [B, C] means A starts after B and C are healthy
	deps map[string][]string
	// dependents[B] = [A] means A depends on B (reverse of deps)
	dependents map[string][]string
	// level[A] is the length of the longest dependency chain below A
	level map[string]int
}

// NewRegistry validates names, ports, dependency references and acyclicity. No
// registry is returned for a graph that fails any of these.
func NewRegistry(specs []*ServiceSpec) (*Registry, error) {
	r := &Registry{
		specs:      make(map[string]*ServiceSpec, len(specs)),
		deps:       make(map[string][]string, len(specs)),
		dependents: make(map[string][]string, len(specs)),
		level:      make(map[string]int, len(specs)),
	}

	ports := make(map[int]string, len(specs))
	for _, s := range specs {
		name := s.Service.Name
		if _, dup := r.specs[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateService, name)
		}
		if other, dup := ports[s.Network.Port]; dup {
			return nil, fmt.Errorf("%w: %q and %q both use port %d", ErrDuplicatePort, other, name, s.Network.Port)
		}
		ports[s.Network.Port] = name
		r.specs[name] = s
		r.order = append(r.order, name)
	}

	for _, name := range r.order {
		for _, dep := range r.specs[name].DependsOn {
			if _, ok := r.specs[dep]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownService, name, dep)
			}
			if slices.Contains(r.deps[name], dep) {
				continue
			}
			r.deps[name] = append(r.deps[name], dep)
			r.dependents[dep] = append(r.dependents[dep], name)
		}
	}

	if err := r.computeLevels(); err != nil {
		return nil, err
	}
	return r, nil
}

// computeLevels walks the graph depth-first, rejecting cycles, and assigns
// each service one more than the deepest of its dependencies.
func (r *Registry) computeLevels() error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool) // cycle detection
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		if inStack[name] {
			start := slices.Index(path, name)
			cycle := append(slices.Clone(path[start:]), name)
			return fmt.Errorf("%w: %v", ErrDependencyCycle, cycle)
		}
		if visited[name] {
			return nil
		}

		inStack[name] = true
		path = append(path, name)

		lvl := 0
		for _, dep := range r.deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
			lvl = max(lvl, r.level[dep]+1)
		}

		path = path[:len(path)-1]
		inStack[name] = false
		visited[name] = true
		r.level[name] = lvl
		return nil
	}

	for _, name := range r.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*ServiceSpec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Names returns all service names in declaration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Specs returns all descriptors in declaration order.
func (r *Registry) Specs() []*ServiceSpec {
	out := make([]*ServiceSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Closure returns the requested services plus everything they transitively
// depend on, in declaration order. An empty request means every service.
func (r *Registry) Closure(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return r.Names(), nil
	}

	include := make(map[string]bool)
	var collect func(name string)
	collect = func(name string) {
		if include[name] {
			return
		}
		include[name] = true
		for _, dep := range r.deps[name] {
			collect(dep)
		}
	}
	for _, name := range requested {
		if _, ok := r.specs[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
		}
		collect(name)
	}

	var out []string
	for _, name := range r.order {
		if include[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// StartupLevels returns the requested services and their dependencies grouped
// into levels. Every service in a level depends only on services in earlier
// levels. Within a level services keep declaration order.
func (r *Registry) StartupLevels(requested []string) ([][]string, error) {
	names, err := r.Closure(requested)
	if err != nil {
		return nil, err
	}

	var levels [][]string
	for _, name := range names {
		lvl := r.level[name]
		for len(levels) <= lvl {
			levels = append(levels, nil)
		}
		levels[lvl] = append(levels[lvl], name)
	}

	// A subset may leave gaps where no requested service sits at a depth.
	out := levels[:0]
	for _, l := range levels {
		if len(l) > 0 {
			out = append(out, l)
		}
	}
	return out, nil
}

// StartupOrder flattens StartupLevels into a single sequence.
func (r *Registry) StartupOrder(requested []string) ([]string, error) {
	levels, err := r.StartupLevels(requested)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, l := range levels {
		order = append(order, l...)
	}
	return order, nil
}

// ShutdownOrder returns the running services in the exact reverse of their
// startup order. Names unknown to the registry are stopped first.
func (r *Registry) ShutdownOrder(running []string) []string {
	set := make(map[string]bool, len(running))
	for _, name := range running {
		set[name] = true
	}

	var order []string
	for _, name := range running {
		if _, ok := r.specs[name]; !ok {
			order = append(order, name)
		}
	}

	start, _ := r.StartupOrder(nil)
	slices.Reverse(start)
	for _, name := range start {
		if set[name] {
			order = append(order, name)
		}
	}
	return order
}

// Dependents returns every service that transitively depends on name, in
// startup order.
func (r *Registry) Dependents(name string) []string {
	visited := make(map[string]bool)

	var collect func(n string)
	collect = func(n string) {
		for _, dep := range r.dependents[n] {
			if !visited[dep] {
				visited[dep] = true
				collect(dep) // transitive dependents
			}
		}
	}
	collect(name)

	start, _ := r.StartupOrder(nil)
	var out []string
	for _, n := range start {
		if visited[n] {
			out = append(out, n)
		}
	}
	return out
}
