package catalog

// Graph is the dependency graph over a resolved service set.
// Edges to services outside the set are ignored.
type Graph struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// NewGraph builds a graph from services given in dependency order.
func NewGraph(services []*Service) *Graph {
	g := &Graph{
		deps:       make(map[string][]string, len(services)),
		dependents: make(map[string][]string, len(services)),
	}
	in := make(map[string]struct{}, len(services))
	for _, s := range services {
		in[s.ID] = struct{}{}
		g.order = append(g.order, s.ID)
	}
	for _, s := range services {
		for _, dep := range s.DependsOn {
			if _, ok := in[dep]; !ok {
				continue
			}
			g.deps[s.ID] = append(g.deps[s.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	return g
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string { return g.deps[id] }

// Dependents returns the services that directly depend on id.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// Ready returns, in graph order, the services among candidates that are not
// started yet and whose dependencies are all healthy.
func (g *Graph) Ready(candidates []string, started, healthy map[string]bool) []string {
	want := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		want[id] = struct{}{}
	}
	var out []string
	for _, id := range g.order {
		if _, ok := want[id]; !ok || started[id] {
			continue
		}
		ready := true
		for _, dep := range g.deps[id] {
			if !healthy[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}
