package catalog

import "fmt"

// Resolution is the outcome of expanding a profile selection.
type Resolution struct {
	// Profiles is the de-duplicated selection in request order.
	Profiles []string `json:"profiles"`
	// Services is the union of effective services in dependency order.
	Services []*Service `json:"services"`
	// Conflicts lists incompatible profile pairs in the selection.
	Conflicts []ConflictPair `json:"conflicts"`
}

// ServiceIDs returns the ids of Services in order.
func (r *Resolution) ServiceIDs() []string {
	out := make([]string, 0, len(r.Services))
	for _, s := range r.Services {
		out = append(out, s.ID)
	}
	return out
}

// ResolveProfiles expands profiles into an ordered service list.
//
// Unknown profiles are CatalogErrors. Declared conflicts between requested profiles
// produce a DependencyConflictError listing every colliding pair; the returned
// Resolution still carries the conflicts. Services appearing in several profiles
// collapse into one entry.
func (c *Catalog) ResolveProfiles(ids []string) (*Resolution, error) {
	res := &Resolution{}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := c.profileByID[id]; !ok {
			return nil, catalogErr(fmt.Sprintf("profile %q", id), "unknown profile")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		res.Profiles = append(res.Profiles, id)
	}
	if len(res.Profiles) == 0 {
		return nil, ErrEmptySelection
	}

	for i := 0; i < len(res.Profiles); i++ {
		for j := i + 1; j < len(res.Profiles); j++ {
			a, b := res.Profiles[i], res.Profiles[j]
			if c.Conflicting(a, b) {
				res.Conflicts = append(res.Conflicts, ConflictPair{A: a, B: b})
			}
		}
	}

	union := make(map[string]struct{})
	for _, id := range res.Profiles {
		for _, svc := range c.profileByID[id].Effective {
			union[svc] = struct{}{}
		}
	}

	if len(res.Conflicts) > 0 {
		return res, &DependencyConflictError{Pairs: res.Conflicts}
	}

	// Mutually exclusive services that slipped past the conflict table are a catalog defect.
	for id := range union {
		for _, ex := range c.serviceByID[id].Excludes {
			if _, both := union[ex]; both {
				return nil, catalogErr(fmt.Sprintf("service %q", id), "excludes %q but no profile conflict covers the selection %v", ex, res.Profiles)
			}
		}
	}

	ordered, err := c.topoSort(union)
	if err != nil {
		return nil, err
	}
	res.Services = ordered
	return res, nil
}

// topoSort orders the set so every service follows its dependencies.
// Among services whose dependencies are placed, the earliest declared goes first.
func (c *Catalog) topoSort(set map[string]struct{}) ([]*Service, error) {
	candidates := c.inCatalogOrder(set)
	placed := make(map[string]bool, len(candidates))
	out := make([]*Service, 0, len(candidates))

	for len(out) < len(candidates) {
		progressed := false
		for _, id := range candidates {
			if placed[id] {
				continue
			}
			svc := c.serviceByID[id]
			if !depsPlaced(svc, set, placed) {
				continue
			}
			placed[id] = true
			out = append(out, svc)
			progressed = true
			break
		}
		if !progressed {
			return nil, catalogErr("dependency graph", "cycle among %v", candidates)
		}
	}
	return out, nil
}

func depsPlaced(svc *Service, set map[string]struct{}, placed map[string]bool) bool {
	for _, dep := range svc.DependsOn {
		if _, inSet := set[dep]; !inSet {
			continue
		}
		if !placed[dep] {
			return false
		}
	}
	return true
}
