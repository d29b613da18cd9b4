// Package resources combines the resource requirements of selected profiles,
// counting every shared service once, and compares them with the host.
package resources

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kaspa-aio/aioctl/internal/catalog"
)

// Dimension is a resource axis.
type Dimension string

const (
	RAM  Dimension = "ram"
	CPU  Dimension = "cpu"
	Disk Dimension = "disk"
)

var dimensions = []Dimension{RAM, CPU, Disk}

// Status classifies one dimension against the combined requirement.
type Status string

const (
	StatusPass             Status = "pass"
	StatusBelowRecommended Status = "below-recommended"
	StatusInsufficient     Status = "insufficient"
)

// Severity ranks suggestions.
type Severity string

const (
	// SeverityCritical blocks installation.
	SeverityCritical Severity = "critical"
	// SeverityWarning degrades the experience.
	SeverityWarning Severity = "warning"
	// SeverityInfo confirms savings already achieved.
	SeverityInfo Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	}
	return 2
}

// Host is the detected capacity of the target machine. Disk is free space on the data volume.
type Host struct {
	RAM  uint64 `json:"ramBytes"`
	CPU  int64  `json:"cpuMillis"`
	Disk uint64 `json:"diskBytes"`
}

// ServiceCost is the attribution of one service in a report.
type ServiceCost struct {
	Service string `json:"service"`
	// CountedIn is the profile whose expansion first added the service.
	CountedIn string `json:"countedIn"`
	// UsedBy lists every selected profile referencing the service, in selection order.
	UsedBy       []string             `json:"usedBy"`
	Shared       bool                 `json:"shared"`
	Requirements catalog.Requirements `json:"requirements"`
}

// Check is the host comparison of one dimension. Values are bytes, or millicores for CPU.
type Check struct {
	Dimension   Dimension `json:"dimension"`
	Status      Status    `json:"status"`
	Available   uint64    `json:"available"`
	Minimum     uint64    `json:"minimum"`
	Recommended uint64    `json:"recommended"`
	// Shortfall is measured against the minimum when insufficient, else against the recommendation.
	Shortfall uint64 `json:"shortfall"`
}

// Suggestion is a ranked remediation hint.
type Suggestion struct {
	Severity Severity `json:"severity"`
	Service  string   `json:"service"`
	Message  string   `json:"message"`
	// Savings is what following the suggestion frees, or what sharing already saved.
	Savings catalog.Amount `json:"savings"`
	// score orders suggestions of equal severity; it is the mean fraction of the
	// relevant totals that Savings represents.
	score float64
}

// Report is the outcome of Combine.
type Report struct {
	Profiles []string `json:"profiles"`
	// Services lists every distinct service once, in counting order.
	Services []ServiceCost `json:"services"`
	// Total is the sum of Services' requirements.
	Total       catalog.Requirements `json:"total"`
	Host        *Host                `json:"host,omitempty"`
	Checks      []Check              `json:"checks,omitempty"`
	Suggestions []Suggestion         `json:"suggestions"`
}

// Combine sums the requirements of the given profiles. A service referenced by
// several profiles is counted on first sight; later profiles are only appended
// to its UsedBy list. host may be nil, in which case no checks are made.
//
// Low resources are reported, never returned as an error.
func Combine(cat *catalog.Catalog, profileIDs []string, host *Host) (*Report, error) {
	rep := &Report{Host: host}
	seenProfile := make(map[string]struct{}, len(profileIDs))
	seen := make(map[string]int)

	for _, pid := range profileIDs {
		p, ok := cat.Profile(pid)
		if !ok {
			return nil, &catalog.CatalogError{Subject: fmt.Sprintf("profile %q", pid), Reason: "unknown profile"}
		}
		if _, dup := seenProfile[pid]; dup {
			continue
		}
		seenProfile[pid] = struct{}{}
		rep.Profiles = append(rep.Profiles, pid)

		for _, sid := range p.Effective {
			if idx, ok := seen[sid]; ok {
				rep.Services[idx].UsedBy = append(rep.Services[idx].UsedBy, pid)
				continue
			}
			svc, _ := cat.Service(sid)
			seen[sid] = len(rep.Services)
			rep.Services = append(rep.Services, ServiceCost{
				Service:      sid,
				CountedIn:    pid,
				UsedBy:       []string{pid},
				Shared:       svc.Shared,
				Requirements: svc.Requirements,
			})
			rep.Total = rep.Total.Add(svc.Requirements)
		}
	}
	if len(rep.Profiles) == 0 {
		return nil, catalog.ErrEmptySelection
	}

	if host != nil {
		rep.Checks = compare(rep.Total, *host)
	}
	rep.Suggestions = rep.suggest(cat)
	return rep, nil
}

// SharedServices returns the services referenced by more than one selected profile.
func (r *Report) SharedServices() []ServiceCost {
	var out []ServiceCost
	for _, s := range r.Services {
		if len(s.UsedBy) > 1 {
			out = append(out, s)
		}
	}
	return out
}

// Attributed sums the per-service requirements. It always equals Total.
func (r *Report) Attributed() catalog.Requirements {
	var sum catalog.Requirements
	for _, s := range r.Services {
		sum = sum.Add(s.Requirements)
	}
	return sum
}

// Check returns the comparison for d.
func (r *Report) Check(d Dimension) (Check, bool) {
	for _, c := range r.Checks {
		if c.Dimension == d {
			return c, true
		}
	}
	return Check{}, false
}

// Enforce returns a ResourceInsufficientError when any dimension is below the minimum.
func (r *Report) Enforce() error {
	var short []Check
	for _, c := range r.Checks {
		if c.Status == StatusInsufficient {
			short = append(short, c)
		}
	}
	if len(short) == 0 {
		return nil
	}
	return &ResourceInsufficientError{Checks: short}
}

// Warnings returns one ResourceWarning per dimension below the recommendation.
func (r *Report) Warnings() []*ResourceWarning {
	var out []*ResourceWarning
	for _, c := range r.Checks {
		if c.Status == StatusBelowRecommended {
			out = append(out, &ResourceWarning{Check: c})
		}
	}
	return out
}

func compare(total catalog.Requirements, host Host) []Check {
	out := make([]Check, 0, len(dimensions))
	for _, d := range dimensions {
		c := Check{
			Dimension:   d,
			Available:   hostValue(host, d),
			Minimum:     amountValue(total.Min, d),
			Recommended: amountValue(total.Recommended, d),
		}
		switch {
		case c.Available < c.Minimum:
			c.Status = StatusInsufficient
			c.Shortfall = c.Minimum - c.Available
		case c.Available < c.Recommended:
			c.Status = StatusBelowRecommended
			c.Shortfall = c.Recommended - c.Available
		default:
			c.Status = StatusPass
		}
		out = append(out, c)
	}
	return out
}

func (r *Report) suggest(cat *catalog.Catalog) []Suggestion {
	var critical, warning []Dimension
	for _, c := range r.Checks {
		switch c.Status {
		case StatusInsufficient:
			critical = append(critical, c.Dimension)
		case StatusBelowRecommended:
			warning = append(warning, c.Dimension)
		}
	}

	var out []Suggestion
	for _, sc := range r.Services {
		svc, _ := cat.Service(sc.Service)
		if svc.External != nil {
			if len(critical) > 0 {
				out = append(out, externalSuggestion(SeverityCritical, svc, sc.Requirements.Min, r.Total.Min, critical))
			}
			if len(warning) > 0 {
				out = append(out, externalSuggestion(SeverityWarning, svc, sc.Requirements.Recommended, r.Total.Recommended, warning))
			}
		}
		if extra := len(sc.UsedBy) - 1; extra > 0 {
			out = append(out, sharingSuggestion(sc, r.Total.Recommended, extra))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() < b.Severity.rank()
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.Service < b.Service
	})
	return out
}

func externalSuggestion(sev Severity, svc *catalog.Service, cost, total catalog.Amount, dims []Dimension) Suggestion {
	parts := make([]string, 0, len(dims))
	var score float64
	for _, d := range dims {
		parts = append(parts, formatValue(d, amountValue(cost, d)))
		score += fraction(amountValue(cost, d), amountValue(total, d))
	}
	return Suggestion{
		Severity: sev,
		Service:  svc.ID,
		Message:  fmt.Sprintf("switch %s to the externally hosted %s to save %s", svc.ID, svc.External.Name, strings.Join(parts, ", ")),
		Savings:  cost,
		score:    score / float64(len(dims)),
	}
}

func sharingSuggestion(sc ServiceCost, total catalog.Amount, extra int) Suggestion {
	saved := catalog.Amount{
		RAM:  sc.Requirements.Recommended.RAM * uint64(extra),
		CPU:  sc.Requirements.Recommended.CPU * int64(extra),
		Disk: sc.Requirements.Recommended.Disk * uint64(extra),
	}
	var score float64
	for _, d := range dimensions {
		score += fraction(amountValue(saved, d), amountValue(total, d)+amountValue(saved, d))
	}
	return Suggestion{
		Severity: SeverityInfo,
		Service:  sc.Service,
		Message: fmt.Sprintf("%s is shared by %s: one instance saves %s, %s, %s",
			sc.Service, strings.Join(sc.UsedBy, ", "),
			formatValue(RAM, saved.RAM), formatValue(CPU, uint64(saved.CPU)), formatValue(Disk, saved.Disk)),
		Savings: saved,
		score:   score / float64(len(dimensions)),
	}
}

func fraction(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func amountValue(a catalog.Amount, d Dimension) uint64 {
	switch d {
	case RAM:
		return a.RAM
	case CPU:
		if a.CPU < 0 {
			return 0
		}
		return uint64(a.CPU)
	default:
		return a.Disk
	}
}

func hostValue(h Host, d Dimension) uint64 {
	return amountValue(catalog.Amount{RAM: h.RAM, CPU: h.CPU, Disk: h.Disk}, d)
}

func formatValue(d Dimension, v uint64) string {
	switch d {
	case RAM:
		return humanize.IBytes(v) + " RAM"
	case CPU:
		return catalog.FormatCPU(int64(v)) + " CPU"
	default:
		return humanize.Bytes(v) + " disk"
	}
}

// ResourceInsufficientError reports dimensions below the combined minimum.
// It blocks installation only when the caller enforces it.
type ResourceInsufficientError struct {
	Checks []Check
}

func (e *ResourceInsufficientError) Error() string {
	parts := make([]string, 0, len(e.Checks))
	for _, c := range e.Checks {
		parts = append(parts, fmt.Sprintf("%s short by %s", c.Dimension, formatValue(c.Dimension, c.Shortfall)))
	}
	return "insufficient host resources: " + strings.Join(parts, "; ")
}

// IsResourceInsufficient reports whether err is or wraps a ResourceInsufficientError.
func IsResourceInsufficient(err error) bool {
	var target *ResourceInsufficientError
	return errors.As(err, &target)
}

// ResourceWarning reports a dimension below the recommendation. It never blocks.
type ResourceWarning struct {
	Check Check
}

func (w *ResourceWarning) Error() string {
	return fmt.Sprintf("%s below recommended by %s", w.Check.Dimension, formatValue(w.Check.Dimension, w.Check.Shortfall))
}
