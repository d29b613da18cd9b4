// Package catalog is the static registry of services, profiles and templates,
// with their dependency and conflict edges.
//
// A Catalog is immutable after Load and safe for concurrent use.
package catalog

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// document is the on-disk catalog layout.
type document struct {
	Version   string      `yaml:"version"`
	Globals   []Setting   `yaml:"globals"`
	Services  []*Service  `yaml:"services"`
	Profiles  []*Profile  `yaml:"profiles"`
	Templates []*Template `yaml:"templates"`
}

// Catalog is the loaded, validated registry.
type Catalog struct {
	version   string
	globals   []Setting
	services  []*Service
	profiles  []*Profile
	templates []*Template

	serviceByID  map[string]*Service
	profileByID  map[string]*Profile
	templateByID map[string]*Template
	settings     map[string]Setting
	conflicts    map[ConflictPair]struct{}
}

// Default loads the catalog shipped with the binary.
func Default() (*Catalog, error) {
	return Load(defaultCatalog)
}

// Load parses and validates catalog YAML. Any defect is reported as a CatalogError.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, catalogErr("document", "decode: %v", err)
	}
	c := &Catalog{
		version:      strings.TrimSpace(doc.Version),
		globals:      doc.Globals,
		services:     doc.Services,
		profiles:     doc.Profiles,
		templates:    doc.Templates,
		serviceByID:  make(map[string]*Service, len(doc.Services)),
		profileByID:  make(map[string]*Profile, len(doc.Profiles)),
		templateByID: make(map[string]*Template, len(doc.Templates)),
		settings:     make(map[string]Setting),
		conflicts:    make(map[ConflictPair]struct{}),
	}
	if c.version == "" {
		return nil, catalogErr("document", "version is required")
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	c.computeProfiles()
	return c, nil
}

var (
	idPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	keyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

func (c *Catalog) index() error {
	for _, g := range c.globals {
		g.Owner = GlobalOwner
		if err := c.addSetting(g); err != nil {
			return err
		}
	}
	for i, svc := range c.services {
		if svc == nil || !idPattern.MatchString(svc.ID) {
			return catalogErr(fmt.Sprintf("services[%d]", i), "invalid id")
		}
		if _, dup := c.serviceByID[svc.ID]; dup {
			return catalogErr(fmt.Sprintf("service %q", svc.ID), "declared twice")
		}
		svc.index = i
		c.serviceByID[svc.ID] = svc
		for j := range svc.Settings {
			svc.Settings[j].Owner = svc.ID
			if err := c.addSetting(svc.Settings[j]); err != nil {
				return err
			}
		}
	}
	for i, p := range c.profiles {
		if p == nil || !idPattern.MatchString(p.ID) {
			return catalogErr(fmt.Sprintf("profiles[%d]", i), "invalid id")
		}
		if _, dup := c.profileByID[p.ID]; dup {
			return catalogErr(fmt.Sprintf("profile %q", p.ID), "declared twice")
		}
		p.index = i
		c.profileByID[p.ID] = p
	}
	for i, t := range c.templates {
		if t == nil || !idPattern.MatchString(t.ID) {
			return catalogErr(fmt.Sprintf("templates[%d]", i), "invalid id")
		}
		if _, dup := c.templateByID[t.ID]; dup {
			return catalogErr(fmt.Sprintf("template %q", t.ID), "declared twice")
		}
		c.templateByID[t.ID] = t
	}
	return nil
}

func (c *Catalog) addSetting(s Setting) error {
	subject := fmt.Sprintf("setting %q", s.Key)
	if !keyPattern.MatchString(s.Key) {
		return catalogErr(subject, "key must be upper snake case")
	}
	if prev, dup := c.settings[s.Key]; dup {
		return catalogErr(subject, "owned by both %q and %q", ownerName(prev.Owner), ownerName(s.Owner))
	}
	switch s.Kind {
	case KindPassword, KindPort, KindPath, KindBool, KindString:
	case KindEnum:
		if len(s.Values) == 0 {
			return catalogErr(subject, "enum without values")
		}
		for _, v := range s.Values {
			if strings.TrimSpace(v) == "" || strings.ContainsAny(v, " \t") {
				return catalogErr(subject, "enum value %q must be a single token", v)
			}
		}
	default:
		return catalogErr(subject, "unknown kind %q", s.Kind)
	}
	if s.Generate && s.Kind != KindPassword {
		return catalogErr(subject, "only passwords can be generated")
	}
	if s.Kind == KindPort && s.Default != "" {
		if _, err := strconv.Atoi(s.Default); err != nil {
			return catalogErr(subject, "port default %q is not a number", s.Default)
		}
	}
	if s.Rules != "" {
		if err := checkRules(s.Rules); err != nil {
			return catalogErr(subject, "rules %q: %v", s.Rules, err)
		}
	}
	c.settings[s.Key] = s
	return nil
}

var rulesValidator = validator.New()

// checkRules rejects validator tags that do not exist. The validator panics on them.
func checkRules(rules string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	_ = rulesValidator.Var("", rules)
	return nil
}

func ownerName(owner string) string {
	if owner == GlobalOwner {
		return "global scope"
	}
	return owner
}

func (c *Catalog) check() error {
	for _, svc := range c.services {
		if err := c.checkService(svc); err != nil {
			return err
		}
	}
	if err := c.checkAcyclic(); err != nil {
		return err
	}
	for _, svc := range c.services {
		if err := c.checkBindings(svc); err != nil {
			return err
		}
	}
	for _, p := range c.profiles {
		subject := fmt.Sprintf("profile %q", p.ID)
		if len(p.Services) == 0 {
			return catalogErr(subject, "has no services")
		}
		for _, id := range p.Services {
			if _, ok := c.serviceByID[id]; !ok {
				return catalogErr(subject, "references unknown service %q", id)
			}
		}
		for _, other := range p.Conflicts {
			if _, ok := c.profileByID[other]; !ok {
				return catalogErr(subject, "conflicts with unknown profile %q", other)
			}
			if other == p.ID {
				return catalogErr(subject, "conflicts with itself")
			}
			c.conflicts[c.pair(p.ID, other)] = struct{}{}
		}
	}
	for _, t := range c.templates {
		if len(t.Profiles) == 0 {
			return catalogErr(fmt.Sprintf("template %q", t.ID), "has no profiles")
		}
		for _, id := range t.Profiles {
			if _, ok := c.profileByID[id]; !ok {
				return catalogErr(fmt.Sprintf("template %q", t.ID), "references unknown profile %q", id)
			}
		}
	}
	return nil
}

func (c *Catalog) checkService(svc *Service) error {
	subject := fmt.Sprintf("service %q", svc.ID)
	switch svc.Tier {
	case TierInfrastructure, TierApplication:
	default:
		return catalogErr(subject, "unknown tier %q", svc.Tier)
	}
	if strings.TrimSpace(svc.Image) == "" {
		return catalogErr(subject, "image is required")
	}
	switch svc.Interface {
	case InterfaceArgs:
		if len(svc.Env) > 0 {
			return catalogErr(subject, "declared args-only but binds %d environment variables", len(svc.Env))
		}
	case InterfaceEnv:
		if len(svc.Args) > 0 {
			return catalogErr(subject, "declared env-only but binds %d arguments", len(svc.Args))
		}
	default:
		return catalogErr(subject, "unknown interface %q", svc.Interface)
	}
	for _, dep := range svc.DependsOn {
		depSvc, ok := c.serviceByID[dep]
		if !ok {
			return catalogErr(subject, "depends on unknown service %q", dep)
		}
		if dep == svc.ID {
			return catalogErr(subject, "depends on itself")
		}
		if svc.Tier == TierInfrastructure && depSvc.Tier == TierApplication {
			return catalogErr(subject, "infrastructure cannot depend on application %q", dep)
		}
	}
	for _, ex := range svc.Excludes {
		if _, ok := c.serviceByID[ex]; !ok {
			return catalogErr(subject, "excludes unknown service %q", ex)
		}
	}
	for _, step := range svc.Verify {
		if err := step.Validate(); err != nil {
			return catalogErr(subject, "verify: %v", err)
		}
	}
	return nil
}

func (c *Catalog) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.services))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case visiting:
			return catalogErr(fmt.Sprintf("service %q", id), "dependency cycle %s", strings.Join(append(path, id), " -> "))
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range c.serviceByID[id].DependsOn {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, svc := range c.services {
		if err := visit(svc.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// checkBindings verifies every key a service uses is reachable from it and that
// every template renders against sample values.
func (c *Catalog) checkBindings(svc *Service) error {
	subject := fmt.Sprintf("service %q", svc.ID)
	deps := c.dependencyClosure([]string{svc.ID})
	for _, key := range svc.Uses {
		st, ok := c.settings[key]
		if !ok {
			return catalogErr(subject, "uses unknown setting %q", key)
		}
		if st.Owner == svc.ID {
			return catalogErr(subject, "lists owned setting %q under uses", key)
		}
		if _, reachable := deps[st.Owner]; st.Owner != GlobalOwner && !reachable {
			return catalogErr(subject, "uses %q owned by %q which is not a dependency", key, st.Owner)
		}
	}

	allowed := make(map[string]Setting)
	for _, key := range svc.Keys() {
		allowed[key] = c.settings[key]
	}
	sample := make(map[string]string, len(allowed))
	for key, st := range allowed {
		sample[key] = sampleValue(st)
	}
	for _, p := range svc.Ports {
		if st, ok := allowed[p.Key]; !ok || st.Kind != KindPort || st.Owner != svc.ID {
			return catalogErr(subject, "port binding %q is not a port setting of this service", p.Key)
		}
	}
	for _, v := range svc.Volumes {
		if st, ok := allowed[v.Key]; !ok || st.Kind != KindPath || st.Owner != svc.ID {
			return catalogErr(subject, "volume binding %q is not a path setting of this service", v.Key)
		}
		if !strings.HasPrefix(v.Target, "/") {
			return catalogErr(subject, "volume target %q must be absolute", v.Target)
		}
	}
	var templates []string
	for _, b := range svc.Env {
		if !keyPattern.MatchString(b.Name) {
			return catalogErr(subject, "env binding %q must be upper snake case", b.Name)
		}
		templates = append(templates, b.Value)
	}
	templates = append(templates, svc.Args...)
	if svc.Health != nil {
		templates = append(templates, svc.Health.Test...)
	}
	for _, step := range svc.Verify {
		templates = append(templates, step.HTTP)
		templates = append(templates, step.Exec...)
	}
	for _, text := range templates {
		if _, err := RenderValue(svc.ID, text, sample); err != nil {
			return catalogErr(subject, "template %q: %v", text, err)
		}
	}
	return nil
}

func sampleValue(st Setting) string {
	if st.Default != "" {
		return st.Default
	}
	switch st.Kind {
	case KindEnum:
		return st.Values[0]
	case KindPort:
		return "1024"
	case KindBool:
		return "false"
	case KindPath:
		return "/tmp"
	}
	return "sample"
}

// dependencyClosure returns ids plus all transitive dependencies.
func (c *Catalog) dependencyClosure(ids []string) map[string]struct{} {
	out := make(map[string]struct{})
	var walk func(id string)
	walk = func(id string) {
		if _, ok := out[id]; ok {
			return
		}
		out[id] = struct{}{}
		for _, dep := range c.serviceByID[id].DependsOn {
			walk(dep)
		}
	}
	for _, id := range ids {
		walk(id)
	}
	return out
}

func (c *Catalog) computeProfiles() {
	for _, p := range c.profiles {
		closure := c.dependencyClosure(p.Services)
		p.Effective = c.inCatalogOrder(closure)
		var total Requirements
		for _, id := range p.Effective {
			total = total.Add(c.serviceByID[id].Requirements)
		}
		p.Footprint = total
	}
}

func (c *Catalog) inCatalogOrder(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return c.serviceByID[out[i]].index < c.serviceByID[out[j]].index
	})
	return out
}

func (c *Catalog) pair(a, b string) ConflictPair {
	if c.profileByID[a].index > c.profileByID[b].index {
		a, b = b, a
	}
	return ConflictPair{A: a, B: b}
}

// Version returns the catalog data version.
func (c *Catalog) Version() string { return c.version }

// Services returns all services in declaration order.
func (c *Catalog) Services() []*Service { return c.services }

// Profiles returns all profiles in declaration order.
func (c *Catalog) Profiles() []*Profile { return c.profiles }

// Templates returns all templates in declaration order.
func (c *Catalog) Templates() []*Template { return c.templates }

// Globals returns the global-scope settings.
func (c *Catalog) Globals() []Setting { return c.globals }

// Service looks up a service by id.
func (c *Catalog) Service(id string) (*Service, bool) {
	s, ok := c.serviceByID[id]
	return s, ok
}

// Profile looks up a profile by id.
func (c *Catalog) Profile(id string) (*Profile, bool) {
	p, ok := c.profileByID[id]
	return p, ok
}

// Setting looks up a setting declaration by key.
func (c *Catalog) Setting(key string) (Setting, bool) {
	s, ok := c.settings[key]
	return s, ok
}

// Capable reports whether lifecycle operations may target the service.
// Every catalog service is capable; there is no second list to keep in sync.
func (c *Catalog) Capable(serviceID string) bool {
	_, ok := c.serviceByID[serviceID]
	return ok
}

// Conflicting reports whether two profiles carry a declared conflict.
func (c *Catalog) Conflicting(a, b string) bool {
	if _, ok := c.profileByID[a]; !ok {
		return false
	}
	if _, ok := c.profileByID[b]; !ok {
		return false
	}
	_, ok := c.conflicts[c.pair(a, b)]
	return ok
}

// ConflictPairs returns every declared conflict in catalog order.
func (c *Catalog) ConflictPairs() []ConflictPair {
	out := make([]ConflictPair, 0, len(c.conflicts))
	for p := range c.conflicts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := c.profileByID[out[i].A].index, c.profileByID[out[j].A].index
		if ai != aj {
			return ai < aj
		}
		return c.profileByID[out[i].B].index < c.profileByID[out[j].B].index
	})
	return out
}

// SettingsFor returns the settings the given services own or use, de-duplicated,
// in service order.
func (c *Catalog) SettingsFor(services []*Service) []Setting {
	seen := make(map[string]struct{})
	var out []Setting
	for _, svc := range services {
		for _, key := range svc.Keys() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if st, ok := c.settings[key]; ok {
				out = append(out, st)
			}
		}
	}
	return out
}

// ExpandTemplates converts template ids into an ordered, de-duplicated profile list.
func (c *Catalog) ExpandTemplates(ids []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range ids {
		t, ok := c.templateByID[id]
		if !ok {
			return nil, catalogErr(fmt.Sprintf("template %q", id), "unknown template")
		}
		for _, p := range t.Profiles {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}
