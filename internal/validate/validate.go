// Package validate checks a configuration against the selected services and the host.
//
// Every stage runs even when an earlier one reports errors, so a caller gets
// the complete list in one round trip.
package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sys/unix"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/settings"
)

// Stage names the pipeline step that produced an issue.
type Stage string

const (
	StageType       Stage = "type"
	StageCrossField Stage = "cross-field"
	StageFilesystem Stage = "filesystem"
	StageNetwork    Stage = "network"
)

const (
	minPort = 1024
	maxPort = 65535
)

// Issue is a single finding.
type Issue struct {
	Stage   Stage  `json:"stage"`
	Key     string `json:"key,omitempty"`
	Service string `json:"service,omitempty"`
	// Services and Port are set for port collisions.
	Services []string `json:"services,omitempty"`
	Port     int      `json:"port,omitempty"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	switch {
	case len(i.Services) == 2:
		return fmt.Sprintf("services %s and %s both use port %d", i.Services[0], i.Services[1], i.Port)
	case i.Key != "" && i.Service != "":
		return fmt.Sprintf("%s (%s): %s", i.Key, i.Service, i.Message)
	case i.Key != "":
		return fmt.Sprintf("%s: %s", i.Key, i.Message)
	}
	return i.Message
}

// ValidationError carries every error found by one validation pass.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return fmt.Sprintf("configuration invalid (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// HostContext describes the target host as far as validation is concerned.
type HostContext struct {
	// PreviousNetwork is the network of the last completed install, empty when none exists.
	PreviousNetwork string
}

// Result is the outcome of Validate.
type Result struct {
	// Config is the input with undeclared keys removed.
	Config settings.Configuration `json:"-"`
	// Dropped lists the removed keys in lexical order.
	Dropped  []string `json:"dropped"`
	Errors   []Issue  `json:"errors"`
	Warnings []Issue  `json:"warnings"`
}

// Valid reports whether no errors were found.
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

// Err returns a ValidationError when any error was found, else nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &ValidationError{Issues: r.Errors}
}

// Validator runs the validation pipeline.
type Validator struct {
	cat    *catalog.Catalog
	logger *slog.Logger
	fields *validator.Validate
}

// New constructs a Validator for the catalog.
func New(cat *catalog.Catalog, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cat: cat, logger: logger, fields: validator.New()}
}

// Validate strips undeclared keys and checks cfg against services and host.
func (v *Validator) Validate(cfg settings.Configuration, services []*catalog.Service, host HostContext) *Result {
	res := &Result{}
	res.Config, res.Dropped = AllowList(cfg, services)
	if len(res.Dropped) > 0 {
		v.logger.Info("dropped settings not declared by the selected services", "keys", res.Dropped)
	}

	decls := v.cat.SettingsFor(services)
	res.Errors = append(res.Errors, v.checkTypes(res.Config, decls)...)
	res.Errors = append(res.Errors, checkPorts(res.Config, services)...)
	res.Errors = append(res.Errors, checkPaths(res.Config, decls)...)
	res.Warnings = append(res.Warnings, checkNetwork(res.Config, host)...)
	return res
}

// AllowList keeps only keys owned or used by services. It is deterministic and idempotent.
func AllowList(cfg settings.Configuration, services []*catalog.Service) (settings.Configuration, []string) {
	allowed := make(map[string]struct{})
	for _, svc := range services {
		for _, key := range svc.Keys() {
			allowed[key] = struct{}{}
		}
	}
	kept := make(settings.Configuration, len(cfg))
	var dropped []string
	for key, val := range cfg {
		if _, ok := allowed[key]; ok {
			kept[key] = val
			continue
		}
		dropped = append(dropped, key)
	}
	sort.Strings(dropped)
	return kept, dropped
}

func owner(st catalog.Setting) string {
	if st.Owner == catalog.GlobalOwner {
		return "global"
	}
	return st.Owner
}

func (v *Validator) checkTypes(cfg settings.Configuration, decls []catalog.Setting) []Issue {
	var out []Issue
	add := func(st catalog.Setting, format string, args ...any) {
		out = append(out, Issue{Stage: StageType, Key: st.Key, Service: owner(st), Message: fmt.Sprintf(format, args...)})
	}

	for _, st := range decls {
		val, ok := cfg.Get(st.Key)
		if !ok || val == "" {
			if st.Required || st.Kind == catalog.KindPath {
				add(st, "a value is required")
			}
			continue
		}
		switch st.Kind {
		case catalog.KindPort:
			port, err := strconv.Atoi(val)
			if err != nil {
				add(st, "port %q is not a number", val)
				continue
			}
			if v.fields.Var(port, fmt.Sprintf("min=%d,max=%d", minPort, maxPort)) != nil {
				add(st, "port %d out of range %d-%d", port, minPort, maxPort)
			}
		case catalog.KindPassword:
			if st.MinLength > 0 && v.fields.Var(val, fmt.Sprintf("min=%d", st.MinLength)) != nil {
				add(st, "password shorter than %d characters", st.MinLength)
			}
		case catalog.KindEnum:
			if v.fields.Var(val, "oneof="+strings.Join(st.Values, " ")) != nil {
				add(st, "%q is not one of %s", val, strings.Join(st.Values, ", "))
			}
		case catalog.KindBool:
			if _, err := strconv.ParseBool(val); err != nil {
				add(st, "%q is not a boolean", val)
			}
		}
		if st.Rules != "" {
			if err := v.fields.Var(val, st.Rules); err != nil {
				add(st, "%q does not satisfy %s", val, ruleNames(err, st.Rules))
			}
		}
	}
	return out
}

func ruleNames(err error, fallback string) string {
	var fe validator.ValidationErrors
	if errors.As(err, &fe) && len(fe) > 0 {
		names := make([]string, 0, len(fe))
		for _, f := range fe {
			if f.Param() != "" {
				names = append(names, f.Tag()+"="+f.Param())
				continue
			}
			names = append(names, f.Tag())
		}
		return strings.Join(names, ", ")
	}
	return fallback
}

type portUse struct {
	service string
	key     string
}

func checkPorts(cfg settings.Configuration, services []*catalog.Service) []Issue {
	var out []Issue
	used := make(map[int]portUse)
	for _, svc := range services {
		for _, st := range svc.Settings {
			if st.Kind != catalog.KindPort {
				continue
			}
			val, ok := cfg.Get(st.Key)
			if !ok {
				continue
			}
			port, err := strconv.Atoi(val)
			if err != nil {
				continue
			}
			first, taken := used[port]
			if !taken {
				used[port] = portUse{service: svc.ID, key: st.Key}
				continue
			}
			out = append(out, Issue{
				Stage:    StageCrossField,
				Key:      st.Key,
				Services: []string{first.service, svc.ID},
				Port:     port,
				Message:  fmt.Sprintf("port %d of %s collides with %s", port, st.Key, first.key),
			})
		}
	}
	return out
}

func checkPaths(cfg settings.Configuration, decls []catalog.Setting) []Issue {
	var out []Issue
	for _, st := range decls {
		if st.Kind != catalog.KindPath {
			continue
		}
		p, ok := cfg.Get(st.Key)
		if !ok || p == "" {
			continue
		}
		if msg := checkDataDir(p); msg != "" {
			out = append(out, Issue{Stage: StageFilesystem, Key: st.Key, Service: owner(st), Path: p, Message: msg})
		}
	}
	return out
}

func checkDataDir(p string) string {
	if !filepath.IsAbs(p) {
		return fmt.Sprintf("path %q is not absolute", p)
	}
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ""
	case err != nil:
		return fmt.Sprintf("path %q cannot be inspected: %v", p, err)
	case !info.IsDir():
		return fmt.Sprintf("path %q exists and is not a directory", p)
	}
	if err := unix.Access(p, unix.W_OK); err != nil {
		return fmt.Sprintf("path %q is not writable", p)
	}
	return ""
}

func checkNetwork(cfg settings.Configuration, host HostContext) []Issue {
	if host.PreviousNetwork == "" {
		return nil
	}
	network, ok := cfg.Get(catalog.NetworkKey)
	if !ok || network == host.PreviousNetwork {
		return nil
	}
	return []Issue{{
		Stage:   StageNetwork,
		Key:     catalog.NetworkKey,
		Service: "global",
		Message: fmt.Sprintf("network changes from %s to %s; data of the previous install will not be reused", host.PreviousNetwork, network),
	}}
}
