// Package engine compiles a validated configuration and an ordered service set
// into the compose manifest and secrets file the runtime executes.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/env"
	"github.com/kaspa-aio/aioctl/internal/settings"
)

// Label keys attached to every generated service.
const (
	LabelService = "aio.service"
	LabelTier    = "aio.tier"
)

// GenerationError reports an interface contract violation found while generating.
// It indicates a catalog or generator defect, never bad user input.
type GenerationError struct {
	Service string
	Reason  string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate service %q: %s", e.Service, e.Reason)
}

// IsGenerationError reports whether err is or wraps a GenerationError.
func IsGenerationError(err error) bool {
	var target *GenerationError
	return errors.As(err, &target)
}

func genErr(service, format string, args ...any) *GenerationError {
	return &GenerationError{Service: service, Reason: fmt.Sprintf(format, args...)}
}

// Artifacts are the generated deployable files.
type Artifacts struct {
	// Manifest is the compose YAML.
	Manifest []byte
	// Secrets is the .env file the manifest interpolates environment values from.
	Secrets []byte
}

// Engine renders artifacts for one compose project.
type Engine struct {
	project string
}

// NewEngine constructs an Engine emitting manifests for project.
func NewEngine(project string) *Engine {
	return &Engine{project: project}
}

// Generate renders services, which must be in dependency order, against cfg.
// The output is a pure function of its inputs.
func (e *Engine) Generate(cfg settings.Configuration, services []*catalog.Service) (*Artifacts, error) {
	values := cfg.Values()
	inSet := make(map[string]*catalog.Service, len(services))
	secrets := env.Vars{}

	servicesNode := &yaml.Node{Kind: yaml.MappingNode}
	for _, svc := range services {
		if _, dup := inSet[svc.ID]; dup {
			return nil, genErr(svc.ID, "listed twice")
		}
		for _, dep := range svc.DependsOn {
			if _, placed := inSet[dep]; !placed && contains(services, dep) {
				return nil, genErr(svc.ID, "listed before its dependency %q", dep)
			}
		}

		doc, err := e.renderService(svc, scopedValues(svc, values), inSet, secrets)
		if err != nil {
			return nil, err
		}
		inSet[svc.ID] = svc

		var body yaml.Node
		if err := body.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode service %q: %w", svc.ID, err)
		}
		servicesNode.Content = append(servicesNode.Content, scalar(svc.ID), &body)
	}

	root := &yaml.Node{Kind: yaml.MappingNode}
	root.Content = append(root.Content, scalar("name"), scalar(e.project), scalar("services"), servicesNode)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize manifest: %w", err)
	}

	secretsFile, err := env.Render(secrets)
	if err != nil {
		return nil, fmt.Errorf("render secrets: %w", err)
	}
	return &Artifacts{Manifest: buf.Bytes(), Secrets: secretsFile}, nil
}

// renderService builds the compose definition of one service. inSet holds the
// services already emitted, which are exactly the dependencies it may reference.
func (e *Engine) renderService(svc *catalog.Service, values map[string]string, inSet map[string]*catalog.Service, secrets env.Vars) (map[string]any, error) {
	doc := map[string]any{
		"image":   svc.Image,
		"restart": "unless-stopped",
		"labels": map[string]string{
			LabelService: svc.ID,
			LabelTier:    string(svc.Tier),
		},
	}

	switch svc.Interface {
	case catalog.InterfaceArgs:
		if len(svc.Env) > 0 {
			return nil, genErr(svc.ID, "args-only service declares %d environment bindings", len(svc.Env))
		}
		command, err := renderArgs(svc, values)
		if err != nil {
			return nil, err
		}
		if len(command) > 0 {
			doc["command"] = command
		}
	case catalog.InterfaceEnv:
		if len(svc.Args) > 0 {
			return nil, genErr(svc.ID, "env-only service declares %d arguments", len(svc.Args))
		}
		environment, err := renderEnv(svc, values, secrets)
		if err != nil {
			return nil, err
		}
		if len(environment) > 0 {
			doc["environment"] = environment
		}
	default:
		return nil, genErr(svc.ID, "unknown interface %q", svc.Interface)
	}

	if deps := dependsOn(svc, inSet); len(deps) > 0 {
		doc["depends_on"] = deps
	}

	ports, err := renderPorts(svc, values)
	if err != nil {
		return nil, err
	}
	if len(ports) > 0 {
		doc["ports"] = ports
	}

	volumes, err := renderVolumes(svc, values)
	if err != nil {
		return nil, err
	}
	if len(volumes) > 0 {
		doc["volumes"] = volumes
	}

	if svc.Health != nil {
		hc, err := renderHealth(svc, values)
		if err != nil {
			return nil, err
		}
		doc["healthcheck"] = hc
	}
	return doc, nil
}

// scopedValues restricts templates to the keys a service owns or uses.
func scopedValues(svc *catalog.Service, values map[string]string) map[string]string {
	out := make(map[string]string, len(svc.Settings)+len(svc.Uses))
	for _, key := range svc.Keys() {
		if v, ok := values[key]; ok {
			out[key] = v
		}
	}
	return out
}

func renderArgs(svc *catalog.Service, values map[string]string) ([]string, error) {
	out := make([]string, 0, len(svc.Args))
	for i, tmpl := range svc.Args {
		arg, err := catalog.RenderValue(fmt.Sprintf("%s-arg-%d", svc.ID, i), tmpl, values)
		if err != nil {
			return nil, genErr(svc.ID, "argument %d: %v", i, err)
		}
		if arg == "" {
			continue
		}
		out = append(out, escapeDollar(arg))
	}
	return out, nil
}

func renderEnv(svc *catalog.Service, values map[string]string, secrets env.Vars) (map[string]string, error) {
	out := make(map[string]string, len(svc.Env))
	prefix := SecretPrefix(svc.ID)
	for _, b := range svc.Env {
		if _, dup := out[b.Name]; dup {
			return nil, genErr(svc.ID, "environment variable %s bound twice", b.Name)
		}
		val, err := catalog.RenderValue(svc.ID+"-"+b.Name, b.Value, values)
		if err != nil {
			return nil, genErr(svc.ID, "environment variable %s: %v", b.Name, err)
		}
		key := prefix + "_" + b.Name
		secrets[key] = val
		out[b.Name] = "${" + key + "}"
	}
	return out, nil
}

// SecretPrefix is the secrets file key prefix of a service: its id upper-cased with dashes as underscores.
func SecretPrefix(serviceID string) string {
	return strings.ToUpper(strings.ReplaceAll(serviceID, "-", "_"))
}

func dependsOn(svc *catalog.Service, inSet map[string]*catalog.Service) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, dep := range svc.DependsOn {
		depSvc, ok := inSet[dep]
		if !ok {
			continue
		}
		condition := "service_healthy"
		if depSvc.Health == nil {
			condition = "service_started"
		}
		out[dep] = map[string]string{"condition": condition}
	}
	return out
}

func renderPorts(svc *catalog.Service, values map[string]string) ([]string, error) {
	out := make([]string, 0, len(svc.Ports))
	for _, p := range svc.Ports {
		raw, ok := values[p.Key]
		if !ok {
			return nil, genErr(svc.ID, "port %s has no value", p.Key)
		}
		host, err := strconv.Atoi(raw)
		if err != nil {
			return nil, genErr(svc.ID, "port %s=%q is not a number", p.Key, raw)
		}
		container := p.Container
		if container == 0 {
			container = host
		}
		out = append(out, fmt.Sprintf("%d:%d", host, container))
	}
	return out, nil
}

func renderVolumes(svc *catalog.Service, values map[string]string) ([]string, error) {
	out := make([]string, 0, len(svc.Volumes))
	for _, v := range svc.Volumes {
		src := values[v.Key]
		if src == "" {
			return nil, genErr(svc.ID, "volume %s has no value", v.Key)
		}
		out = append(out, src+":"+v.Target)
	}
	return out, nil
}

func renderHealth(svc *catalog.Service, values map[string]string) (map[string]any, error) {
	test := make([]string, 0, len(svc.Health.Test))
	for i, tmpl := range svc.Health.Test {
		part, err := catalog.RenderValue(fmt.Sprintf("%s-health-%d", svc.ID, i), tmpl, values)
		if err != nil {
			return nil, genErr(svc.ID, "healthcheck: %v", err)
		}
		test = append(test, escapeDollar(part))
	}
	hc := map[string]any{"test": test}
	if svc.Health.Interval != "" {
		hc["interval"] = svc.Health.Interval
	}
	if svc.Health.Timeout != "" {
		hc["timeout"] = svc.Health.Timeout
	}
	if svc.Health.StartPeriod != "" {
		hc["start_period"] = svc.Health.StartPeriod
	}
	if svc.Health.Retries > 0 {
		hc["retries"] = svc.Health.Retries
	}
	return hc, nil
}

// escapeDollar keeps compose from interpolating literal dollar signs.
func escapeDollar(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func contains(services []*catalog.Service, id string) bool {
	for _, s := range services {
		if s.ID == id {
			return true
		}
	}
	return false
}
