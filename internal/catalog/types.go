package catalog

import "github.com/kaspa-aio/aioctl/internal/hooks"

// Tier separates datastores and nodes, which gate startup, from the applications that use them.
type Tier string

const (
	// TierInfrastructure services start and become healthy before any application.
	TierInfrastructure Tier = "infrastructure"
	// TierApplication services start after all infrastructure is healthy.
	TierApplication Tier = "application"
)

// InterfaceKind is the configuration surface a service image accepts.
type InterfaceKind string

const (
	// InterfaceEnv services read settings from environment variables only.
	InterfaceEnv InterfaceKind = "env"
	// InterfaceArgs services read settings from command-line arguments only.
	InterfaceArgs InterfaceKind = "args"
)

// SettingKind is the value type of a configuration setting.
type SettingKind string

const (
	KindPassword SettingKind = "password"
	KindPort     SettingKind = "port"
	KindPath     SettingKind = "path"
	KindEnum     SettingKind = "enum"
	KindBool     SettingKind = "bool"
	KindString   SettingKind = "string"
)

// GlobalOwner is the owner recorded for settings in the global scope.
const GlobalOwner = ""

// NetworkKey is the global setting selecting the blockchain network.
const NetworkKey = "NETWORK"

// Setting declares one configuration key.
type Setting struct {
	// Key is the unique configuration key.
	Key string `yaml:"key" json:"key"`
	// Kind is the value type.
	Kind SettingKind `yaml:"kind" json:"kind"`
	// Default is used when the user supplies no value.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
	// Required rejects an empty value when no default exists.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
	// MinLength applies to passwords.
	MinLength int `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	// Values lists the allowed enum values.
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
	// Generate creates a random value when none is supplied (passwords only).
	Generate bool `yaml:"generate,omitempty" json:"generate,omitempty"`
	// Rules holds extra validator tags applied to the value, e.g. "startswith=kaspa:".
	Rules string `yaml:"rules,omitempty" json:"rules,omitempty"`
	// Description is shown by the presentation layer.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Owner is the owning service id, or GlobalOwner.
	Owner string `yaml:"-" json:"owner"`
}

// Amount is a resource quantity. RAM and disk are bytes, CPU is millicores.
type Amount struct {
	RAM  uint64 `json:"ramBytes"`
	CPU  int64  `json:"cpuMillis"`
	Disk uint64 `json:"diskBytes"`
}

// Requirements is the resource range a service declares.
type Requirements struct {
	Min         Amount `yaml:"min" json:"min"`
	Recommended Amount `yaml:"recommended" json:"recommended"`
	Optimal     Amount `yaml:"optimal" json:"optimal"`
}

// EnvBinding maps a container environment variable to a rendered value.
type EnvBinding struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// PortBinding publishes a port setting. Container 0 means the container listens on the configured port.
type PortBinding struct {
	Key       string `yaml:"key" json:"key"`
	Container int    `yaml:"container,omitempty" json:"container,omitempty"`
}

// VolumeBinding bind-mounts a path setting into the container.
type VolumeBinding struct {
	Key    string `yaml:"key" json:"key"`
	Target string `yaml:"target" json:"target"`
}

// HealthCheck is the container health probe. Test entries are templates.
type HealthCheck struct {
	Test        []string `yaml:"test" json:"test"`
	Interval    string   `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	StartPeriod string   `yaml:"startPeriod,omitempty" json:"startPeriod,omitempty"`
	Retries     int      `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// External describes a hosted equivalent that can replace a service.
type External struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Service is a deployable unit with a fixed configuration interface.
type Service struct {
	ID           string          `yaml:"id" json:"id"`
	Name         string          `yaml:"name" json:"name"`
	Description  string          `yaml:"description,omitempty" json:"description,omitempty"`
	Tier         Tier            `yaml:"tier" json:"tier"`
	Shared       bool            `yaml:"shared,omitempty" json:"shared"`
	Image        string          `yaml:"image" json:"image"`
	Interface    InterfaceKind   `yaml:"interface" json:"interface"`
	Requirements Requirements    `yaml:"requirements" json:"requirements"`
	DependsOn    []string        `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Excludes     []string        `yaml:"excludes,omitempty" json:"excludes,omitempty"`
	Settings     []Setting       `yaml:"settings,omitempty" json:"settings,omitempty"`
	Uses         []string        `yaml:"uses,omitempty" json:"uses,omitempty"`
	Env          []EnvBinding    `yaml:"env,omitempty" json:"env,omitempty"`
	Args         []string        `yaml:"args,omitempty" json:"args,omitempty"`
	Ports        []PortBinding   `yaml:"ports,omitempty" json:"ports,omitempty"`
	Volumes      []VolumeBinding `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Health       *HealthCheck    `yaml:"health,omitempty" json:"health,omitempty"`
	Verify       []hooks.Step    `yaml:"verify,omitempty" json:"verify,omitempty"`
	External     *External       `yaml:"external,omitempty" json:"external,omitempty"`

	index int
}

// Keys returns the setting keys the service owns followed by the keys it uses.
func (s *Service) Keys() []string {
	out := make([]string, 0, len(s.Settings)+len(s.Uses))
	for _, st := range s.Settings {
		out = append(out, st.Key)
	}
	return append(out, s.Uses...)
}

// Profile is a named group of services with a computed footprint.
type Profile struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Services    []string `yaml:"services" json:"services"`
	Conflicts   []string `yaml:"conflicts,omitempty" json:"conflicts,omitempty"`

	// Effective is Services closed over dependencies, in catalog order.
	Effective []string `yaml:"-" json:"effective"`
	// Footprint sums the requirements of Effective.
	Footprint Requirements `yaml:"-" json:"footprint"`

	index int
}

// Template is a user-facing bundle of profiles.
type Template struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Profiles    []string `yaml:"profiles" json:"profiles"`
}
