package catalog

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDefault(t *testing.T) *Catalog {
	t.Helper()
	c, err := Default()
	require.NoError(t, err)
	return c
}

func TestDefaultCatalogLoads(t *testing.T) {
	c := mustDefault(t)

	assert.NotEmpty(t, c.Version())
	assert.Len(t, c.Services(), 9)
	assert.Len(t, c.Profiles(), 5)

	node, ok := c.Service("kaspa-node")
	require.True(t, ok)
	assert.True(t, node.Shared)
	assert.Equal(t, InterfaceArgs, node.Interface)
	assert.Equal(t, uint64(4<<30), node.Requirements.Min.RAM)
	assert.Equal(t, int64(2000), node.Requirements.Min.CPU)

	st, ok := c.Setting("TIMESCALEDB_PASSWORD")
	require.True(t, ok)
	assert.Equal(t, "timescaledb", st.Owner)

	global, ok := c.Setting(NetworkKey)
	require.True(t, ok)
	assert.Equal(t, GlobalOwner, global.Owner)
}

func TestEveryServiceHasExactlyOneInterfaceForm(t *testing.T) {
	c := mustDefault(t)
	for _, svc := range c.Services() {
		switch svc.Interface {
		case InterfaceArgs:
			assert.Empty(t, svc.Env, svc.ID)
		case InterfaceEnv:
			assert.Empty(t, svc.Args, svc.ID)
		default:
			t.Fatalf("service %s has interface %q", svc.ID, svc.Interface)
		}
	}
}

// Two profiles whose effective services exclude each other must carry a conflict entry,
// otherwise a user could select both and get two nodes fighting over the same ports.
func TestMutuallyExclusiveServicesHaveConflictEntries(t *testing.T) {
	c := mustDefault(t)
	profiles := c.Profiles()

	excludes := func(a, b string) bool {
		sa, _ := c.Service(a)
		sb, _ := c.Service(b)
		for _, x := range sa.Excludes {
			if x == b {
				return true
			}
		}
		for _, x := range sb.Excludes {
			if x == a {
				return true
			}
		}
		return false
	}

	for i, p := range profiles {
		for _, x := range p.Effective {
			for _, y := range p.Effective {
				assert.False(t, excludes(x, y), "profile %s contains exclusive services %s and %s", p.ID, x, y)
			}
		}
		for _, q := range profiles[i+1:] {
			clash := false
			for _, x := range p.Effective {
				for _, y := range q.Effective {
					if excludes(x, y) {
						clash = true
					}
				}
			}
			if clash {
				assert.True(t, c.Conflicting(p.ID, q.ID), "profiles %s and %s reference exclusive services without a conflict entry", p.ID, q.ID)
			}
		}
	}
}

func TestEveryNonConflictingSelectionResolves(t *testing.T) {
	c := mustDefault(t)
	ids := make([]string, 0, len(c.Profiles()))
	for _, p := range c.Profiles() {
		ids = append(ids, p.ID)
	}
	for mask := 1; mask < 1<<len(ids); mask++ {
		var sel []string
		for i, id := range ids {
			if mask&(1<<i) != 0 {
				sel = append(sel, id)
			}
		}
		res, err := c.ResolveProfiles(sel)
		if IsDependencyConflict(err) {
			continue
		}
		require.NoError(t, err, "selection %v", sel)
		assertTopological(t, res.Services)
	}
}

func assertTopological(t *testing.T, services []*Service) {
	t.Helper()
	pos := make(map[string]int, len(services))
	for i, s := range services {
		pos[s.ID] = i
	}
	for _, s := range services {
		for _, dep := range s.DependsOn {
			dp, ok := pos[dep]
			require.True(t, ok, "%s depends on %s which is missing from the resolution", s.ID, dep)
			assert.Less(t, dp, pos[s.ID], "%s must come after %s", s.ID, dep)
		}
	}
}

func TestResolveProfilesUnionAndOrder(t *testing.T) {
	c := mustDefault(t)

	res, err := c.ResolveProfiles([]string{"explorer", "core", "indexer-services", "core"})
	require.NoError(t, err)

	assert.Equal(t, []string{"explorer", "core", "indexer-services"}, res.Profiles)
	assert.Equal(t, []string{
		"kaspa-node",
		"timescaledb",
		"kasia-indexer",
		"k-indexer",
		"simply-kaspa-indexer",
		"kaspa-rest-server",
		"kaspa-explorer",
	}, res.ServiceIDs())
	assert.Empty(t, res.Conflicts)
}

func TestResolveProfilesPullsInDependencies(t *testing.T) {
	c := mustDefault(t)
	res, err := c.ResolveProfiles([]string{"mining"})
	require.NoError(t, err)
	assert.Equal(t, []string{"kaspa-node", "kaspa-stratum"}, res.ServiceIDs())
}

func TestResolveProfilesConflict(t *testing.T) {
	c := mustDefault(t)

	res, err := c.ResolveProfiles([]string{"core", "mining", "archive-node"})
	require.Error(t, err)
	assert.True(t, IsDependencyConflict(err))
	assert.False(t, IsCatalogError(err))

	var conflict *DependencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []ConflictPair{{A: "core", B: "archive-node"}, {A: "mining", B: "archive-node"}}, conflict.Pairs)
	require.NotNil(t, res)
	assert.Equal(t, conflict.Pairs, res.Conflicts)
	assert.Contains(t, err.Error(), "core + archive-node")
}

func TestResolveProfilesUnknownIsCatalogError(t *testing.T) {
	c := mustDefault(t)
	_, err := c.ResolveProfiles([]string{"core", "dashboard"})
	require.Error(t, err)
	assert.True(t, IsCatalogError(err))
	assert.Contains(t, err.Error(), `"dashboard"`)

	_, err = c.ResolveProfiles(nil)
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestExpandTemplates(t *testing.T) {
	c := mustDefault(t)
	ids, err := c.ExpandTemplates([]string{"indexer-stack", "explorer-stack"})
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "indexer-services", "explorer"}, ids)

	_, err = c.ExpandTemplates([]string{"nope"})
	assert.True(t, IsCatalogError(err))
}

func TestCapableIsCatalogDriven(t *testing.T) {
	c := mustDefault(t)
	for _, s := range c.Services() {
		assert.True(t, c.Capable(s.ID))
	}
	assert.False(t, c.Capable("portainer"))
}

func TestProfileFootprintSumsEffectiveServices(t *testing.T) {
	c := mustDefault(t)
	p, ok := c.Profile("mining")
	require.True(t, ok)
	node, _ := c.Service("kaspa-node")
	stratum, _ := c.Service("kaspa-stratum")
	assert.Equal(t, node.Requirements.Add(stratum.Requirements), p.Footprint)
}

func TestTiesBrokenByDeclarationOrder(t *testing.T) {
	const doc = `
version: test
services:
  - {id: zeta, name: Z, tier: infrastructure, image: z, interface: env}
  - {id: alpha, name: A, tier: infrastructure, image: a, interface: env}
  - {id: mid, name: M, tier: application, image: m, interface: env, dependsOn: [alpha]}
profiles:
  - {id: p, name: P, services: [mid, alpha, zeta]}
`
	c, err := Load([]byte(doc))
	require.NoError(t, err)
	res, err := c.ResolveProfiles([]string{"p"})
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, res.ServiceIDs())
}

func TestLoadRejectsDefects(t *testing.T) {
	base := func(services string) string {
		return "version: test\nservices:\n" + services + "profiles:\n  - {id: p, name: P, services: [a]}\n"
	}
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown dependency",
			doc:  base("  - {id: a, name: A, tier: application, image: a, interface: env, dependsOn: [ghost]}\n"),
			want: `depends on unknown service "ghost"`,
		},
		{
			name: "cycle",
			doc: base("  - {id: a, name: A, tier: application, image: a, interface: env, dependsOn: [b]}\n" +
				"  - {id: b, name: B, tier: application, image: b, interface: env, dependsOn: [a]}\n"),
			want: "dependency cycle",
		},
		{
			name: "args service with env binding",
			doc:  base("  - {id: a, name: A, tier: application, image: a, interface: args, env: [{name: X, value: y}]}\n"),
			want: "declared args-only",
		},
		{
			name: "env service with args",
			doc:  base("  - {id: a, name: A, tier: application, image: a, interface: env, args: [--x]}\n"),
			want: "declared env-only",
		},
		{
			name: "setting owned twice",
			doc: base("  - {id: a, name: A, tier: application, image: a, interface: env, settings: [{key: PORT, kind: port}]}\n" +
				"  - {id: b, name: B, tier: application, image: b, interface: env, settings: [{key: PORT, kind: port}]}\n"),
			want: `owned by both "a" and "b"`,
		},
		{
			name: "template references undeclared key",
			doc:  base("  - {id: a, name: A, tier: application, image: a, interface: args, args: ['--x={{ .MISSING }}']}\n"),
			want: "template",
		},
		{
			name: "uses key of non dependency",
			doc: base("  - {id: a, name: A, tier: application, image: a, interface: env, uses: [B_PORT]}\n" +
				"  - {id: b, name: B, tier: application, image: b, interface: env, settings: [{key: B_PORT, kind: port}]}\n"),
			want: "not a dependency",
		},
		{
			name: "infrastructure depending on application",
			doc: base("  - {id: a, name: A, tier: infrastructure, image: a, interface: env, dependsOn: [b]}\n" +
				"  - {id: b, name: B, tier: application, image: b, interface: env}\n"),
			want: "infrastructure cannot depend",
		},
		{
			name: "enum without values",
			doc:  base("  - {id: a, name: A, tier: application, image: a, interface: env, settings: [{key: MODE, kind: enum}]}\n"),
			want: "enum without values",
		},
		{
			name: "unknown validation rule",
			doc:  base("  - {id: a, name: A, tier: application, image: a, interface: env, settings: [{key: ADDR, kind: string, rules: nosuchrule}]}\n"),
			want: "rules",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, IsCatalogError(err), "got %T", err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should contain %q", err.Error(), tt.want)
		})
	}
}

func TestRenderValue(t *testing.T) {
	values := map[string]string{"NETWORK": "testnet-10", "KASPA_NODE_UTXOINDEX": "true", "PORT": "16110"}

	out, err := RenderValue("a", `{{ if eq .NETWORK "testnet-10" }}--testnet{{ end }}`, values)
	require.NoError(t, err)
	assert.Equal(t, "--testnet", out)

	out, err = RenderValue("b", `{{ if truthy .KASPA_NODE_UTXOINDEX }}--utxoindex{{ end }}`, values)
	require.NoError(t, err)
	assert.Equal(t, "--utxoindex", out)

	out, err = RenderValue("c", "--rpclisten=0.0.0.0:{{ .PORT }}", values)
	require.NoError(t, err)
	assert.Equal(t, "--rpclisten=0.0.0.0:16110", out)

	out, err = RenderValue("d", "plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	_, err = RenderValue("e", "{{ .ABSENT }}", values)
	require.Error(t, err)
}

func TestRenderValueEscapesURLCredentials(t *testing.T) {
	values := map[string]string{"USER": "kaspa", "PASSWORD": "Str0ng@Pass/word#$HOME99:x?y%z"}

	out, err := RenderValue("url", "postgres://{{ userinfo .USER .PASSWORD }}@timescaledb:5432/kaspa", values)
	require.NoError(t, err)

	u, err := url.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "timescaledb:5432", u.Host)
	assert.Equal(t, "/kaspa", u.Path)
	assert.Equal(t, "kaspa", u.User.Username())
	pw, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, values["PASSWORD"], pw)
}

func TestGraphReady(t *testing.T) {
	c := mustDefault(t)
	res, err := c.ResolveProfiles([]string{"core", "explorer"})
	require.NoError(t, err)
	g := NewGraph(res.Services)

	all := res.ServiceIDs()
	assert.Equal(t, []string{"kaspa-node", "timescaledb"}, g.Ready(all, nil, nil))

	started := map[string]bool{"kaspa-node": true, "timescaledb": true}
	healthy := map[string]bool{"kaspa-node": true, "timescaledb": true}
	assert.Equal(t, []string{"kaspa-rest-server"}, g.Ready(all, started, healthy))
	assert.ElementsMatch(t, []string{"kaspa-rest-server"}, g.Dependents("timescaledb"))
	assert.Equal(t, []string{"timescaledb", "kaspa-node"}, g.Dependencies("kaspa-rest-server"))
}
