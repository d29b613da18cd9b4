package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/logging"
	"github.com/kaspa-aio/aioctl/internal/settings"
)

func setup(t *testing.T, profiles ...string) (*Validator, []*catalog.Service, settings.Configuration) {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	res, err := cat.ResolveProfiles(profiles)
	require.NoError(t, err)

	// Defaults plus writable data directories.
	base := t.TempDir()
	cfg := settings.Configuration{}
	for _, st := range cat.SettingsFor(res.Services) {
		switch {
		case st.Kind == catalog.KindPath:
			cfg[st.Key] = settings.Value{Value: filepath.Join(base, st.Key), Source: settings.SourceUser}
		case st.Kind == catalog.KindPassword:
			cfg[st.Key] = settings.Value{Value: "0123456789abcdefXYZ", Source: settings.SourceGenerated}
		case st.Default != "":
			cfg[st.Key] = settings.Value{Value: st.Default, Source: settings.SourceDefault}
		}
	}
	return New(cat, logging.Discard()), res.Services, cfg
}

func set(cfg settings.Configuration, key, value string) {
	cfg[key] = settings.Value{Value: value, Source: settings.SourceUser}
}

func TestDefaultsAreValid(t *testing.T) {
	v, services, cfg := setup(t, "core", "indexer-services", "explorer")
	res := v.Validate(cfg, services, HostContext{})
	assert.True(t, res.Valid(), "%v", res.Errors)
	assert.NoError(t, res.Err())
	assert.Empty(t, res.Dropped)
	assert.Empty(t, res.Warnings)
}

func TestPortBelowRangeNamesKey(t *testing.T) {
	v, services, cfg := setup(t, "explorer")
	set(cfg, "EXPLORER_PORT", "80")

	res := v.Validate(cfg, services, HostContext{})
	require.Len(t, res.Errors, 1)
	issue := res.Errors[0]
	assert.Equal(t, StageType, issue.Stage)
	assert.Equal(t, "EXPLORER_PORT", issue.Key)
	assert.Equal(t, "kaspa-explorer", issue.Service)
	assert.Contains(t, issue.Message, "out of range 1024-65535")

	err := res.Err()
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "EXPLORER_PORT")
}

func TestPortCollisionNamesBothServices(t *testing.T) {
	v, services, cfg := setup(t, "core", "indexer-services")
	set(cfg, "TIMESCALEDB_PORT", "5433")
	set(cfg, "K_INDEXER_API_PORT", "5433")

	res := v.Validate(cfg, services, HostContext{})
	require.Len(t, res.Errors, 1)
	issue := res.Errors[0]
	assert.Equal(t, StageCrossField, issue.Stage)
	assert.Equal(t, []string{"timescaledb", "k-indexer"}, issue.Services)
	assert.Equal(t, 5433, issue.Port)
	assert.Equal(t, "services timescaledb and k-indexer both use port 5433", issue.String())
}

func TestAllStagesRunAndCollect(t *testing.T) {
	v, services, cfg := setup(t, "core", "indexer-services")
	set(cfg, "KASPA_NODE_RPC_PORT", "70000")
	set(cfg, "TIMESCALEDB_PASSWORD", "short")
	set(cfg, catalog.NetworkKey, "devnet")
	set(cfg, "KASPA_NODE_UTXOINDEX", "sometimes")
	set(cfg, "KASIA_INDEXER_API_PORT", "3000") // same as K_INDEXER_API_PORT
	set(cfg, "TIMESCALEDB_DATA_DIR", "relative/dir")

	res := v.Validate(cfg, services, HostContext{PreviousNetwork: "mainnet"})

	byKey := map[string]Stage{}
	for _, i := range res.Errors {
		byKey[i.Key] = i.Stage
	}
	assert.Equal(t, StageType, byKey["KASPA_NODE_RPC_PORT"])
	assert.Equal(t, StageType, byKey["TIMESCALEDB_PASSWORD"])
	assert.Equal(t, StageType, byKey[catalog.NetworkKey])
	assert.Equal(t, StageType, byKey["KASPA_NODE_UTXOINDEX"])
	assert.Equal(t, StageCrossField, byKey["K_INDEXER_API_PORT"])
	assert.Equal(t, StageFilesystem, byKey["TIMESCALEDB_DATA_DIR"])
	assert.Len(t, res.Errors, 6)

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, StageNetwork, res.Warnings[0].Stage)
}

func TestAllowListDropsUndeclaredKeysIdempotently(t *testing.T) {
	v, services, cfg := setup(t, "core")
	set(cfg, "STRATUM_PORT", "5555")
	set(cfg, "WHATEVER", "x")

	first := v.Validate(cfg, services, HostContext{})
	assert.Equal(t, []string{"STRATUM_PORT", "WHATEVER"}, first.Dropped)
	assert.NotContains(t, first.Config, "WHATEVER")
	assert.Contains(t, cfg, "WHATEVER", "input is not modified")

	second := v.Validate(first.Config, services, HostContext{})
	assert.Empty(t, second.Dropped)
	assert.Equal(t, first.Config, second.Config)
	assert.Equal(t, first.Errors, second.Errors)
}

func TestRequiredAndRuleChecks(t *testing.T) {
	v, services, cfg := setup(t, "mining")

	res := v.Validate(cfg, services, HostContext{})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "STRATUM_MINING_ADDRESS", res.Errors[0].Key)
	assert.Contains(t, res.Errors[0].Message, "required")

	set(cfg, "STRATUM_MINING_ADDRESS", "bitcoin:abc")
	res = v.Validate(cfg, services, HostContext{})
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "startswith=kaspa")

	set(cfg, "STRATUM_MINING_ADDRESS", "kaspa:qz0000")
	res = v.Validate(cfg, services, HostContext{})
	assert.Empty(t, res.Errors)
}

func TestFilesystemChecks(t *testing.T) {
	v, services, cfg := setup(t, "core")
	dir := t.TempDir()

	set(cfg, "KASPA_NODE_DATA_DIR", dir)
	assert.Empty(t, v.Validate(cfg, services, HostContext{}).Errors, "existing writable directory")

	set(cfg, "KASPA_NODE_DATA_DIR", filepath.Join(dir, "new", "nested"))
	assert.Empty(t, v.Validate(cfg, services, HostContext{}).Errors, "missing directory is created later")

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	set(cfg, "KASPA_NODE_DATA_DIR", file)
	res := v.Validate(cfg, services, HostContext{})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, file, res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "not a directory")
}

func TestNetworkWarningOnlyOnChange(t *testing.T) {
	v, services, cfg := setup(t, "core")
	assert.Empty(t, v.Validate(cfg, services, HostContext{PreviousNetwork: "mainnet"}).Warnings)

	set(cfg, catalog.NetworkKey, "testnet-10")
	res := v.Validate(cfg, services, HostContext{PreviousNetwork: "mainnet"})
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, catalog.NetworkKey, res.Warnings[0].Key)
}
