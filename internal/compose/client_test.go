package compose

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/engine"
	"github.com/kaspa-aio/aioctl/internal/logging"
	"github.com/kaspa-aio/aioctl/internal/settings"
)

type call struct {
	name string
	args []string
}

type script struct {
	calls []call
	reply func(args []string) (stdout, stderr string, err error)
}

func (s *script) run(_ context.Context, name string, args []string, stdout, stderr io.Writer) error {
	s.calls = append(s.calls, call{name: name, args: args})
	if s.reply == nil {
		return nil
	}
	out, errOut, err := s.reply(args)
	_, _ = io.WriteString(stdout, out)
	_, _ = io.WriteString(stderr, errOut)
	return err
}

func newScripted(s *script) *Client {
	return NewClient("", "kaspa-aio", "/work/docker-compose.yml", "/work/.env", logging.Discard()).WithRunner(s.run)
}

func TestComposeArguments(t *testing.T) {
	s := &script{}
	c := newScripted(s)
	ctx := context.Background()

	require.NoError(t, c.Up(ctx, []string{"kaspa-node", "timescaledb"}, nil))
	require.NoError(t, c.Stop(ctx, []string{"k-indexer"}, nil))
	require.NoError(t, c.Remove(ctx, []string{"k-indexer"}, nil))

	prefix := []string{"compose", "--project-name", "kaspa-aio", "--file", "/work/docker-compose.yml", "--env-file", "/work/.env"}
	require.Len(t, s.calls, 3)
	assert.Equal(t, "docker", s.calls[0].name)
	assert.Equal(t, append(append([]string{}, prefix...), "up", "--detach", "--no-deps", "--no-build", "--pull", "never", "kaspa-node", "timescaledb"), s.calls[0].args)
	assert.Equal(t, append(append([]string{}, prefix...), "stop", "k-indexer"), s.calls[1].args)
	assert.Equal(t, append(append([]string{}, prefix...), "rm", "--force", "--stop", "k-indexer"), s.calls[2].args)
}

func TestPullErrorClassification(t *testing.T) {
	tests := []struct {
		output    string
		permanent bool
	}{
		{"Error response from daemon: manifest unknown: manifest unknown", true},
		{"Error response from daemon: pull access denied for x, repository does not exist", true},
		{"unauthorized: authentication required", true},
		{"Error response from daemon: Get \"https://registry-1.docker.io/v2/\": net/http: TLS handshake timeout", false},
		{"dial tcp: lookup registry-1.docker.io: temporary failure in name resolution", false},
	}
	for _, tt := range tests {
		s := &script{reply: func([]string) (string, string, error) {
			return "", tt.output, errors.New("exit status 1")
		}}
		var streamed bytes.Buffer
		err := newScripted(s).Pull(context.Background(), "kaspanet/rusty-kaspad:v1", &streamed)
		require.Error(t, err)

		var pe *PullError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, tt.permanent, pe.Permanent(), tt.output)
		assert.Equal(t, "kaspanet/rusty-kaspad:v1", pe.Image)
		assert.Equal(t, tt.output, streamed.String())
		assert.Equal(t, []string{"pull", "kaspanet/rusty-kaspad:v1"}, s.calls[0].args)
	}
}

func TestHealthStates(t *testing.T) {
	tests := []struct {
		state string
		want  HealthStatus
	}{
		{`{"Status":"running","Health":{"Status":"healthy"}}`, HealthHealthy},
		{`{"Status":"running","Health":{"Status":"starting"}}`, HealthStarting},
		{`{"Status":"running","Health":{"Status":"unhealthy"}}`, HealthUnhealthy},
		{`{"Status":"running"}`, HealthRunning},
		{`{"Status":"exited","ExitCode":1}`, HealthExited},
		{`{"Status":"restarting"}`, HealthStarting},
	}
	for _, tt := range tests {
		s := &script{reply: func(args []string) (string, string, error) {
			if args[0] == "inspect" {
				return tt.state + "\n", "", nil
			}
			return "abc123\n", "", nil
		}}
		got, err := newScripted(s).Health(context.Background(), "timescaledb")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.state)
		assert.Equal(t, []string{"inspect", "--format", "{{json .State}}", "abc123"}, s.calls[1].args)
	}
}

func TestHealthMissingContainer(t *testing.T) {
	s := &script{}
	got, err := newScripted(s).Health(context.Background(), "timescaledb")
	require.NoError(t, err)
	assert.Equal(t, HealthMissing, got)
	assert.Len(t, s.calls, 1)
}

func TestLogsAndExec(t *testing.T) {
	s := &script{reply: func(args []string) (string, string, error) {
		if strings.Contains(strings.Join(args, " "), " logs ") {
			return "line one\n\nline two\n", "", nil
		}
		return "ok\n", "", nil
	}}
	c := newScripted(s)

	lines, err := c.Logs(context.Background(), "k-indexer", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, lines)
	assert.Contains(t, s.calls[0].args, "20")

	out, err := c.Exec(context.Background(), "kaspa-node", []string{"sh", "-c", "true"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))
	assert.Equal(t, []string{"exec", "-T", "kaspa-node", "sh", "-c", "true"}, s.calls[1].args[7:])
}

func TestComposeFailureCarriesStderr(t *testing.T) {
	s := &script{reply: func([]string) (string, string, error) {
		return "", "noise\nno such service: ghost\n", errors.New("exit status 1")
	}}
	err := newScripted(s).Up(context.Background(), []string{"ghost"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such service: ghost")
}

func TestVersion(t *testing.T) {
	s := &script{reply: func([]string) (string, string, error) { return "2.29.1\n", "", nil }}
	v, err := newScripted(s).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.29.1", v)
	assert.Equal(t, []string{"compose", "version", "--short"}, s.calls[0].args)

	s = &script{reply: func([]string) (string, string, error) {
		return "", "docker: 'compose' is not a docker command.\n", errors.New("exit status 1")
	}}
	_, err = newScripted(s).Version(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a docker command")
}

func TestLintAcceptsGeneratedArtifacts(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)
	res, err := cat.ResolveProfiles([]string{"core", "indexer-services", "explorer"})
	require.NoError(t, err)
	cfg, err := settings.Complete(settings.Configuration{}, cat, res.Services, nil, bytes.NewReader(bytes.Repeat([]byte("k"), 256)))
	require.NoError(t, err)
	art, err := engine.NewEngine("kaspa-aio").Generate(cfg, res.Services)
	require.NoError(t, err)

	dir := t.TempDir()
	manifest := filepath.Join(dir, "docker-compose.yml")
	secrets := filepath.Join(dir, ".env")
	require.NoError(t, engine.WriteArtifacts(manifest, secrets, art))

	names, err := Lint(context.Background(), "kaspa-aio", manifest, secrets, art.Manifest)
	require.NoError(t, err)
	assert.ElementsMatch(t, res.ServiceIDs(), names)
}

func TestLintRejectsMissingSecret(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "docker-compose.yml")
	secrets := filepath.Join(dir, ".env")
	body := []byte("services:\n  db:\n    image: postgres\n    environment:\n      PASSWORD: ${DB_PASSWORD}\n      LITERAL: $${NOT_A_VAR}\n")
	require.NoError(t, os.WriteFile(manifest, body, 0o600))
	require.NoError(t, os.WriteFile(secrets, []byte("OTHER=1\n"), 0o600))

	_, err := Lint(context.Background(), "p", manifest, secrets, body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
	assert.NotContains(t, err.Error(), "NOT_A_VAR")
}
