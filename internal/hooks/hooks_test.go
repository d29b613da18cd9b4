package hooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaspa-aio/aioctl/internal/logging"
)

type fakeExecer struct {
	calls atomic.Int32
	fails int32
}

func (f *fakeExecer) Exec(_ context.Context, _ string, _ []string) ([]byte, error) {
	n := f.calls.Add(1)
	if n <= f.fails {
		return []byte("connection refused"), errors.New("exit status 1")
	}
	return nil, nil
}

func TestStepValidate(t *testing.T) {
	assert.Error(t, Step{}.Validate())
	assert.Error(t, Step{Name: "x"}.Validate())
	assert.Error(t, Step{Name: "x", HTTP: "http://a", Exec: []string{"true"}}.Validate())
	assert.NoError(t, Step{Name: "x", Exec: []string{"true"}}.Validate())
}

func TestRunHTTPStep(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ex := NewExecutor(logging.Discard(), nil, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, ex.Run(ctx, "kaspa-rest-server", []Step{{Name: "info", HTTP: srv.URL}}))
	assert.Equal(t, int32(3), hits.Load())
}

func TestRunExpectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ex := NewExecutor(logging.Discard(), nil, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := ex.Run(ctx, "kaspa-explorer", []Step{{Name: "index", HTTP: srv.URL, ExpectStatus: http.StatusOK}})
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "kaspa-explorer", stepErr.Service)
	assert.Equal(t, "index", stepErr.Step)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunExecStepRetries(t *testing.T) {
	fe := &fakeExecer{fails: 2}
	ex := NewExecutor(logging.Discard(), fe, 5*time.Millisecond)

	require.NoError(t, ex.Run(context.Background(), "kaspa-node", []Step{{Name: "wrpc", Exec: []string{"nc", "-z", "127.0.0.1", "17110"}}}))
	assert.Equal(t, int32(3), fe.calls.Load())
}

func TestRunExecWithoutRunner(t *testing.T) {
	ex := NewExecutor(logging.Discard(), nil, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Error(t, ex.Run(ctx, "kaspa-node", []Step{{Name: "wrpc", Exec: []string{"true"}}}))
}
