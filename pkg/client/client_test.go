package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/types"
)

func newServerAndClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(strings.TrimPrefix(srv.URL, "http://"))
}

func TestSubmitTask(t *testing.T) {
	c := newServerAndClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/tasks", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"abc-123"}`))
	})

	id, err := c.SubmitTask(&types.TaskDescriptor{Name: "t"})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestTypedErrorDecoding(t *testing.T) {
	c := newServerAndClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"host is quiescent","kind":"fatal_host"}`))
	})

	_, err := c.SubmitTask(&types.TaskDescriptor{Name: "t"})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindFatalHost, types.KindOf(err))
	assert.Contains(t, err.Error(), "quiescent")
}

func TestUnreachableDaemonIsTransient(t *testing.T) {
	c := New("127.0.0.1:1") // nothing listens there
	err := c.Health()
	require.Error(t, err)
	assert.Equal(t, types.ErrKindTransient, types.KindOf(err))
}

func TestNoContentResponses(t *testing.T) {
	c := newServerAndClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.CancelTask("abc"))
	require.NoError(t, c.RemoveSchedule("nightly"))
}

func TestOpaqueErrorBody(t *testing.T) {
	c := newServerAndClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	err := c.Health()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
