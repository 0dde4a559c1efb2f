package cli

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "stocksync", cmd.Use)

	for _, name := range []string{"serve", "config", "status", "session", "watch", "version"} {
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestServeFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	role := serveCmd.Flags().Lookup("role")
	require.NotNil(t, role)
	assert.Equal(t, "employee", role.DefValue)

	for _, name := range []string{"data-dir", "addr", "viewer", "shutdown-timeout"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestServeRejectsInvalidRole(t *testing.T) {
	_, err := execute(t, "serve", "--viewer", "u1", "--role", "owner", "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "stocksync dev")
}

func TestConfigPrintsOverrides(t *testing.T) {
	out, err := execute(t, "config", "--addr", "127.0.0.1:9999", "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "127.0.0.1:9999")
	assert.Contains(t, out, "level: debug")
	assert.Contains(t, out, "window_ms: 300")
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"active":true,"viewer_id":"u1","role":"manager",
			"channel":"orders-u1","connected":true,"events_received":4,"events_routed":3,"transitions":2}}`))
	}))
	defer server.Close()

	out, err := execute(t, "status", "--server", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "u1 (manager)")
	assert.Contains(t, out, "orders-u1 connected=true")
	assert.Contains(t, out, "4 received, 3 routed")
}

func TestStatusUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	_, err := execute(t, "status", "--server", server.URL)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	wrapped := WrapExitError(ExitCommandError, "bad", errors.New("cause"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "bad: cause", wrapped.Error())
}

func TestSessionStart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"handle_id":"h1","viewer_id":"u1","role":"manager","channel":"orders-u1"}}`))
	}))
	defer server.Close()

	out, err := execute(t, "session", "start", "u1", "--role", "manager", "--server", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Session h1 started on orders-u1")
}

func TestSessionStopReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("purge"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":{"type":"internal","code":"purge_failed","message":"Failed to purge snapshots"}}`))
	}))
	defer server.Close()

	_, err := execute(t, "session", "stop", "--purge", "--server", server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge_failed")
}
