package transport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindConnect_IPC_RoundTrip(t *testing.T) {
	t.Parallel()

	sockPath := filepath.Join(t.TempDir(), "fdbus-test.sock")
	u := &URL{Scheme: SchemeIPC, Path: sockPath}

	srv, err := Bind(u, 1)
	require.NoError(t, err)
	defer srv.Close()

	accepted := make(chan struct{})
	go func() {
		conn, creds, err := srv.Accept()
		require.NoError(t, err)
		require.NotNil(t, creds)
		defer conn.Close()
		close(accepted)
	}()

	conn, creds, err := Connect(u, 1, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NotNil(t, creds)

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}
}

func TestBindConnect_TCP_AutoselectPort(t *testing.T) {
	t.Parallel()

	u := &URL{Scheme: SchemeTCP, Host: "127.0.0.1", Auto: true}
	srv, err := Bind(u, 1)
	require.NoError(t, err)
	defer srv.Close()

	require.False(t, srv.URL().Auto)
	require.NotZero(t, srv.URL().Port)

	go func() {
		conn, _, err := srv.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	conn, _, err := Connect(srv.URL(), 1, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	conn.Close()
}

func TestConnect_FailsAfterRetriesWhenNothingListens(t *testing.T) {
	t.Parallel()

	sockPath := filepath.Join(t.TempDir(), "nobody-listens.sock")
	u := &URL{Scheme: SchemeIPC, Path: sockPath}

	start := time.Now()
	_, _, err := Connect(u, 2, 10*time.Millisecond, 200*time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestConnect_UnresolvableSchemeRejected(t *testing.T) {
	t.Parallel()

	_, _, err := Connect(&URL{Scheme: SchemeSvc, Service: "x"}, 1, time.Millisecond, time.Millisecond)
	require.Error(t, err)
}

func TestBind_UnresolvableSchemeRejected(t *testing.T) {
	t.Parallel()

	_, err := Bind(&URL{Scheme: SchemeSvc, Service: "x"}, 1)
	require.Error(t, err)
}
