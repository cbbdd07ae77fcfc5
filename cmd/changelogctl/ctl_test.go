package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-changelog/pkg/auth"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/metrics"
	"github.com/dd0wney/cluso-changelog/pkg/protocol"
	"github.com/dd0wney/cluso-changelog/pkg/replication"
	"github.com/dd0wney/cluso-changelog/pkg/tls"
)

func startServer(t *testing.T) *replication.ReplicationServer {
	t.Helper()
	cfg := replication.DefaultServerConfig()
	cfg.ServerID = 1
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.BaseDNs = []string{"dc=example,dc=com"}
	cfg.DBImplementation = replication.DBMemory
	cfg.PurgeDelay = 0

	rs, err := replication.New(cfg, replication.Options{
		Logger:   logging.NewNopLogger(),
		Metrics:  metrics.NewRegistry(),
		Registry: replication.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, rs.Start(context.Background()))
	t.Cleanup(func() { _ = rs.Shutdown() })
	require.NoError(t, rs.EnableExternalChangelog(context.Background()))
	return rs
}

func options(rs *replication.ReplicationServer) *globalOptions {
	return &globalOptions{server: rs.Addr().String(), timeout: 5 * time.Second, output: "text"}
}

func TestInjectThenTail(t *testing.T) {
	rs := startServer(t)
	g := options(rs)

	var sent bytes.Buffer
	err := runInject(context.Background(), g, &injectOptions{
		serverID:     7,
		baseDN:       "dc=example,dc=com",
		generationID: -1,
		count:        5,
		payload:      "changetype: add",
	}, &sent)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(sent.String(), "sent\t"))

	d, err := rs.Domain("dc=example,dc=com", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.DB().Count() == 5 }, 5*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, runTail(context.Background(), g, &protocol.StartECLSessionMsg{}, 0, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "1\tdc=example,dc=com\t"))

	t.Run("json with limit", func(t *testing.T) {
		g := options(rs)
		g.output = "json"
		var out bytes.Buffer
		msg := &protocol.StartECLSessionMsg{StartChangeNumber: 4}
		require.NoError(t, runTail(context.Background(), g, msg, 1, &out))

		var m protocol.ECLUpdateMsg
		require.NoError(t, json.Unmarshal(out.Bytes(), &m))
		assert.Equal(t, int64(4), m.ChangeNumber)
	})

	t.Run("persistent until cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		var out bytes.Buffer
		msg := &protocol.StartECLSessionMsg{Mode: protocol.Persistent}
		require.NoError(t, runTail(ctx, options(rs), msg, 0, &out))
		assert.Equal(t, 5, strings.Count(out.String(), "\n"))
	})
}

func TestTailOptions(t *testing.T) {
	_, err := (&tailOptions{cookie: "dc=x:", changeNumber: 3}).startMsg()
	assert.Error(t, err)

	_, err = (&tailOptions{cookie: "garbage"}).startMsg()
	assert.Error(t, err)

	msg, err := (&tailOptions{persistent: true}).startMsg()
	require.NoError(t, err)
	assert.Equal(t, protocol.Persistent, msg.Mode)

	msg, err = (&tailOptions{changesOnly: true}).startMsg()
	require.NoError(t, err)
	assert.Equal(t, protocol.PersistentChangesOnly, msg.Mode)
}

func TestCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing bearer token"})
			return
		}
		switch r.URL.Path {
		case "/ecl/cookie":
			json.NewEncoder(w).Encode(map[string]string{"cookie": "dc=example,dc=com:" + r.URL.Query().Get("exclude") + ";"})
		case "/ecl/cookie/validate":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "replication: full resync required"})
		}
	}))
	defer srv.Close()
	g := &globalOptions{admin: srv.URL + "/", token: "tok", timeout: time.Second, output: "text"}

	var out bytes.Buffer
	require.NoError(t, runCookie(context.Background(), g, &cookieOptions{exclude: []string{"x"}}, &out))
	assert.Equal(t, "dc=example,dc=com:x;\n", out.String())

	err := runCookie(context.Background(), g, &cookieOptions{validate: "dc=old:;"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full resync required")

	g.token = ""
	err = runCookie(context.Background(), g, &cookieOptions{}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestTokenCmd(t *testing.T) {
	const secret = "ctl-test-secret-at-least-thirty-two-chars"
	t.Setenv(auth.SecretEnv, secret)

	var out bytes.Buffer
	cmd := newTokenCmd()
	cmd.SetArgs([]string{"--scope", auth.ScopeAdmin, "--subject", "ops"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	tokens, err := auth.NewTokenManager(secret)
	require.NoError(t, err)
	claims, err := tokens.Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.Allows(auth.ScopeAdmin))

	t.Setenv(auth.SecretEnv, "")
	cmd = newTokenCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&out)
	assert.Error(t, cmd.Execute())
}

func TestGencert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "rs.crt")
	key := filepath.Join(dir, "rs.key")

	cmd := newGencertCmd()
	cmd.SetArgs([]string{"--cert", cert, "--key", key, "--host", "rs1.example.com"})
	cmd.SetOut(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())
	assert.NoError(t, tls.VerifyCertificate(cert))
}
