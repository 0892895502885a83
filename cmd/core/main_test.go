// Package main tests for the command line.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/remote"
)

// run executes the root command with args against dataDir.
func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--data-dir", dataDir, "--device-id", "cli-test", "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decode(t *testing.T, out string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), "output: %s", out)
}

func status(t *testing.T, dataDir string) statusOutput {
	t.Helper()
	out, err := run(t, dataDir, "status")
	require.NoError(t, err)
	var st statusOutput
	decode(t, out, &st)
	return st
}

func newRemote(t *testing.T) (*remote.MemoryStore, string) {
	t.Helper()
	mem := remote.NewMemoryStore()
	srv := httptest.NewServer(remote.NewHandler(mem))
	t.Cleanup(srv.Close)
	return mem, srv.URL
}

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Fatal("Version should not be empty")
	}
	out, err := run(t, t.TempDir(), "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestEnqueue_andStatus(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "enqueue", "scan", "X-1")
	require.NoError(t, err)
	var scan enqueueResult
	decode(t, out, &scan)
	assert.NotEmpty(t, scan.OperationID)
	assert.Empty(t, scan.TempID)

	out, err = run(t, dir, "enqueue", "create", "--code", "C-1", "--name", "Drill", "--quantity", "2")
	require.NoError(t, err)
	var create enqueueResult
	decode(t, out, &create)
	assert.True(t, strings.HasPrefix(create.TempID, "tmp-"), "temp id %q", create.TempID)

	_, err = run(t, dir, "enqueue", "update", create.TempID, "--name", "Hammer drill")
	require.NoError(t, err)

	st := status(t, dir)
	assert.Equal(t, "cli-test", st.DeviceID)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, 3, st.PendingCount)
	assert.Zero(t, st.LastSyncTimestamp)

	out, err = run(t, dir, "items")
	require.NoError(t, err)
	var items []models.CachedEntity
	decode(t, out, &items)
	require.Len(t, items, 2)
}

func TestEnqueue_rejectsInvalidPayloads(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "enqueue", "update", "42")
	assert.Error(t, err, "update without fields")

	_, err = run(t, dir, "enqueue", "create", "--code", "C-1")
	assert.Error(t, err, "create without name")

	_, err = run(t, dir, "enqueue", "scan")
	assert.Error(t, err, "scan without code")

	assert.Zero(t, status(t, dir).Pending)
}

func TestSync_againstRemote(t *testing.T) {
	dir := t.TempDir()
	mem, url := newRemote(t)
	ctx := context.Background()
	id, err := mem.Create(ctx, remote.CreateRequest{Code: "X-1", Name: "Ladder"})
	require.NoError(t, err)

	_, err = run(t, dir, "enqueue", "scan", "X-1")
	require.NoError(t, err)
	_, err = run(t, dir, "enqueue", "create", "--code", "C-9", "--name", "Crate")
	require.NoError(t, err)

	out, err := run(t, dir, "sync", "--remote-url", url)
	require.NoError(t, err)
	var summary struct {
		Success      int `json:"success"`
		PendingCount int `json:"pending_count"`
	}
	decode(t, out, &summary)
	assert.Equal(t, 2, summary.Success)
	assert.Zero(t, summary.PendingCount)

	assert.Len(t, mem.CheckRecords(id), 1)
	_, err = mem.GetByCode(ctx, "C-9")
	assert.NoError(t, err)

	st := status(t, dir)
	assert.Zero(t, st.PendingCount)
	assert.Positive(t, st.LastSyncTimestamp)
}

func TestSync_requiresRemote(t *testing.T) {
	_, err := run(t, t.TempDir(), "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.url")
}

func TestConflicts_andResolve(t *testing.T) {
	dir := t.TempDir()
	_, url := newRemote(t)

	_, err := run(t, dir, "enqueue", "scan", "MISSING")
	require.NoError(t, err)
	_, err = run(t, dir, "sync", "--remote-url", url)
	require.NoError(t, err)

	out, err := run(t, dir, "conflicts")
	require.NoError(t, err)
	var conflicts []models.ConflictRecord
	decode(t, out, &conflicts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictNotFound, conflicts[0].ConflictKind)
	assert.Equal(t, 1, status(t, dir).UnresolvedCount)

	out, err = run(t, dir, "resolve", conflicts[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, conflicts[0].ID)

	out, err = run(t, dir, "conflicts")
	require.NoError(t, err)
	decode(t, out, &conflicts)
	assert.Empty(t, conflicts)

	out, err = run(t, dir, "conflicts", "--all")
	require.NoError(t, err)
	decode(t, out, &conflicts)
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].Resolved)

	_, err = run(t, dir, "resolve", "no-such-conflict")
	assert.Error(t, err)
}

func TestRetryDead(t *testing.T) {
	out, err := run(t, t.TempDir(), "retry-dead")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 0 operations")
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "config")
	require.NoError(t, err)
	assert.Contains(t, out, "device_id: cli-test")
	assert.Contains(t, out, "log_level: error")
}

func TestServeRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveRemote(ctx, ln, remote.NewMemoryStore()) }()

	client := remote.NewHTTPClient("http://"+ln.Addr().String(), time.Second)
	require.NoError(t, client.Ping(context.Background()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveRemote did not stop")
	}
}
