package app

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfcheck/internal/config"
	apperrors "github.com/kimhsiao/shelfcheck/internal/errors"
	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/remote"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DeviceID = "device-test"
	return cfg
}

func TestOpen_offline(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Remote)
	assert.Nil(t, a.Engine)
	assert.True(t, apperrors.Is(a.RequireEngine(), apperrors.ErrRemoteUnavailable))

	_, err = a.Queue.Enqueue(context.Background(), models.ScanPayload{Code: "A", Action: models.ScanCheck})
	assert.NoError(t, err)
}

func TestOpen_httpRemote(t *testing.T) {
	mem := remote.NewMemoryStore()
	srv := httptest.NewServer(remote.NewHandler(mem))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Remote.URL = srv.URL
	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.RequireEngine())
	client, ok := a.Remote.(*remote.HTTPClient)
	require.True(t, ok)
	assert.Equal(t, srv.URL, client.BaseURL())

	ctx := context.Background()
	_, err = a.Queue.Enqueue(ctx, models.CreatePayload{TempID: "tmp-1", Code: "C1", Name: "Crate"})
	require.NoError(t, err)
	summary, err := a.Engine.RunSyncPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Success)

	item, err := mem.GetByCode(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Crate", item.Name)
}

func TestOpen_withRemote(t *testing.T) {
	mem := remote.NewMemoryStore()
	cfg := testConfig(t)
	cfg.Remote.URL = "http://ignored.invalid"

	a, err := Open(context.Background(), cfg, WithRemote(mem))
	require.NoError(t, err)
	defer a.Close()

	assert.Same(t, mem, a.Remote)
	assert.NotNil(t, a.Engine)
}
