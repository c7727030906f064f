package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doyen/internal/config"
	"doyen/internal/jobs"
	"doyen/internal/model"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.DBPath = ":memory:"
	cfg.API.BaseURL = "http://127.0.0.1:1"
	return cfg
}

func TestAppWithoutLogin(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	_, err = a.Account(ctx)
	require.ErrorIs(t, err, model.ErrNotAuthenticated)

	q, err := a.QuotaRemaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000, q.Remaining)

	_, err = a.SendOutboundBatch(ctx, []string{"1"}, "hi", true)
	require.ErrorIs(t, err, model.ErrNotAuthenticated)

	st, err := a.RunIngestionAndHydration(ctx)
	require.ErrorIs(t, err, model.ErrNotAuthenticated)
	assert.Equal(t, jobs.StateError, st.State)

	_, err = a.RefreshStale(ctx)
	require.ErrorIs(t, err, model.ErrNotAuthenticated)

	n, err := a.FollowerCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppColdRunWithRedisGate(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()

	a, err := New(cfg)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()
	require.NoError(t, a.db.SaveAccount(ctx, model.Account{
		Identity:    model.Identity{ID: "1"},
		Credentials: model.Credentials{Token: "t", TokenSecret: "s"},
	}))

	res, err := a.SendOutboundBatch(ctx, []string{"7", "8"}, "hi", true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 998, res.Remaining)
	assert.False(t, mr.Exists(cfg.Redis.LockKey), "lock released after the batch")
}

func TestCampaignsOldestFirst(t *testing.T) {
	a, err := New(testConfig())
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	out, err := a.Campaigns(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	period := model.QuotaPeriod{End: t0.Add(24 * time.Hour), Used: 1}
	require.NoError(t, a.db.RecordCampaign(ctx, model.Campaign{Start: t0, Message: "one", IDs: []string{"1"}}, period))
	period.Used = 2
	require.NoError(t, a.db.RecordCampaign(ctx, model.Campaign{Start: t0.Add(time.Hour), Message: "two", IDs: []string{"2"}}, period))

	out, err = a.Campaigns(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "one", out[0].Message)
	assert.Equal(t, "two", out[1].Message)
}
