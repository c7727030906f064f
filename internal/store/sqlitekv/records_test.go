package sqlitekv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"doyen/internal/model"
)

func TestAccountRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	_, ok, err := db.LoadAccount(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	acct := model.Account{
		Identity:    model.Identity{ID: "1", ScreenName: "doyen", FollowersCount: 1200},
		Credentials: model.Credentials{Token: "t", TokenSecret: "s"},
	}
	require.NoError(t, db.SaveAccount(ctx, acct))
	got, ok, err := db.LoadAccount(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, acct, got)
	require.True(t, got.Authenticated())
}

func TestAddFollowerIDsKeepsHydratedRecords(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	added, err := db.AddFollowerIDs(ctx, []string{"1", "2"}, model.Cursor{Next: "55", Previous: "0"})
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.NoError(t, db.MarkHydrated(ctx, []model.Profile{{ID: "1", ScreenName: "one", Followers: 10}}, now))

	added, err = db.AddFollowerIDs(ctx, []string{"1", "2", "3"}, model.Cursor{Next: "0", Previous: "55"})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	f, ok, err := db.Follower(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, f.Hydrated)
	require.Equal(t, 10, f.Profile.Followers)

	ids, err := db.UnhydratedFollowerIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3"}, ids)

	c, err := db.LoadCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Cursor{Next: "0", Previous: "55"}, c)
	require.True(t, c.Terminal())
}

func TestRecordCampaignMovesLatestToHistory(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	require.NoError(t, db.MarkHydrated(ctx, []model.Profile{{ID: "7", Followers: 99}}, t0))
	first := model.Campaign{Start: t0, Message: "hi", IDs: []string{"7"}}
	require.NoError(t, db.RecordCampaign(ctx, first, model.QuotaPeriod{End: t0.Add(24 * time.Hour), Used: 1}))
	second := model.Campaign{Start: t1, Message: "again", IDs: []string{"7", "8"}}
	require.NoError(t, db.RecordCampaign(ctx, second, model.QuotaPeriod{End: t0.Add(24 * time.Hour), Used: 3}))

	latest, ok, err := db.LatestCampaign(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "again", latest.Message)

	hist, err := db.CampaignHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.True(t, hist[0].Start.Equal(t0))

	p, ok, err := db.LoadQuotaPeriod(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, p.Used)

	f, _, err := db.Follower(ctx, "7")
	require.NoError(t, err)
	require.True(t, f.Hydrated)
	require.Equal(t, 99, f.Profile.Followers)
	require.NotNil(t, f.LastCampaignID)
	require.True(t, f.LastCampaignID.Equal(t1))
}

func TestRecordCampaignSkipsUnknownRecipients(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := db.AddFollowerIDs(ctx, []string{"10"}, model.Cursor{})
	require.NoError(t, err)

	c := model.Campaign{Start: t0, Message: "hi", IDs: []string{"10", "999"}}
	require.NoError(t, db.RecordCampaign(ctx, c, model.QuotaPeriod{End: t0.Add(24 * time.Hour), Used: 2}))

	n, err := db.FollowerCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ids, err := db.UnhydratedFollowerIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"10"}, ids)
	_, ok, err := db.Follower(ctx, "999")
	require.NoError(t, err)
	require.False(t, ok)

	f, _, err := db.Follower(ctx, "10")
	require.NoError(t, err)
	require.NotNil(t, f.LastCampaignID)
	require.False(t, f.Hydrated)
}
