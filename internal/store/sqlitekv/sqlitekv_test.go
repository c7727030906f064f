package sqlitekv

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetOverwrites(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	var out map[string]string
	ok, err := db.Get(ctx, "user", "auth", &out)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.Set(ctx, "user", "auth", map[string]string{"token": "a", "tokenSecret": "b"}))
	require.NoError(t, db.Set(ctx, "user", "auth", map[string]string{"token": "c"}))
	ok, err = db.Get(ctx, "user", "auth", &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]string{"token": "c"}, out)
}

func TestMergeKeepsExistingFields(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	require.NoError(t, db.Merge(ctx, "followers", "ids", map[string]any{
		"42": map[string]any{"hydrated": true, "followers": 10},
	}))
	require.NoError(t, db.Merge(ctx, "followers", "ids", map[string]any{
		"42": map[string]any{"lastCampaignId": 1700000000},
		"43": map[string]any{"hydrated": false},
	}))

	var got map[string]any
	ok, err := db.Lookup(ctx, "followers", "ids", "42", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"hydrated": true, "followers": 10.0, "lastCampaignId": 1700000000.0}, got)

	n, err := db.Count(ctx, "followers", "ids")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestMergeRejectsNonObjects(t *testing.T) {
	db := openTest(t)
	err := db.Merge(context.Background(), "followers", "ids", map[string]any{"1": 5})
	require.Error(t, err)
}

func TestInsertMissingSkipsKnownKeys(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	require.NoError(t, db.Merge(ctx, "followers", "ids", map[string]any{"1": map[string]any{"hydrated": true}}))

	n, err := db.InsertMissing(ctx, "followers", "ids", map[string]any{
		"1": map[string]any{"hydrated": false},
		"2": map[string]any{"hydrated": false},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var got map[string]any
	_, err = db.Lookup(ctx, "followers", "ids", "1", &got)
	require.NoError(t, err)
	require.Equal(t, true, got["hydrated"])
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.Set(ctx, "dms", "period", map[string]int{"used": 5}); err != nil {
			return err
		}
		if err := tx.Merge(ctx, "followers", "ids", map[string]any{"1": map[string]any{"hydrated": true}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var period map[string]int
	ok, err := db.Get(ctx, "dms", "period", &period)
	require.NoError(t, err)
	require.False(t, ok)
	n, err := db.Count(ctx, "followers", "ids")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTopNFiltersSortsAndLimits(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	type rec struct {
		Score    float64 `json:"score"`
		Verified bool    `json:"verified"`
	}
	require.NoError(t, db.Merge(ctx, "followers", "ids", map[string]any{
		"a": rec{Score: 1, Verified: true},
		"b": rec{Score: 5, Verified: true},
		"c": rec{Score: 9},
		"d": rec{Score: 3, Verified: true},
	}))

	got, err := TopN(ctx, db, "followers", "ids", Query[rec]{
		Filter: func(r rec) bool { return r.Verified },
		Score:  func(r rec) float64 { return r.Score },
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Key)
	require.Equal(t, "d", got[1].Key)
	require.Equal(t, 3.0, got[1].Score)
}

func TestMergePropertyNoFieldLoss(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	seq := 0

	properties := gopter.NewProperties(nil)
	properties.Property("merging a disjoint field keeps earlier fields", prop.ForAll(
		func(followers int, stamp int64, screen string) bool {
			seq++
			id := strconv.Itoa(seq)
			if err := db.Merge(ctx, "followers", "ids", map[string]any{
				id: map[string]any{"hydrated": true, "followers": followers, "screenName": screen},
			}); err != nil {
				return false
			}
			if err := db.Merge(ctx, "followers", "ids", map[string]any{
				id: map[string]any{"lastCampaignId": stamp},
			}); err != nil {
				return false
			}
			var got struct {
				Hydrated       bool   `json:"hydrated"`
				Followers      int    `json:"followers"`
				ScreenName     string `json:"screenName"`
				LastCampaignID int64  `json:"lastCampaignId"`
			}
			ok, err := db.Lookup(ctx, "followers", "ids", id, &got)
			return ok && err == nil && got.Hydrated && got.Followers == followers &&
				got.ScreenName == screen && got.LastCampaignID == stamp
		},
		gen.IntRange(0, 1_000_000),
		gen.Int64Range(0, time.Now().Unix()),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestMergeExistingSkipsAbsentKeys(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	require.NoError(t, db.Merge(ctx, "followers", "ids", map[string]any{"a": map[string]any{"hydrated": true}}))

	var updated int
	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		var err error
		updated, err = tx.MergeExisting(ctx, "followers", "ids", map[string]any{
			"a": map[string]any{"mark": 1},
			"b": map[string]any{"mark": 1},
		})
		return err
	}))
	require.Equal(t, 1, updated)

	n, err := db.Count(ctx, "followers", "ids")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	var a map[string]any
	ok, err := db.Lookup(ctx, "followers", "ids", "a", &a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]any{"hydrated": true, "mark": float64(1)}, a)
}
