package jobs

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doyen/internal/config"
	"doyen/internal/ingest"
	"doyen/internal/model"
	"doyen/internal/store/sqlitekv"
)

type fakeAPI struct {
	pages   []model.FollowerPage
	fetches int
	lookups [][]string
	// trace records fetch and lookup calls in order
	trace []string
	block chan struct{}
}

func (f *fakeAPI) FollowerIDs(ctx context.Context, creds model.Credentials, userID, cursor string, count int) (model.FollowerPage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return model.FollowerPage{}, ctx.Err()
		}
	}
	f.fetches++
	f.trace = append(f.trace, "fetch:"+cursor)
	if len(f.pages) == 0 {
		return model.FollowerPage{}, errors.New("no more pages")
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func (f *fakeAPI) LookupUsers(ctx context.Context, creds model.Credentials, ids []string) ([]model.Profile, error) {
	f.lookups = append(f.lookups, ids)
	f.trace = append(f.trace, "lookup:"+strconv.Itoa(len(ids)))
	out := make([]model.Profile, len(ids))
	for i, id := range ids {
		out[i] = model.Profile{ID: id}
	}
	return out, nil
}

func idRange(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(from + i)
	}
	return out
}

type sleepLog struct{ waits []time.Duration }

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestRunner(t *testing.T, api *fakeAPI, followers int) (*Runner, *sqlitekv.DB, *sleepLog) {
	t.Helper()
	db, err := sqlitekv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if followers >= 0 {
		require.NoError(t, db.SaveAccount(context.Background(), model.Account{
			Identity:    model.Identity{ID: "1", ScreenName: "me", FollowersCount: followers},
			Credentials: model.Credentials{Token: "t", TokenSecret: "s"},
		}))
	}
	cfg := config.Default().Pacing
	r := NewRunner(db, ingest.NewIngestor(db, api, 0), ingest.NewHydrator(db, api, cfg.HydrateChunk), cfg)
	sl := &sleepLog{}
	r.sleep = sl.sleep
	return r, db, sl
}

func TestSelectMode(t *testing.T) {
	cfg := config.Default().Pacing
	assert.Equal(t, Mode{Name: "burst", Interval: 1500 * time.Millisecond}, SelectMode(74999, cfg))
	assert.Equal(t, Mode{Name: "sustained", Interval: time.Minute}, SelectMode(75000, cfg))
	assert.Equal(t, "burst", SelectMode(0, cfg).Name)
}

func TestRunHydratesTrailingPageThenStops(t *testing.T) {
	api := &fakeAPI{pages: []model.FollowerPage{
		{IDs: idRange(1, 150), Next: "5"},
		{IDs: idRange(151, 30), Next: "0", Previous: "5"},
	}}
	r, db, sl := newTestRunner(t, api, 180)

	st, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, "burst", st.Mode)
	assert.Equal(t, 2, st.Iterations)
	assert.Equal(t, 180, st.Downloaded)
	assert.Equal(t, 180, st.Hydrated)
	assert.NotEmpty(t, st.RunID)
	assert.NotNil(t, st.FinishedAt)

	assert.Equal(t, 2, api.fetches)
	assert.Equal(t, []string{"fetch:-1", "lookup:100", "lookup:50", "fetch:5", "lookup:30"}, api.trace)

	// settle, settle, interval, settle, settle
	assert.Equal(t, []time.Duration{time.Second, time.Second, 1500 * time.Millisecond, time.Second, time.Second}, sl.waits)

	pending, err := db.UnhydratedFollowerIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunSustainedModeInterval(t *testing.T) {
	api := &fakeAPI{pages: []model.FollowerPage{
		{IDs: []string{"1"}, Next: "5"},
		{IDs: []string{"2"}, Next: "0"},
	}}
	r, _, sl := newTestRunner(t, api, 200000)

	st, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sustained", st.Mode)
	assert.Contains(t, sl.waits, time.Minute)
}

func TestRunWithoutAccountFails(t *testing.T) {
	api := &fakeAPI{}
	r, _, _ := newTestRunner(t, api, -1)

	st, err := r.Run(context.Background())
	require.ErrorIs(t, err, model.ErrNotAuthenticated)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, 0, api.fetches)
}

func TestRunStopsOnFetchError(t *testing.T) {
	api := &fakeAPI{pages: []model.FollowerPage{{IDs: []string{"1"}, Next: "5"}}}
	r, _, _ := newTestRunner(t, api, 10)

	st, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, 1, st.Iterations)
	assert.Contains(t, st.Err, "no more pages")
}

func TestRunIterationLimit(t *testing.T) {
	api := &fakeAPI{pages: []model.FollowerPage{
		{IDs: []string{"1"}, Next: "5"},
		{IDs: []string{"2"}, Next: "6"},
		{IDs: []string{"3"}, Next: "7"},
	}}
	r, _, _ := newTestRunner(t, api, 10)
	r.cfg.MaxIterations = 2

	st, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrIterationLimit)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, 2, api.fetches)
}

func TestRunCancelledDuringWait(t *testing.T) {
	api := &fakeAPI{pages: []model.FollowerPage{{IDs: []string{"1"}, Next: "5"}}}
	r, _, _ := newTestRunner(t, api, 10)
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		if d == r.cfg.BurstInterval {
			cancel()
		}
		return ctx.Err()
	}

	st, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, 1, api.fetches)
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	api := &fakeAPI{
		pages: []model.FollowerPage{{IDs: []string{"1"}, Next: "0"}},
		block: make(chan struct{}),
	}
	r, _, _ := newTestRunner(t, api, 10)

	id, err := r.Start(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, StateRunning, r.Status().State)

	_, err = r.Start(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)
	_, err = r.Run(context.Background())
	require.ErrorIs(t, err, ErrRunInProgress)

	close(api.block)
	require.Eventually(t, func() bool { return r.Status().State == StateDone }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, r.Status().RunID)
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}
