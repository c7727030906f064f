package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFollowRatio(t *testing.T) {
	assert.Equal(t, 2.5, FollowRatio(Profile{Followers: 250, Following: 100}))
	assert.True(t, math.IsInf(FollowRatio(Profile{Followers: 3}), 1))
	assert.True(t, math.IsNaN(FollowRatio(Profile{})))
}

func TestMostActiveScorePrefersRecentTweeters(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	created := now.AddDate(-3, 0, 0)
	recent := now.Add(-24 * time.Hour)
	stale := now.AddDate(0, -6, 0)

	active := Profile{Listed: 4, Favourites: 100, Statuses: 200, Created: created, LastTweet: &recent}
	dormant := Profile{Listed: 4, Favourites: 100, Statuses: 200, Created: created, LastTweet: &stale}
	silent := Profile{Listed: 4, Favourites: 100, Statuses: 200, Created: created}

	a, d, s := MostActiveScore(active, now), MostActiveScore(dormant, now), MostActiveScore(silent, now)
	assert.Greater(t, a, s)
	assert.Greater(t, s, d)
}

func TestMostActiveScoreZeroWhenUnlisted(t *testing.T) {
	now := time.Now()
	tw := now.Add(-time.Hour)
	assert.Zero(t, MostActiveScore(Profile{Statuses: 5000, LastTweet: &tw}, now))
}

func TestBotLikelihood(t *testing.T) {
	spammy := Profile{DefaultImage: true, Followers: 3, Following: 2000}
	human := Profile{Verified: true, Description: "writes go", Statuses: 10, Followers: 900, Following: 300}
	assert.Equal(t, 0.9, BotLikelihood(spammy))
	assert.Equal(t, 0.2, BotLikelihood(human))
}
