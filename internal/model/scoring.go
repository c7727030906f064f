package model

import (
	"math"
	"strings"
	"time"
)

const (
	weightListed      = 2.0
	weightFavourites  = 0.5
	weightStatuses    = 0.5
	weightCreated     = 1.0
	weightRecentTweet = 10.0

	recentTweetWindow = 90 * 24 * time.Hour
	day               = 24 * time.Hour
	month             = 30 * day
)

// FollowRatio is followers divided by following. Accounts following nobody
// yield +Inf, empty accounts NaN.
func FollowRatio(p Profile) float64 {
	return float64(p.Followers) / float64(p.Following)
}

// MostActiveScore prefers older accounts that tweeted recently and are listed by others.
// Accounts that tweeted inside the last 90 days gain, older tweeters are penalised,
// and accounts with no known tweet get a small fixed penalty.
func MostActiveScore(p Profile, now time.Time) float64 {
	ageMonths := 0.0
	if !p.Created.IsZero() {
		ageMonths = now.Sub(p.Created).Hours() / month.Hours()
	}
	recent := -1.0
	if p.LastTweet != nil {
		since := now.Add(-recentTweetWindow)
		recent = weightRecentTweet * (p.LastTweet.Sub(since).Hours() / day.Hours())
	}
	activity := float64(p.Favourites)*weightFavourites + float64(p.Statuses)*weightStatuses + ageMonths*weightCreated
	return float64(p.Listed) * weightListed * (activity + recent)
}

// BotLikelihood estimates if a profile is a bot [0,1]. Lower is better.
func BotLikelihood(p Profile) float64 {
	score := 0.2
	if p.DefaultImage || p.DefaultProfile {
		score += 0.2
	}
	if !p.Verified && p.Followers < 50 && p.Following > 500 {
		score += 0.3
	}
	if strings.TrimSpace(p.Description) == "" {
		score += 0.1
	}
	if p.LastTweet == nil && p.Statuses == 0 {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*100) / 100
}
