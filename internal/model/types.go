package model

import (
	"errors"
	"time"
)

// ErrNotAuthenticated is returned when no usable account is stored.
var ErrNotAuthenticated = errors.New("not authenticated")

// Identity is the remote account the store belongs to.
type Identity struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ScreenName string `json:"screenName"`
	// FollowersCount is the follower count observed at authentication.
	FollowersCount int `json:"followers"`
}

// Credentials is the per-user OAuth token pair.
type Credentials struct {
	Token       string `json:"token"`
	TokenSecret string `json:"tokenSecret"`
}

// Account is the singleton owner of a store.
type Account struct {
	Identity    Identity
	Credentials Credentials
}

// Authenticated reports whether the account can sign remote calls.
func (a Account) Authenticated() bool {
	return a.Identity.ID != "" && a.Credentials.Token != "" && a.Credentials.TokenSecret != ""
}

// Profile is the enrichment payload returned by a user lookup.
type Profile struct {
	ID             string     `json:"id"`
	ScreenName     string     `json:"screenName"`
	Name           string     `json:"name"`
	Location       string     `json:"location,omitempty"`
	URL            string     `json:"url,omitempty"`
	Description    string     `json:"description,omitempty"`
	Verified       bool       `json:"verified"`
	Followers      int        `json:"followers"`
	Following      int        `json:"following"`
	Listed         int        `json:"listed"`
	Favourites     int        `json:"favourites"`
	Statuses       int        `json:"statuses"`
	Created        time.Time  `json:"created"`
	LastTweet      *time.Time `json:"lastTweet,omitempty"`
	ProfileImage   string     `json:"profileImage,omitempty"`
	DefaultProfile bool       `json:"defaultProfile"`
	DefaultImage   bool       `json:"defaultImage"`
}

// Follower is the stored record for one follower id.
// Hydrated records always carry a Profile.
type Follower struct {
	Hydrated       bool       `json:"hydrated"`
	Profile        *Profile   `json:"profile,omitempty"`
	LastUpdate     *time.Time `json:"lastUpdate,omitempty"`
	LastCampaignID *time.Time `json:"lastCampaignId,omitempty"`
}

// Cursor is the pagination position of the follower list.
type Cursor struct {
	Next     string `json:"next"`
	Previous string `json:"previous"`
}

// Terminal reports whether the list has no further pages.
func (c Cursor) Terminal() bool { return c.Next == "0" }

// FollowerPage is one page of follower ids.
type FollowerPage struct {
	IDs      []string
	Next     string
	Previous string
}

// Cursor returns the page's pagination position. An empty next cursor is
// treated as the end of the list.
func (p FollowerPage) Cursor() Cursor {
	next := p.Next
	if next == "" {
		next = "0"
	}
	return Cursor{Next: next, Previous: p.Previous}
}

// QuotaPeriod is the rolling outbound send window.
type QuotaPeriod struct {
	End  time.Time `json:"end"`
	Used int       `json:"used"`
}

// Active reports whether the period is still open at now.
func (p QuotaPeriod) Active(now time.Time) bool { return now.Before(p.End) }

// Campaign records one outbound batch that reached the remote API.
type Campaign struct {
	Start   time.Time `json:"start"`
	Message string    `json:"message"`
	IDs     []string  `json:"ids"`
}
