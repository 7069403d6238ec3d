// Package attribution attributes an app install to an ad campaign by
// polling the app conversion-tracking API, and answers windowed questions
// about the recorded ad click afterwards.
//
// A Client is created once per install. Acquire drives one acquisition
// sequence: a bounded series of POSTs that retries on lost connectivity and
// timeouts, and shifts the request timestamp back along a fixed backoff
// schedule when the service reports timestamp_invalid. Successful answers
// are folded into the client's state, which the *WithinDays accessors read.
package attribution

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/campaign-tracker/internal/pkg/distlock"
	"github.com/ignite/campaign-tracker/internal/pkg/httpretry"
	"github.com/ignite/campaign-tracker/internal/pkg/logger"
)

// Attribution is the stored result of the last successful parse.
type Attribution struct {
	Attributed   bool    `json:"attributed"`
	CampaignID   int64   `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	AdGroupID    int64   `json:"ad_group_id"`
	AdGroupName  string  `json:"ad_group_name"`
	AdClickTime  float64 `json:"ad_click_time"` // Unix seconds, 0 = no click
}

// Client is the attribution client for a single install.
type Client struct {
	cfg  Config
	rdid string
	lat  string

	http httpretry.HTTPDoer
	lock distlock.DistLock
	sink OutcomeSink
	now  func() time.Time

	mu      sync.RWMutex
	state   Attribution
	backoff *httpretry.Schedule
}

// New creates a client. The device identity is resolved once here and is
// fixed for the client's lifetime.
func New(ctx context.Context, cfg Config, ids IdentityProvider, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if ids == nil {
		return nil, fmt.Errorf("identity provider required")
	}
	cfg = cfg.withDefaults()

	id, err := ids.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device identity: %w", err)
	}
	rdid, lat := id.wire()

	c := &Client{
		cfg:     cfg,
		rdid:    rdid,
		lat:     lat,
		http:    &http.Client{},
		lock:    distlock.NewLocalLock(),
		now:     time.Now,
		backoff: httpretry.NewSchedule(cfg.BackoffSchedule, httpretry.DefaultFallback),
	}
	for _, opt := range opts {
		opt(c)
	}

	logger.Debug("attribution client initialized",
		"link_id", cfg.LinkID, "rdid", rdid, "lat", lat,
		"app_version", cfg.AppVersion, "os_version", cfg.OSVersion)

	return c, nil
}

// IsAttributed reports whether the last parsed answer carried an ad click.
func (c *Client) IsAttributed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Attributed
}

// AdClickTime returns the stored click time without any window check.
func (c *Client) AdClickTime() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.AdClickTime
}

// Snapshot returns a copy of the stored attribution.
func (c *Client) Snapshot() Attribution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// BackoffCount is how many schedule steps timestamp_invalid answers have used.
func (c *Client) BackoffCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backoff.Count()
}

// CampaignIDWithinDays returns the campaign id if the click happened within
// the last days calendar days. Otherwise it returns -1, false.
func (c *Client) CampaignIDWithinDays(days int) (int64, bool) {
	st, ok := c.withinWindow(days)
	if !ok {
		return -1, false
	}
	return st.CampaignID, true
}

// CampaignNameWithinDays is CampaignIDWithinDays for the campaign name.
func (c *Client) CampaignNameWithinDays(days int) (string, bool) {
	st, ok := c.withinWindow(days)
	if !ok {
		return "", false
	}
	return st.CampaignName, true
}

// AdGroupIDWithinDays returns the ad-group id, or -1, false outside the window.
func (c *Client) AdGroupIDWithinDays(days int) (int64, bool) {
	st, ok := c.withinWindow(days)
	if !ok {
		return -1, false
	}
	return st.AdGroupID, true
}

// AdGroupNameWithinDays returns the ad-group name, or "", false outside the window.
func (c *Client) AdGroupNameWithinDays(days int) (string, bool) {
	st, ok := c.withinWindow(days)
	if !ok {
		return "", false
	}
	return st.AdGroupName, true
}

// withinWindow applies the recency check. The deadline is inclusive.
func (c *Client) withinWindow(days int) (Attribution, bool) {
	c.mu.RLock()
	st := c.state
	c.mu.RUnlock()

	if !st.Attributed {
		return st, false
	}
	deadline := c.now().AddDate(0, 0, -days)
	return st, unixSeconds(deadline) <= st.AdClickTime
}

// nextBackoff advances the timestamp_invalid schedule.
func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Next()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}
