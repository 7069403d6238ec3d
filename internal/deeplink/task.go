// Package deeplink turns an attributed install into a deferred deep link:
// it runs an acquisition, requires the ad click to fall inside a lookback
// window, and maps the ad group to a link.
package deeplink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-tracker/internal/pkg/logger"
)

// MaxLookbackDays is the exclusive upper bound for a lookback window.
const MaxLookbackDays = 365

var (
	// ErrInvalidLookback is returned for windows outside 1..364 days.
	ErrInvalidLookback = errors.New("lookback window must be between 1 and 364 days")
	// ErrOutsideLookback means the click is older than the window.
	ErrOutsideLookback = errors.New("ad click outside lookback window")
	// ErrNoDeepLink means the ad group has no mapped link.
	ErrNoDeepLink = errors.New("no deep link for ad group")
)

// Tracker is the part of attribution.Client a Task needs.
type Tracker interface {
	Acquire(ctx context.Context, tryTimes int, timeout time.Duration) error
	CampaignIDWithinDays(days int) (int64, bool)
	AdGroupIDWithinDays(days int) (int64, bool)
}

// Resolver maps an ad group to a deep link.
type Resolver interface {
	Resolve(ctx context.Context, adGroupID int64) (string, error)
}

// Link is a resolved deferred deep link.
type Link struct {
	CampaignID int64  `json:"campaign_id"`
	AdGroupID  int64  `json:"ad_group_id"`
	URL        string `json:"url"`
}

// Task runs one acquire-then-resolve pass.
type Task struct {
	Tracker      Tracker
	Resolver     Resolver
	TryTimes     int
	Timeout      time.Duration
	LookbackDays int
}

// Run acquires attribution and resolves the deep link for the ad group.
func (t *Task) Run(ctx context.Context) (Link, error) {
	if t.LookbackDays <= 0 || t.LookbackDays >= MaxLookbackDays {
		return Link{}, fmt.Errorf("%w: got %d", ErrInvalidLookback, t.LookbackDays)
	}

	if err := t.Tracker.Acquire(ctx, t.TryTimes, t.Timeout); err != nil {
		return Link{}, fmt.Errorf("acquire campaign info: %w", err)
	}

	adGroupID, ok := t.Tracker.AdGroupIDWithinDays(t.LookbackDays)
	if !ok {
		return Link{}, fmt.Errorf("%w (%d days)", ErrOutsideLookback, t.LookbackDays)
	}
	campaignID, _ := t.Tracker.CampaignIDWithinDays(t.LookbackDays)

	url, err := t.Resolver.Resolve(ctx, adGroupID)
	if err != nil {
		return Link{}, fmt.Errorf("resolve ad group %d: %w", adGroupID, err)
	}

	logger.Info("deep link resolved", "campaign_id", campaignID, "ad_group_id", adGroupID, "url", url)
	return Link{CampaignID: campaignID, AdGroupID: adGroupID, URL: url}, nil
}

// RunAsync runs the task on its own goroutine and calls exactly one callback.
func (t *Task) RunAsync(ctx context.Context, onSuccess func(Link), onFailure func(error)) {
	go func() {
		link, err := t.Run(ctx)
		if err != nil {
			logger.Warn("deep link task failed", "error", err)
			if onFailure != nil {
				onFailure(err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess(link)
		}
	}()
}
