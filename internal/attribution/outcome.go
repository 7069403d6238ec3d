package attribution

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-tracker/internal/pkg/logger"
)

// Result names how an acquisition ended.
type Result string

const (
	ResultAttributed    Result = "attributed"
	ResultNotAttributed Result = "not_attributed"
	ResultExhausted     Result = "exhausted"
	ResultFailed        Result = "failed"
)

// Outcome describes one finished acquisition sequence.
type Outcome struct {
	SequenceID   string    `json:"sequence_id"`
	LinkID       string    `json:"link_id"`
	Result       Result    `json:"result"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
	BackoffCount int       `json:"backoff_count"`
	CampaignID   int64     `json:"campaign_id,omitempty"`
	AdGroupID    int64     `json:"ad_group_id,omitempty"`
	AdClickTime  float64   `json:"ad_click_time,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// OutcomeSink receives finished acquisitions. Publish must not block for long.
type OutcomeSink interface {
	Publish(ctx context.Context, o Outcome)
}

func resultOf(err error) Result {
	switch {
	case err == nil:
		return ResultAttributed
	case errors.Is(err, ErrNotAttributed):
		return ResultNotAttributed
	case errors.Is(err, ErrAttemptsExhausted):
		return ResultExhausted
	default:
		return ResultFailed
	}
}

func (c *Client) report(ctx context.Context, seq *sequence, err error) {
	o := Outcome{
		SequenceID:   seq.id,
		LinkID:       c.cfg.LinkID,
		Result:       resultOf(err),
		Attempts:     seq.attempts,
		BackoffCount: c.BackoffCount(),
		FinishedAt:   c.now().UTC(),
	}
	if err != nil {
		o.Error = err.Error()
	}
	if o.Result == ResultAttributed {
		st := c.Snapshot()
		o.CampaignID = st.CampaignID
		o.AdGroupID = st.AdGroupID
		o.AdClickTime = st.AdClickTime
	}

	logger.Info("acquisition finished",
		"sequence_id", o.SequenceID, "link_id", o.LinkID, "result", o.Result,
		"state", seq.state, "attempts", o.Attempts, "backoff_count", o.BackoffCount, "error", o.Error)

	if c.sink != nil {
		c.sink.Publish(ctx, o)
	}
}
