package attribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-tracker/internal/pkg/httpretry"
	"github.com/ignite/campaign-tracker/internal/pkg/logger"
)

// seqState is where an acquisition sequence currently is.
type seqState int

const (
	stateRequesting seqState = iota
	stateRetrying
	stateSucceeded
	stateFailed
)

func (s seqState) String() string {
	switch s {
	case stateRequesting:
		return "requesting"
	case stateRetrying:
		return "retrying"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("seqState(%d)", int(s))
	}
}

// step is what one attempt asks the driver to do next.
type step int

const (
	stepDone step = iota
	stepRetryNetwork
	stepRetryTimestamp
)

// sequence drives one logical acquisition through up to remaining attempts.
type sequence struct {
	c         *Client
	id        string
	remaining int
	timeout   time.Duration
	offset    time.Duration
	attempts  int
	state     seqState
	lastErr   error
}

// Acquire runs one acquisition sequence and blocks until it ends. It
// returns nil when the install is attributed. Every other ending is an
// error wrapping one of the package's sentinel errors, or the context error
// when ctx ends first. tryTimes bounds the number of requests; timeout
// bounds each request.
func (c *Client) Acquire(ctx context.Context, tryTimes int, timeout time.Duration) error {
	if tryTimes <= 0 {
		return fmt.Errorf("%w: tryTimes must be positive, got %d", ErrAttemptsExhausted, tryTimes)
	}
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}

	held, err := c.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to take acquisition lock: %w", err)
	}
	if !held {
		return ErrAcquisitionInFlight
	}
	defer func() {
		if err := c.lock.Release(context.Background()); err != nil {
			logger.Warn("failed to release acquisition lock", "link_id", c.cfg.LinkID, "error", err)
		}
	}()

	seq := &sequence{
		c:         c,
		id:        uuid.NewString(),
		remaining: tryTimes,
		timeout:   timeout,
	}

	logger.Info("acquisition started",
		"sequence_id", seq.id, "link_id", c.cfg.LinkID, "tries", tryTimes, "timeout", timeout)

	err = seq.run(ctx)
	c.report(ctx, seq, err)
	return err
}

// AcquireCampaignInfo runs Acquire on its own goroutine and calls exactly
// one of onSuccess or onFailure when it ends. Nil callbacks are skipped.
func (c *Client) AcquireCampaignInfo(ctx context.Context, tryTimes int, timeout time.Duration, onSuccess func(), onFailure func(error)) {
	go func() {
		if err := c.Acquire(ctx, tryTimes, timeout); err != nil {
			if onFailure != nil {
				onFailure(err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess()
		}
	}()
}

func (s *sequence) run(ctx context.Context) error {
	for s.remaining > 0 {
		if err := ctx.Err(); err != nil {
			s.state = stateFailed
			return fmt.Errorf("acquisition cancelled: %w", err)
		}

		s.state = stateRequesting
		s.attempts++

		next, err := s.c.attempt(ctx, s.timeout, s.offset)
		switch next {
		case stepRetryNetwork:
			s.remaining--
			s.offset = 0
			s.lastErr = err
			s.state = stateRetrying
			logger.Warn("attempt failed, retrying",
				"sequence_id", s.id, "attempt", s.attempts, "remaining", s.remaining, "error", err)
		case stepRetryTimestamp:
			s.remaining--
			s.offset = s.c.nextBackoff()
			s.lastErr = errors.New(errTimestampInvalid)
			s.state = stateRetrying
			logger.Warn("timestamp rejected, backing off",
				"sequence_id", s.id, "attempt", s.attempts, "remaining", s.remaining, "offset", s.offset)
		default:
			if err != nil {
				s.state = stateFailed
				return err
			}
			s.state = stateSucceeded
			return nil
		}
	}

	s.state = stateFailed
	if s.lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, s.attempts, s.lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, s.attempts)
}

// attempt issues one request and classifies what happened.
func (c *Client) attempt(ctx context.Context, timeout, offset time.Duration) (step, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(attemptCtx, offset)
	if err != nil {
		return stepDone, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.classifyTransport(ctx, err)
	}

	if hasTimestampInvalid(body) {
		return stepRetryTimestamp, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return stepDone, fmt.Errorf("%w: status %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(body, 256))
	}

	attributed, err := c.applyResponse(body)
	if err != nil {
		return stepDone, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if !attributed {
		return stepDone, ErrNotAttributed
	}
	return stepDone, nil
}

func (c *Client) classifyTransport(ctx context.Context, err error) (step, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stepDone, fmt.Errorf("acquisition cancelled: %w", ctxErr)
	}
	if httpretry.IsNetworkRetriable(err) {
		return stepRetryNetwork, err
	}
	return stepDone, fmt.Errorf("%w: %w", ErrTransport, err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
