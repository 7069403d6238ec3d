package attribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// scriptedDoer answers requests from a fixed script and records them.
type scriptedDoer struct {
	mu       sync.Mutex
	steps    []func(*http.Request) (*http.Response, error)
	requests []*http.Request
	bodies   []string
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	d.requests = append(d.requests, req)
	d.bodies = append(d.bodies, body)

	i := len(d.requests) - 1
	if i >= len(d.steps) {
		i = len(d.steps) - 1
	}
	return d.steps[i](req)
}

func (d *scriptedDoer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func respond(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func fail(err error) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) { return nil, err }
}

func testConfig() Config {
	return Config{
		DevToken:   "dev-token-1234",
		LinkID:     "LINK42",
		Endpoint:   "https://attribution.test/pagead/conversion/app/1.0",
		AppVersion: "2.3.1",
		OSVersion:  "17.4",
	}
}

func testIdentity() StaticIdentity {
	return StaticIdentity{AdvertisingID: "6D92078A-8246-4BA4-AE5B-76104861E7DC"}
}

func newTestClient(t *testing.T, doer *scriptedDoer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(doer), WithClock(func() time.Time { return fixedNow })}, opts...)
	c, err := New(context.Background(), testConfig(), testIdentity(), opts...)
	require.NoError(t, err)
	return c
}

func eventJSON(campaignID int64, campaignName string, adGroupID int64, adGroupName string, ts float64) string {
	return fmt.Sprintf(`{"campaign_id":%d,"campaign_name":%q,"ad_group_id":%d,"ad_group_name":%q,"timestamp":%f}`,
		campaignID, campaignName, adGroupID, adGroupName, ts)
}

func attributedBody(events ...string) string {
	return `{"attributed":1,"ad_events":[` + strings.Join(events, ",") + `]}`
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{LinkID: "x"}, testIdentity())
	assert.Error(t, err)

	_, err = New(ctx, Config{DevToken: "x"}, testIdentity())
	assert.Error(t, err)

	_, err = New(ctx, testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.BackoffSchedule = []int{1, -2}
	_, err = New(ctx, cfg, testIdentity())
	assert.Error(t, err)
}

type failingIdentity struct{}

func (failingIdentity) Identity(context.Context) (Identity, error) {
	return Identity{}, errors.New("play services unavailable")
}

func TestNew_IdentityError(t *testing.T) {
	_, err := New(context.Background(), testConfig(), failingIdentity{})
	assert.ErrorContains(t, err, "play services unavailable")
}

func TestNew_Defaults(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoint = ""
	c, err := New(context.Background(), cfg, testIdentity())
	require.NoError(t, err)

	assert.Equal(t, DefaultEndpoint, c.cfg.Endpoint)
	assert.Equal(t, DefaultIDType, c.cfg.IDType)
	assert.Equal(t, "2.3.1", c.cfg.SDKVersion, "sdk version falls back to app version")
	assert.Equal(t, DefaultBackoffSchedule, c.cfg.BackoffSchedule)
	assert.False(t, c.IsAttributed())
	assert.Zero(t, c.AdClickTime())
}

func TestAcquire_RequestShape(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusOK, attributedBody(eventJSON(1, "c", 2, "g", 1773000000))),
	}}
	c := newTestClient(t, doer)

	require.NoError(t, c.Acquire(context.Background(), 1, time.Second))
	require.Equal(t, 1, doer.calls())

	req := doer.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "attribution.test", req.URL.Host)
	assert.Equal(t, "/pagead/conversion/app/1.0", req.URL.Path)
	assert.Equal(t, "application/json; charset=utf-8", req.Header.Get("Content-Type"))
	assert.Equal(t, "{}", doer.bodies[0])

	q := req.URL.Query()
	assert.Equal(t, "dev-token-1234", q.Get("dev_token"))
	assert.Equal(t, "LINK42", q.Get("link_id"))
	assert.Equal(t, "first_open", q.Get("app_event_type"))
	assert.Equal(t, "6D92078A-8246-4BA4-AE5B-76104861E7DC", q.Get("rdid"))
	assert.Equal(t, "idfa", q.Get("id_type"))
	assert.Equal(t, "0", q.Get("lat"))
	assert.Equal(t, "2.3.1", q.Get("app_version"))
	assert.Equal(t, "17.4", q.Get("os_version"))
	assert.Equal(t, "2.3.1", q.Get("sdk_version"))
	assert.Equal(t, fmt.Sprintf("%d.000000", fixedNow.Unix()), q.Get("timestamp"))
}

func TestAcquire_LimitAdTracking(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusOK, `{"attributed":0}`),
	}}
	c, err := New(context.Background(), testConfig(),
		StaticIdentity{AdvertisingID: "ignored", LimitAdTracking: true},
		WithHTTPClient(doer))
	require.NoError(t, err)

	_ = c.Acquire(context.Background(), 1, time.Second)

	q := doer.requests[0].URL.Query()
	assert.True(t, q.Has("rdid"))
	assert.Equal(t, "", q.Get("rdid"))
	assert.Equal(t, "1", q.Get("lat"))
}

func TestAcquire_SingleEvent(t *testing.T) {
	click := float64(fixedNow.Add(-2 * time.Hour).Unix())
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusOK, attributedBody(eventJSON(9001, "Spring Sale", 77, "Shoes", click))),
	}}
	c := newTestClient(t, doer)

	require.NoError(t, c.Acquire(context.Background(), 3, time.Second))

	assert.True(t, c.IsAttributed())
	assert.Equal(t, click, c.AdClickTime())

	id, ok := c.CampaignIDWithinDays(1)
	assert.True(t, ok)
	assert.Equal(t, int64(9001), id)

	name, ok := c.CampaignNameWithinDays(1)
	assert.True(t, ok)
	assert.Equal(t, "Spring Sale", name)

	gid, ok := c.AdGroupIDWithinDays(1)
	assert.True(t, ok)
	assert.Equal(t, int64(77), gid)

	gname, ok := c.AdGroupNameWithinDays(1)
	assert.True(t, ok)
	assert.Equal(t, "Shoes", gname)
}

func TestAcquire_LatestEventWinsRegardlessOfOrder(t *testing.T) {
	older := eventJSON(1, "Brand", 10, "Old Group", float64(fixedNow.Add(-48*time.Hour).Unix()))
	newer := eventJSON(1, "Brand", 20, "New Group", float64(fixedNow.Add(-1*time.Hour).Unix()))

	for name, body := range map[string]string{
		"newest last":  attributedBody(older, newer),
		"newest first": attributedBody(newer, older),
	} {
		t.Run(name, func(t *testing.T) {
			doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){respond(http.StatusOK, body)}}
			c := newTestClient(t, doer)

			require.NoError(t, c.Acquire(context.Background(), 1, time.Second))

			snap := c.Snapshot()
			assert.Equal(t, int64(20), snap.AdGroupID)
			assert.Equal(t, "New Group", snap.AdGroupName)
			assert.Equal(t, float64(fixedNow.Add(-1*time.Hour).Unix()), snap.AdClickTime)
		})
	}
}

func TestAcquire_NotAttributed(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusOK, `{"attributed":0,"errors":["no_click"]}`),
	}}
	c := newTestClient(t, doer)

	err := c.Acquire(context.Background(), 3, time.Second)
	assert.ErrorIs(t, err, ErrNotAttributed)
	assert.Equal(t, 1, doer.calls(), "a negative answer is not retried")

	assert.False(t, c.IsAttributed())
	id, ok := c.CampaignIDWithinDays(30)
	assert.False(t, ok)
	assert.Equal(t, int64(-1), id)
	gid, ok := c.AdGroupIDWithinDays(30)
	assert.False(t, ok)
	assert.Equal(t, int64(-1), gid)
	name, ok := c.CampaignNameWithinDays(30)
	assert.False(t, ok)
	assert.Empty(t, name)
	gname, ok := c.AdGroupNameWithinDays(30)
	assert.False(t, ok)
	assert.Empty(t, gname)
}

func TestAcquire_NetworkErrorsExhaustAttempts(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		fail(syscall.ECONNREFUSED),
	}}
	c := newTestClient(t, doer)

	err := c.Acquire(context.Background(), 4, time.Second)

	assert.Equal(t, 4, doer.calls())
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Zero(t, c.BackoffCount(), "network retries never advance the backoff schedule")
}

func TestAcquire_NetworkRetryThenSuccess(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		fail(context.DeadlineExceeded),
		respond(http.StatusOK, attributedBody(eventJSON(1, "c", 2, "g", float64(fixedNow.Unix()-60)))),
	}}
	c := newTestClient(t, doer)

	require.NoError(t, c.Acquire(context.Background(), 2, time.Second))
	assert.Equal(t, 2, doer.calls())
}

func TestAcquire_FatalTransportError(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		fail(errors.New("x509: certificate signed by unknown authority")),
	}}
	c := newTestClient(t, doer)

	err := c.Acquire(context.Background(), 5, time.Second)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, doer.calls())
}

func TestAcquire_TimestampInvalidBackoff(t *testing.T) {
	invalid := respond(http.StatusBadRequest, `{"attributed":0,"errors":["timestamp_invalid"]}`)
	success := respond(http.StatusOK, attributedBody(eventJSON(1, "c", 2, "g", float64(fixedNow.Unix()-60))))

	// offsets[k] is the offset of request k+1 after k timestamp_invalid answers.
	want := []float64{0, 1, 3, 5, 7, 9, 11, 13, 3, 3}

	steps := make([]func(*http.Request) (*http.Response, error), 0, len(want))
	for i := 0; i < len(want)-1; i++ {
		steps = append(steps, invalid)
	}
	steps = append(steps, success)

	doer := &scriptedDoer{steps: steps}
	c := newTestClient(t, doer)

	require.NoError(t, c.Acquire(context.Background(), len(want), time.Second))
	require.Equal(t, len(want), doer.calls())

	for i, offset := range want {
		got := doer.requests[i].URL.Query().Get("timestamp")
		assert.Equal(t, formatTimestamp(float64(fixedNow.Unix())-offset), got, "request %d", i+1)
	}
	assert.Equal(t, len(DefaultBackoffSchedule), c.BackoffCount())
}

func TestAcquire_NetworkRetryResetsOffsetButNotCounter(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusBadRequest, `{"errors":["timestamp_invalid"]}`),
		fail(syscall.ENETUNREACH),
		respond(http.StatusBadRequest, `{"errors":["timestamp_invalid"]}`),
		respond(http.StatusOK, attributedBody(eventJSON(1, "c", 2, "g", float64(fixedNow.Unix()-60)))),
	}}
	c := newTestClient(t, doer)

	require.NoError(t, c.Acquire(context.Background(), 4, time.Second))

	base := float64(fixedNow.Unix())
	assert.Equal(t, formatTimestamp(base), doer.requests[0].URL.Query().Get("timestamp"))
	assert.Equal(t, formatTimestamp(base-1), doer.requests[1].URL.Query().Get("timestamp"))
	assert.Equal(t, formatTimestamp(base), doer.requests[2].URL.Query().Get("timestamp"))
	assert.Equal(t, formatTimestamp(base-3), doer.requests[3].URL.Query().Get("timestamp"))
	assert.Equal(t, 2, c.BackoffCount())
}

func TestAcquire_BackoffCounterSurvivesSequences(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusBadRequest, `{"errors":["timestamp_invalid"]}`),
	}}
	c := newTestClient(t, doer)

	assert.ErrorIs(t, c.Acquire(context.Background(), 2, time.Second), ErrAttemptsExhausted)
	assert.Equal(t, 2, c.BackoffCount())

	assert.ErrorIs(t, c.Acquire(context.Background(), 2, time.Second), ErrAttemptsExhausted)
	assert.Equal(t, 4, c.BackoffCount())

	// A fresh sequence starts at offset 0; the second request uses step 5.
	assert.Equal(t, formatTimestamp(float64(fixedNow.Unix())), doer.requests[2].URL.Query().Get("timestamp"))
	assert.Equal(t, formatTimestamp(float64(fixedNow.Unix())-5), doer.requests[3].URL.Query().Get("timestamp"))
}

func TestAcquire_MalformedResponse(t *testing.T) {
	for name, body := range map[string]string{
		"not json":          `<html>oops</html>`,
		"top-level array":   `[1,2,3]`,
		"missing ad_events": `{"attributed":1}`,
		"ad_events object":  `{"attributed":1,"ad_events":{"campaign_id":1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){respond(http.StatusOK, body)}}
			c := newTestClient(t, doer)

			err := c.Acquire(context.Background(), 3, time.Second)
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.Equal(t, 1, doer.calls())
			assert.False(t, c.IsAttributed())
		})
	}
}

func TestAcquire_UnexpectedStatus(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusInternalServerError, `upstream exploded`),
	}}
	c := newTestClient(t, doer)

	err := c.Acquire(context.Background(), 3, time.Second)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.ErrorContains(t, err, "upstream exploded")
	assert.Equal(t, 1, doer.calls())
}

func TestAcquire_ZeroTries(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){respond(http.StatusOK, `{}`)}}
	c := newTestClient(t, doer)

	assert.ErrorIs(t, c.Acquire(context.Background(), 0, time.Second), ErrAttemptsExhausted)
	assert.Zero(t, doer.calls())
}

func TestAcquire_CancelledContext(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){respond(http.StatusOK, `{}`)}}
	c := newTestClient(t, doer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Acquire(ctx, 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, doer.calls())
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (bool, error) { return false, nil }
func (heldLock) Release(context.Context) error         { return nil }

func TestAcquire_InFlight(t *testing.T) {
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){respond(http.StatusOK, `{}`)}}
	c := newTestClient(t, doer, WithLock(heldLock{}))

	assert.ErrorIs(t, c.Acquire(context.Background(), 3, time.Second), ErrAcquisitionInFlight)
	assert.Zero(t, doer.calls())
}

func TestAcquireCampaignInfo_Callbacks(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
			respond(http.StatusOK, attributedBody(eventJSON(1, "c", 2, "g", float64(fixedNow.Unix()-60)))),
		}}
		c := newTestClient(t, doer)

		done := make(chan error, 1)
		c.AcquireCampaignInfo(context.Background(), 1, time.Second,
			func() { done <- nil },
			func(err error) { done <- err })

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("no callback fired")
		}
	})

	t.Run("exhausted fires failure", func(t *testing.T) {
		doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){fail(context.DeadlineExceeded)}}
		c := newTestClient(t, doer)

		done := make(chan error, 1)
		c.AcquireCampaignInfo(context.Background(), 3, time.Second,
			func() { done <- nil },
			func(err error) { done <- err })

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrAttemptsExhausted)
			assert.Equal(t, 3, doer.calls())
		case <-time.After(5 * time.Second):
			t.Fatal("no callback fired")
		}
	})
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (s *recordingSink) Publish(_ context.Context, o Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
}

func TestAcquire_ReportsOutcome(t *testing.T) {
	click := float64(fixedNow.Unix() - 60)
	doer := &scriptedDoer{steps: []func(*http.Request) (*http.Response, error){
		respond(http.StatusBadRequest, `{"errors":["timestamp_invalid"]}`),
		respond(http.StatusOK, attributedBody(eventJSON(5, "c", 6, "g", click))),
	}}
	sink := &recordingSink{}
	c := newTestClient(t, doer, WithOutcomeSink(sink))

	require.NoError(t, c.Acquire(context.Background(), 2, time.Second))

	require.Len(t, sink.outcomes, 1)
	o := sink.outcomes[0]
	assert.NotEmpty(t, o.SequenceID)
	assert.Equal(t, "LINK42", o.LinkID)
	assert.Equal(t, ResultAttributed, o.Result)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, 1, o.BackoffCount)
	assert.Equal(t, int64(5), o.CampaignID)
	assert.Equal(t, int64(6), o.AdGroupID)
	assert.Equal(t, click, o.AdClickTime)
	assert.Empty(t, o.Error)
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, ResultAttributed, resultOf(nil))
	assert.Equal(t, ResultNotAttributed, resultOf(ErrNotAttributed))
	assert.Equal(t, ResultExhausted, resultOf(fmt.Errorf("%w after 3 attempts", ErrAttemptsExhausted)))
	assert.Equal(t, ResultFailed, resultOf(ErrTransport))
}
