package attribution

import (
	"fmt"
	"time"

	"github.com/ignite/campaign-tracker/internal/pkg/distlock"
	"github.com/ignite/campaign-tracker/internal/pkg/httpretry"
)

const (
	// DefaultEndpoint is the app conversion-tracking API.
	DefaultEndpoint = "https://www.googleadservices.com/pagead/conversion/app/1.0"

	// DefaultIDType is sent as id_type when the config leaves it empty.
	DefaultIDType = "idfa"

	// DefaultAttemptTimeout applies when a caller passes a non-positive timeout.
	DefaultAttemptTimeout = 60 * time.Second

	appEventFirstOpen = "first_open"
)

// DefaultBackoffSchedule is the timestamp_invalid backoff table in seconds.
var DefaultBackoffSchedule = []int{1, 3, 5, 7, 9, 11, 13}

// Config holds the identity of the install being attributed.
type Config struct {
	DevToken   string `yaml:"dev_token"`
	LinkID     string `yaml:"link_id"`
	Endpoint   string `yaml:"endpoint"`
	AppVersion string `yaml:"app_version"`
	OSVersion  string `yaml:"os_version"`
	SDKVersion string `yaml:"sdk_version"` // defaults to AppVersion
	IDType     string `yaml:"id_type"`
	// Seconds subtracted from the request timestamp after each
	// timestamp_invalid answer.
	BackoffSchedule []int `yaml:"backoff_schedule"`
}

// Validate checks if all required config fields are present.
func (c Config) Validate() error {
	if c.DevToken == "" {
		return fmt.Errorf("DevToken required")
	}
	if c.LinkID == "" {
		return fmt.Errorf("LinkID required")
	}
	for i, s := range c.BackoffSchedule {
		if s < 0 {
			return fmt.Errorf("BackoffSchedule[%d] must not be negative", i)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.IDType == "" {
		c.IDType = DefaultIDType
	}
	if c.SDKVersion == "" {
		c.SDKVersion = c.AppVersion
	}
	if len(c.BackoffSchedule) == 0 {
		c.BackoffSchedule = append([]int(nil), DefaultBackoffSchedule...)
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the transport (useful for testing).
func WithHTTPClient(doer httpretry.HTTPDoer) Option {
	return func(c *Client) { c.http = doer }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLock replaces the in-process acquisition guard.
func WithLock(l distlock.DistLock) Option {
	return func(c *Client) { c.lock = l }
}

// WithOutcomeSink reports every finished acquisition to sink.
func WithOutcomeSink(sink OutcomeSink) Option {
	return func(c *Client) { c.sink = sink }
}
