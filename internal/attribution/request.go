package attribution

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const emptyBody = "{}"

// newRequest builds one first_open POST. The timestamp is shifted back by
// offset so a client clock running ahead of the server is tolerated.
func (c *Client) newRequest(ctx context.Context, offset time.Duration) (*http.Request, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	q := u.Query()
	q.Set("dev_token", c.cfg.DevToken)
	q.Set("link_id", c.cfg.LinkID)
	q.Set("app_event_type", appEventFirstOpen)
	q.Set("rdid", c.rdid)
	q.Set("id_type", c.cfg.IDType)
	q.Set("lat", c.lat)
	q.Set("app_version", c.cfg.AppVersion)
	q.Set("os_version", c.cfg.OSVersion)
	q.Set("sdk_version", c.cfg.SDKVersion)
	q.Set("timestamp", formatTimestamp(unixSeconds(c.now())-offset.Seconds()))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(emptyBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	return req, nil
}

func formatTimestamp(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 6, 64)
}
