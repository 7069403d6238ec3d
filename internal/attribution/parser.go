package attribution

import (
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-tracker/internal/pkg/logger"
)

const errTimestampInvalid = "timestamp_invalid"

// adEvent is one ad click in a response. Events missing any field are skipped.
type adEvent struct {
	CampaignID   int64
	CampaignName string
	AdGroupID    int64
	AdGroupName  string
	Timestamp    float64
}

// hasTimestampInvalid reports whether body carries the timestamp_invalid
// error code. Bodies that are not a JSON object never do.
func hasTimestampInvalid(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var resp struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	for _, code := range resp.Errors {
		if code == errTimestampInvalid {
			return true
		}
	}
	return false
}

// applyResponse folds a response body into the client state and returns
// the resulting attributed flag. State is only written once the whole body
// has been parsed.
func (c *Client) applyResponse(body []byte) (bool, error) {
	if len(body) == 0 {
		return c.IsAttributed(), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false, fmt.Errorf("failed to parse response: %w", err)
	}

	if notAttributed(fields["attributed"]) {
		var codes []string
		if raw, ok := fields["errors"]; ok {
			_ = json.Unmarshal(raw, &codes)
		}
		if len(codes) > 0 {
			logger.Info("attribution service reported errors", "link_id", c.cfg.LinkID, "errors", codes)
		}
		c.mu.Lock()
		c.state.Attributed = false
		c.mu.Unlock()
		return false, nil
	}

	raw, ok := fields["ad_events"]
	if !ok {
		return false, fmt.Errorf("attributed response without ad_events")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return false, fmt.Errorf("failed to parse ad_events: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	staged := c.state
	for _, item := range items {
		ev, ok := decodeAdEvent(item)
		if !ok {
			continue
		}
		if ev.Timestamp > staged.AdClickTime {
			staged.CampaignID = ev.CampaignID
			staged.CampaignName = ev.CampaignName
			staged.AdGroupID = ev.AdGroupID
			staged.AdGroupName = ev.AdGroupName
			staged.AdClickTime = ev.Timestamp
		}
	}
	// Attributed only with a click on record.
	staged.Attributed = staged.AdClickTime > 0
	c.state = staged

	return staged.Attributed, nil
}

// notAttributed is true only for an explicit numeric zero (or false).
func notAttributed(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n == 0
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return !b
	}
	return false
}

func decodeAdEvent(raw json.RawMessage) (adEvent, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return adEvent{}, false
	}

	var ev adEvent
	if !decodeField(fields, "campaign_id", &ev.CampaignID) ||
		!decodeField(fields, "campaign_name", &ev.CampaignName) ||
		!decodeField(fields, "ad_group_id", &ev.AdGroupID) ||
		!decodeField(fields, "ad_group_name", &ev.AdGroupName) ||
		!decodeField(fields, "timestamp", &ev.Timestamp) {
		return adEvent{}, false
	}
	return ev, true
}

func decodeField(fields map[string]json.RawMessage, key string, dst interface{}) bool {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
