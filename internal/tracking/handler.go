package tracking

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-tracker/internal/pkg/httputil"
	"github.com/ignite/campaign-tracker/internal/pkg/logger"
)

// ConversionPath is where the stub serves the conversion-tracking API.
const ConversionPath = "/pagead/conversion/app/1.0"

// AdEvent is one ad click as the conversion-tracking API reports it.
type AdEvent struct {
	CampaignID   int64   `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	AdGroupID    int64   `json:"ad_group_id"`
	AdGroupName  string  `json:"ad_group_name"`
	Timestamp    float64 `json:"timestamp"`
}

type conversionResponse struct {
	Attributed int       `json:"attributed"`
	Errors     []string  `json:"errors,omitempty"`
	AdEvents   []AdEvent `json:"ad_events,omitempty"`
}

// StubOptions configures the stub conversion-tracking API.
type StubOptions struct {
	DevToken string // empty accepts any token
	// Requests stamped further than this ahead of the server clock are
	// rejected with timestamp_invalid.
	ClockTolerance time.Duration
	// Ad clicks keyed by rdid.
	Installs  map[string][]AdEvent
	DeepLinks map[int64]string
	Now       func() time.Time
}

// Handler serves a stub of the app conversion-tracking API for local runs.
type Handler struct {
	opts StubOptions

	mu       sync.Mutex
	requests int
}

func NewHandler(opts StubOptions) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{opts: opts}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post(ConversionPath, h.HandleConversion)
	r.Get("/deeplinks/{adGroupID}", h.HandleDeepLink)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleConversion answers a first_open conversion ping.
func (h *Handler) HandleConversion(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests++
	h.mu.Unlock()

	q := r.URL.Query()

	for _, key := range []string{"dev_token", "link_id", "app_event_type", "id_type", "lat", "timestamp"} {
		if q.Get(key) == "" {
			h.reject(w, "missing_"+key)
			return
		}
	}
	if h.opts.DevToken != "" && q.Get("dev_token") != h.opts.DevToken {
		h.reject(w, "dev_token_invalid")
		return
	}
	if q.Get("app_event_type") != "first_open" {
		h.reject(w, "app_event_type_invalid")
		return
	}

	ts, err := strconv.ParseFloat(q.Get("timestamp"), 64)
	if err != nil {
		h.reject(w, "timestamp_invalid")
		return
	}
	now := h.opts.Now()
	limit := float64(now.Add(h.opts.ClockTolerance).UnixNano()) / float64(time.Second)
	if ts > limit {
		logger.Info("stub rejected future timestamp", "link_id", q.Get("link_id"), "timestamp", ts, "limit", limit)
		h.reject(w, "timestamp_invalid")
		return
	}

	rdid := q.Get("rdid")
	events := h.opts.Installs[rdid]
	if rdid == "" || len(events) == 0 {
		httputil.OK(w, conversionResponse{Attributed: 0})
		return
	}

	logger.Info("stub attributed install", "rdid", rdid, "events", len(events))
	httputil.OK(w, conversionResponse{Attributed: 1, AdEvents: events})
}

// HandleDeepLink maps an ad group to its deep link.
func (h *Handler) HandleDeepLink(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "adGroupID"), 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid ad group id")
		return
	}
	link, ok := h.opts.DeepLinks[id]
	if !ok {
		httputil.NotFound(w, "no deep link for ad group")
		return
	}
	httputil.OK(w, map[string]interface{}{"ad_group_id": id, "deep_link": link})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	n := h.requests
	h.mu.Unlock()
	httputil.OK(w, map[string]interface{}{"status": "ok", "conversion_requests": n})
}

func (h *Handler) reject(w http.ResponseWriter, code string) {
	httputil.JSON(w, http.StatusBadRequest, conversionResponse{Attributed: 0, Errors: []string{code}})
}
