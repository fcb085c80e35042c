// Package api exposes the HTTP surface: campaign lifecycle endpoints,
// per-campaign stats and operational health/queue views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-blast/internal/campaigns"
	"github.com/djlord-it/easy-blast/internal/delivery"
	"github.com/djlord-it/easy-blast/internal/dispatch"
	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/logx"
	"github.com/djlord-it/easy-blast/internal/queue"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// rateWindowMinutes is how far back the stats endpoint reads the
// per-minute send counters.
const rateWindowMinutes = 10

// CampaignService is the campaign lifecycle surface the handler needs.
type CampaignService interface {
	Create(ctx context.Context, in campaigns.NewCampaign) (domain.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Campaign, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Campaign, error)
	Schedule(ctx context.Context, id uuid.UUID, at time.Time) error
	CancelSchedule(ctx context.Context, id uuid.UUID) error
	SendNow(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, id uuid.UUID) (campaigns.Stats, error)
	Deliveries(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.Delivery, error)
}

// QueueCounter reads job counts per queue for the ops endpoint.
type QueueCounter interface {
	Counts(ctx context.Context, queueName string) (queue.Counts, error)
}

// RateReader reads per-minute send counters for the stats endpoint.
type RateReader interface {
	SendRate(ctx context.Context, campaignID uuid.UUID, n int) ([]int64, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	service CampaignService
	userID  uuid.UUID // single-tenant for now
	queues  QueueCounter
	rates   RateReader
	db      HealthChecker
}

func NewHandler(service CampaignService, userID uuid.UUID) *Handler {
	return &Handler{service: service, userID: userID}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithQueueCounter enables the /queues/stats endpoint.
func (h *Handler) WithQueueCounter(q QueueCounter) *Handler {
	h.queues = q
	return h
}

// WithRateReader adds live send rates to the stats endpoint.
func (h *Handler) WithRateReader(r RateReader) *Handler {
	h.rates = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/queues/stats" && r.Method == http.MethodGet:
		h.queueStats(w, r)

	case path == "/campaigns" && r.Method == http.MethodPost:
		h.createCampaign(w, r)

	case path == "/campaigns" && r.Method == http.MethodGet:
		h.listCampaigns(w, r)

	case strings.HasPrefix(path, "/campaigns/"):
		h.campaignSubroute(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// campaignSubroute dispatches /campaigns/{id} and /campaigns/{id}/{action}.
func (h *Handler) campaignSubroute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "campaigns" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	if len(parts) == 2 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.getCampaign(w, r, id)
		return
	}

	switch {
	case parts[2] == "schedule" && r.Method == http.MethodPost:
		h.scheduleCampaign(w, r, id)
	case parts[2] == "cancel" && r.Method == http.MethodPost:
		h.cancelSchedule(w, r, id)
	case parts[2] == "send" && r.Method == http.MethodPost:
		h.sendNow(w, r, id)
	case parts[2] == "stats" && r.Method == http.MethodGet:
		h.campaignStats(w, r, id)
	case parts[2] == "deliveries" && r.Method == http.MethodGet:
		h.listDeliveries(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateCreateCampaign(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := h.service.Create(r.Context(), campaigns.NewCampaign{
		UserID:     h.userID,
		Name:       req.Name,
		Subject:    req.Subject,
		Content:    req.Content,
		Recipients: req.Recipients,
	})
	if err != nil {
		h.serviceError(w, "create campaign", err)
		return
	}

	writeJSON(w, http.StatusCreated, campaignResponse(c))
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.service.List(r.Context(), h.userID, limit, offset)
	if err != nil {
		h.serviceError(w, "list campaigns", err)
		return
	}

	resp := ListCampaignsResponse{Campaigns: make([]CampaignResponse, len(list))}
	for i, c := range list {
		resp.Campaigns[i] = campaignResponse(c)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.serviceError(w, "get campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, campaignResponse(c))
}

func (h *Handler) scheduleCampaign(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	at, err := parseSendAt(req.SendAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Schedule(r.Context(), id, at); err != nil {
		h.serviceError(w, "schedule campaign", err)
		return
	}

	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.serviceError(w, "schedule campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, campaignResponse(c))
}

func (h *Handler) cancelSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.service.CancelSchedule(r.Context(), id); err != nil {
		h.serviceError(w, "cancel schedule", err)
		return
	}

	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.serviceError(w, "cancel schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, campaignResponse(c))
}

func (h *Handler) sendNow(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.service.SendNow(r.Context(), id); err != nil {
		h.serviceError(w, "send now", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatching"})
}

func (h *Handler) campaignStats(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	stats, err := h.service.Stats(r.Context(), id)
	if err != nil {
		h.serviceError(w, "campaign stats", err)
		return
	}

	resp := StatsResponse{
		Campaign: campaignResponse(stats.Campaign),
		Counts:   countsResponse(stats.Counts),
	}

	if h.rates != nil {
		rate, err := h.rates.SendRate(r.Context(), id, rateWindowMinutes)
		if err != nil {
			// Rates are a nice-to-have; the stats still stand without them.
			logx.L().Warnw("api: send rate read failed", "campaign_id", id, "error", err)
		} else {
			resp.SendRate = rate
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.service.Deliveries(r.Context(), id, limit, offset)
	if err != nil {
		h.serviceError(w, "list deliveries", err)
		return
	}

	resp := ListDeliveriesResponse{Deliveries: make([]DeliveryResponse, len(list))}
	for i, d := range list {
		resp.Deliveries[i] = deliveryResponse(d)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	resp := QueueStatsResponse{Queues: make(map[string]QueueCountsResponse)}
	for _, name := range []string{dispatch.QueueName, delivery.QueueName} {
		counts, err := h.queues.Counts(r.Context(), name)
		if err != nil {
			logx.L().Errorw("api: queue counts failed", "queue", name, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read queue stats")
			return
		}
		resp.Queues[name] = QueueCountsResponse{
			Pending:   counts.Pending,
			Running:   counts.Running,
			Completed: counts.Completed,
			Failed:    counts.Failed,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// serviceError maps campaign service errors onto HTTP statuses.
func (h *Handler) serviceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, campaigns.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, campaigns.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaigns.ErrDuplicateCampaign):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaigns.ErrScheduleInPast),
		errors.Is(err, campaigns.ErrNoRecipients),
		errors.Is(err, campaigns.ErrTooManyRecipients):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logx.L().Errorw("api: "+op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.L().Errorw("api: json encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
