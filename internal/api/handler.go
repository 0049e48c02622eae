package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/analytics"
	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
	"github.com/djlord-it/mailrelay/internal/history"
)

// Outcome window limits for /api/stats/outcomes.
const (
	DefaultHours = 24
	MaxHours     = 24 * 7
)

type History interface {
	ListByStatus(ctx context.Context, status domain.Status) ([]history.Record, error)
	Get(ctx context.Context, id string) (history.Record, error)
	Attempts(ctx context.Context, id string) ([]history.Attempt, error)
	Counts(ctx context.Context) (map[string]int, error)
}

// Retrier re-attempts delivery of a stored record.
type Retrier interface {
	RetrySend(ctx context.Context, id string) (domain.DeliveryRecord, error)
}

// Publisher hands send requests to the intake stream.
type Publisher interface {
	Publish(ctx context.Context, msgs ...domain.Message) error
}

type OutcomeCounter interface {
	Counts(ctx context.Context, now time.Time, hours int) ([]analytics.Bucket, error)
}

// HealthChecker provides store health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	history   History
	retrier   Retrier
	publisher Publisher      // optional, nil = POST /api/messages disabled
	outcomes  OutcomeCounter // optional, nil = analytics disabled
	store     HealthChecker  // optional
	logger    *zap.Logger
	clock     func() time.Time
	router    chi.Router
}

func NewHandler(hist History, retrier Retrier) *Handler {
	h := &Handler{
		history: hist,
		retrier: retrier,
		logger:  zap.NewNop(),
		clock:   time.Now,
	}
	h.router = h.routes()
	return h
}

// WithHealthChecker sets the store health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(store HealthChecker) *Handler {
	h.store = store
	return h
}

func (h *Handler) WithPublisher(p Publisher) *Handler {
	h.publisher = p
	return h
}

func (h *Handler) WithOutcomes(c OutcomeCounter) *Handler {
	h.outcomes = c
	return h
}

func (h *Handler) WithLogger(logger *zap.Logger) *Handler {
	h.logger = logger
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", h.publish)

		r.Route("/emails", func(r chi.Router) {
			r.Get("/", h.listByQuery)
			r.Get("/sent", h.listByStatus(domain.StatusSent))
			r.Get("/failed", h.listByStatus(domain.StatusFailed))
			r.Get("/{id}", h.getEmail)
			r.Get("/{id}/attempts", h.listAttempts)
			r.Post("/{id}/retry", h.retry)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/status", h.statusCounts)
			r.Get("/outcomes", h.outcomeCounts)
		})
	})
	return r
}

// requestLogger logs each request at debug level, with the status and
// latency, through the handler's zap logger.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.store == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "message intake is not enabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	msg := domain.Message{
		ID:        req.ID,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Content:   req.Content,
	}
	if msg.Recipient == "" {
		msg.Recipient = req.RecipientEmail
	}
	if !msg.HasID() {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidMessage.Error())
		return
	}

	if err := h.publisher.Publish(r.Context(), msg); err != nil {
		h.logger.Error("api: publish failed", zap.String("id", msg.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to accept message")
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{ID: msg.ID, Status: "accepted"})
}

func (h *Handler) listByStatus(status domain.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.writeList(w, r, status)
	}
}

func (h *Handler) listByQuery(w http.ResponseWriter, r *http.Request) {
	status, ok := domain.ParseStatus(r.URL.Query().Get("status"))
	if !ok || status == domain.StatusPending {
		writeError(w, http.StatusBadRequest, "status must be SENT or FAILED")
		return
	}
	h.writeList(w, r, status)
}

func (h *Handler) writeList(w http.ResponseWriter, r *http.Request, status domain.Status) {
	recs, err := h.history.ListByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("api: list emails failed", zap.String("status", string(status)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to list emails")
		return
	}
	writeJSON(w, http.StatusOK, ListEmailsResponse{Emails: recs})
}

func (h *Handler) getEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.history.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, "get email", id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	attempts, err := h.history.Attempts(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, "list attempts", id, err)
		return
	}
	writeJSON(w, http.StatusOK, ListAttemptsResponse{Attempts: attempts})
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.retrier.RetrySend(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, "retry", id, err)
		return
	}
	writeJSON(w, http.StatusOK, history.Project(rec))
}

func (h *Handler) statusCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.history.Counts(r.Context())
	if err != nil {
		h.logger.Error("api: count by status failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to count emails")
		return
	}
	writeJSON(w, http.StatusOK, StatusCountsResponse{Counts: counts})
}

func (h *Handler) outcomeCounts(w http.ResponseWriter, r *http.Request) {
	if h.outcomes == nil {
		writeError(w, http.StatusNotFound, "analytics is not enabled")
		return
	}

	hours, err := parseHours(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := h.outcomes.Counts(r.Context(), h.clock(), hours)
	if err != nil {
		h.logger.Error("api: outcome counts failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to read outcome counts")
		return
	}
	writeJSON(w, http.StatusOK, OutcomesResponse{Hours: hours, Buckets: buckets})
}

func (h *Handler) writeLookupError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, delivery.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "email not found")
	case errors.Is(err, delivery.ErrLockUnavailable):
		writeError(w, http.StatusConflict, "email is being processed, try again")
	default:
		h.logger.Error("api: "+op+" failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parseHours reads the hours query parameter. Missing means DefaultHours.
func parseHours(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("hours"))
	if raw == "" {
		return DefaultHours, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 0, errors.New("hours must be a positive integer")
	}
	if hours > MaxHours {
		return 0, &limitExceededError{max: MaxHours}
	}
	return hours, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "hours exceeds maximum of " + strconv.Itoa(e.max)
}
