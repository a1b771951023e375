package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_post/internal/auth"
	"github.com/austindbirch/harbor_post/internal/idempotency"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/newsletter"
	"github.com/austindbirch/harbor_post/internal/tracing"
)

const maxBodyBytes = 1 << 20

// Publisher is implemented by *newsletter.Publisher
type Publisher interface {
	Publish(ctx context.Context, actorID uuid.UUID, req newsletter.PublishRequest) (newsletter.Result, error)
}

// DepthReader is implemented by *delivery.PostgresQueue
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

type Handler struct {
	publisher  Publisher
	queue      DepthReader
	log        *logging.Logger
	retryAfter time.Duration
}

// NewHandler wires the admin routes. retryAfter is advertised on 409 answers.
func NewHandler(publisher Publisher, queue DepthReader, log *logging.Logger, retryAfter time.Duration) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &Handler{publisher: publisher, queue: queue, log: log, retryAfter: retryAfter}
}

// Routes registers the admin endpoints on mux. Callers wrap mux with auth.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/newsletters", h.publish)
	mux.HandleFunc("GET /admin/newsletters/queue", h.queueDepth)
}

type errorBody struct {
	Error string `json:"error"`
}

type queueBody struct {
	Depth int64 `json:"depth"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.PublishNewsletter",
		attribute.String("http.method", r.Method),
		attribute.String("http.route", "/admin/newsletters"),
	)
	defer span.End()

	actorID, ok := auth.ActorIDFromContext(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing actor"})
		return
	}
	log := h.log.WithContext(ctx).WithActor(actorID.String())

	req, err := decodePublishRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	log = log.WithIdempotencyKey(req.IdempotencyKey)

	res, err := h.publisher.Publish(ctx, actorID, req)
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrInvalidKey), errors.Is(err, newsletter.ErrInvalidContent):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	case errors.Is(err, idempotency.ErrInProgress):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Round(time.Second).Seconds())))
		writeJSON(w, http.StatusConflict, errorBody{Error: "a request with this idempotency key is still being processed"})
		return
	default:
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("publish failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	span.SetAttributes(
		attribute.Bool("replayed", res.Replayed),
		attribute.Int("http.status_code", res.Response.StatusCode),
	)
	if err := res.Response.Replay(w); err != nil {
		log.WithError(err).Warn("client went away while writing response")
	}
}

// decodePublishRequest accepts a JSON body or a url-encoded form
func decodePublishRequest(r *http.Request) (newsletter.PublishRequest, error) {
	var req newsletter.PublishRequest
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, errors.New("invalid JSON body")
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, errors.New("invalid form body")
	}
	req.Title = r.PostForm.Get("title")
	req.TextContent = r.PostForm.Get("text_content")
	req.HTMLContent = r.PostForm.Get("html_content")
	req.IdempotencyKey = r.PostForm.Get("idempotency_key")
	return req, nil
}

func (h *Handler) queueDepth(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.Depth(r.Context())
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Error("read queue depth failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, queueBody{Depth: n})
}
