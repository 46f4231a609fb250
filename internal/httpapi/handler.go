package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"ordersaga/internal/platform/observability"
	"ordersaga/internal/producer"
	"ordersaga/internal/saga"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// SagaStarter begins a saga for an order request.
type SagaStarter interface {
	StartSaga(ctx context.Context, productID int64, quantity int, amount float64) (uuid.UUID, error)
}

// OrderReader looks up the coordinator's record of an order.
type OrderReader interface {
	Get(ctx context.Context, id uuid.UUID) (saga.Order, bool, error)
}

// maxOrderBody caps POST /orders bodies; a valid request is well under 100 bytes.
const maxOrderBody = 64 << 10

type handlers struct {
	starter SagaStarter
	orders  OrderReader
	logger  observability.Logger
}

// NewHandler returns the HTTP surface of the service, instrumented with otelhttp.
func NewHandler(starter SagaStarter, orders OrderReader, logger observability.Logger) http.Handler {
	h := &handlers{starter: starter, orders: orders, logger: logger}
	mux := http.NewServeMux()

	handleFunc := func(pattern, route string, fn http.HandlerFunc) {
		mux.Handle(pattern, otelhttp.WithRouteTag(route, fn))
	}
	handleFunc("POST /orders", "/orders", h.createOrder)
	handleFunc("GET /orders/{id}", "/orders/{id}", h.getOrder)
	handleFunc("GET /healthz", "/healthz", h.health)

	return otelhttp.NewHandler(mux, "http-server",
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)
}

func (h *handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	var req saga.CreateOrderPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "order request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "malformed order request", http.StatusBadRequest)
		return
	}

	id, err := h.starter.StartSaga(r.Context(), req.ProductID, req.Quantity, req.Amount)
	switch {
	case errors.Is(err, producer.ErrInvalidOrder):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("Failed to accept order", zap.Error(err))
		http.Error(w, "order not accepted", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Location", "/orders/"+id.String())
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(id.String()))
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	order, ok, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to read order", zap.String("order_id", id.String()), zap.Error(err))
		http.Error(w, "order lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(order); err != nil {
		h.logger.Warn("Failed to write order", zap.Error(err))
	}
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
