package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/campusmarket/orderservice/pkg/service"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 64 << 10

type Checkouter interface {
	Checkout(ctx context.Context, req *service.CheckoutRequest) (*service.CheckoutResult, error)
}

type PaymentEventHandler interface {
	HandlePaymentEvent(ctx context.Context, payload []byte, signature, sourceAccountID string) (*service.SettlementResult, error)
}

type ShipmentTracker interface {
	GetOrCreateTrackingSnapshot(ctx context.Context, q service.TrackingQuery) (*service.TrackingSnapshot, error)
	HandleCourierPush(ctx context.Context, payload []byte, signature string) (*service.PushResult, error)
}

type Server struct {
	checkout   Checkouter
	settlement PaymentEventHandler
	shipments  ShipmentTracker
	limiter    *Limiter
	log        *logrus.Logger
}

func NewServer(checkout Checkouter, settlement PaymentEventHandler, shipments ShipmentTracker, limiter *Limiter, log *logrus.Logger) *Server {
	return &Server{
		checkout:   checkout,
		settlement: settlement,
		shipments:  shipments,
		limiter:    limiter,
		log:        log,
	}
}

// Handler wires the routes. Webhooks skip the rate limiter so provider
// retries are never throttled.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/checkout", s.limiter.GlobalAndIPLimiter(http.HandlerFunc(s.checkoutHandler))).Methods(http.MethodPost)
	api.Handle("/tracking/{trackingNumber}", s.limiter.GlobalAndIPLimiter(http.HandlerFunc(s.trackingHandler))).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/payment", s.paymentWebhookHandler).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/courier", s.courierWebhookHandler).Methods(http.MethodPost)

	return &logHandler{log: s.log, next: r}
}

type errorBody struct {
	Error  string         `json:"error"`
	Code   string         `json:"code,omitempty"`
	Orders []*model.Order `json:"orders,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func renderHTTPError(log logrus.FieldLogger, w http.ResponseWriter, err error, code int) {
	if code >= http.StatusInternalServerError {
		log.WithField("error", err).Error("request error")
	} else {
		log.WithField("error", err).Info("request rejected")
	}
	writeJSON(w, code, errorBody{Error: http.StatusText(code)})
}

func validationStatus(v *service.ValidationError) int {
	switch v.Code {
	case service.CodeInsufficientStock:
		return http.StatusConflict
	case service.CodeProductNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) checkoutHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)

	var req service.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed checkout request", Code: "bad_request"})
		return
	}

	res, err := s.checkout.Checkout(r.Context(), &req)
	if err != nil {
		if v, ok := service.IsValidation(err); ok {
			log.WithField("code", v.Code).Info("checkout rejected")
			writeJSON(w, validationStatus(v), v)
			return
		}
		if service.IsUpstream(err) {
			log.WithField("error", err).Warn("payment session failed, orders left pending")
			body := errorBody{Error: "payment provider unavailable, please retry", Code: "payment_session_failed"}
			if res != nil {
				body.Orders = res.Orders
			}
			writeJSON(w, http.StatusBadGateway, body)
			return
		}
		renderHTTPError(log, w, errors.Wrap(err, "checkout"), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) paymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	payload, ok := readWebhookBody(log, w, r)
	if !ok {
		return
	}

	res, err := s.settlement.HandlePaymentEvent(r.Context(), payload,
		r.Header.Get("Stripe-Signature"), r.Header.Get("Stripe-Account"))
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		renderHTTPError(log, w, err, http.StatusBadRequest)
	case err != nil:
		// non-2xx makes the provider redeliver
		renderHTTPError(log, w, err, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) courierWebhookHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	payload, ok := readWebhookBody(log, w, r)
	if !ok {
		return
	}

	res, err := s.shipments.HandleCourierPush(r.Context(), payload, r.Header.Get("X-Courier-Signature"))
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		renderHTTPError(log, w, err, http.StatusBadRequest)
	case err != nil:
		renderHTTPError(log, w, err, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func readWebhookBody(log logrus.FieldLogger, w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			renderHTTPError(log, w, err, http.StatusRequestEntityTooLarge)
		} else {
			renderHTTPError(log, w, err, http.StatusBadRequest)
		}
		return nil, false
	}
	return payload, true
}

func (s *Server) trackingHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	q := r.URL.Query()
	refresh, _ := strconv.ParseBool(q.Get("refresh"))

	snap, err := s.shipments.GetOrCreateTrackingSnapshot(r.Context(), service.TrackingQuery{
		TrackingNumber: mux.Vars(r)["trackingNumber"],
		CourierCode:    q.Get("courier"),
		OrderID:        q.Get("order_id"),
		ForceRefresh:   refresh,
	})
	if err != nil {
		if v, ok := service.IsValidation(err); ok {
			writeJSON(w, http.StatusBadRequest, v)
			return
		}
		renderHTTPError(log, w, errors.Wrap(err, "tracking snapshot"), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
