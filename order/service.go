package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/zllovesuki/coolvpn/auth"
	"github.com/zllovesuki/coolvpn/gateway"
	"github.com/zllovesuki/coolvpn/plan"
	resp "github.com/zllovesuki/coolvpn/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"
)

// signatureHeader carries the gateway's HMAC over the callback body
const signatureHeader = "x-nowpayments-sig"

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	OrderManager *Manager
	Plans        *plan.Config
	Gateway      *gateway.Client
	Verifier     *gateway.Verifier
	Logger       *zap.Logger

	// CallbackURL is handed to the gateway as the IPN target
	CallbackURL string
	// SuccessURL and CancelURL are where the gateway sends the customer back
	SuccessURL string
	CancelURL  string
}

// Service is the checkout and payment API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the checkout/payment API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.OrderManager == nil {
		return nil, fmt.Errorf("nil OrderManager is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Verifier == nil {
		return nil, fmt.Errorf("nil Verifier is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// CheckoutRequest selects a plan tier and the fiat currency to quote in
type CheckoutRequest struct {
	Plan     string `json:"plan" validate:"required"`
	Currency string `json:"currency"`
}

// QuoteResponse is the effective price for a checkout
type QuoteResponse struct {
	PlanKey     string `json:"planKey"`
	AmountCents int64  `json:"amountCents"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

func (s *Service) quote(req CheckoutRequest) (*QuoteResponse, error) {
	key := plan.Normalize(req.Plan)
	amount, currency, err := s.Plans.EffectivePrice(key, req.Currency)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{
		PlanKey:     string(key),
		AmountCents: amount,
		Amount:      plan.FormatAmount(amount),
		Currency:    currency,
	}, nil
}

func (s *Service) checkoutPrice(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A plan is required"))
		return
	}

	q, err := s.quote(req)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown plan"))
		return
	}

	resp.WriteResponse(w, r, q)
}

// CheckoutResponse correlates the new order with the gateway invoice the
// customer should be sent to
type CheckoutResponse struct {
	OrderID    string `json:"orderId"`
	InvoiceID  string `json:"invoiceId"`
	InvoiceURL string `json:"invoiceUrl"`
}

func (s *Service) checkoutCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("AccountID", claims.ID))

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("A plan is required"))
		return
	}

	q, err := s.quote(req)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown plan"))
		return
	}

	def, _ := s.Plans.Get(plan.Key(q.PlanKey))

	newOrder := &Order{
		ID:               shortuuid.New(),
		AccountID:        claims.ID,
		PlanKey:          q.PlanKey,
		PriceAmountCents: q.AmountCents,
		PriceCurrency:    q.Currency,
		Gateway:          DefaultGateway,
		Status:           StatusPending,
	}
	if err := s.OrderManager.Create(ctx, newOrder); err != nil {
		logger.Error("Unable to create order",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to start checkout"))
		return
	}

	logger = logger.With(zap.String("OrderID", newOrder.ID))

	invoice, err := s.Gateway.CreateInvoice(ctx, gateway.InvoiceRequest{
		PriceAmount:      q.Amount,
		PriceCurrency:    q.Currency,
		OrderID:          newOrder.ID,
		OrderDescription: def.Name + " subscription",
		IPNCallbackURL:   s.CallbackURL,
		SuccessURL:       s.SuccessURL,
		CancelURL:        s.CancelURL,
	})
	if err != nil {
		logger.Error("Unable to create invoice on gateway",
			zap.Error(err),
		)
		// the local order stays pending; if the invoice was actually
		// created remotely, manual reconciliation will settle it
		if errors.Is(err, gateway.ErrUnconfigured) {
			resp.WriteError(w, r, resp.ErrUnconfigured())
			return
		}
		resp.WriteError(w, r, resp.ErrGatewayUnavailable())
		return
	}

	if err := s.OrderManager.AttachInvoice(ctx, newOrder.ID, invoice.ID.String()); err != nil {
		logger.Error("Unable to attach invoice to order",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, CheckoutResponse{
		OrderID:    newOrder.ID,
		InvoiceID:  invoice.ID.String(),
		InvoiceURL: invoice.InvoiceURL,
	})
}

// StatusResponse is the order status query result
type StatusResponse struct {
	OrderID string     `json:"orderId"`
	Status  Status     `json:"status"`
	Paid    bool       `json:"paid"`
	PaidAt  *time.Time `json:"paidAt,omitempty"`
	PlanKey string     `json:"planKey"`
}

func statusOf(o *Order) StatusResponse {
	return StatusResponse{
		OrderID: o.ID,
		Status:  o.Status,
		Paid:    o.Paid(),
		PaidAt:  o.PaidAt,
		PlanKey: o.PlanKey,
	}
}

func (s *Service) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	orderID := chi.URLParam(r, "id")

	o, err := s.OrderManager.GetByID(ctx, orderID)
	if err != nil {
		s.Logger.Error("Unable to query order",
			zap.Error(err),
			zap.String("OrderID", orderID),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if o == nil || o.AccountID != claims.ID {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find order with specific ID"))
		return
	}

	resp.WriteResponse(w, r, statusOf(o))
}

// ReconcileRequest identifies the order to reconcile against the gateway
type ReconcileRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

func (s *Service) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("An order id is required"))
		return
	}

	logger := s.Logger.With(
		zap.String("AccountID", claims.ID),
		zap.String("OrderID", req.OrderID),
	)

	o, err := s.OrderManager.GetByID(ctx, req.OrderID)
	if err != nil {
		logger.Error("Unable to query order",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if o == nil || o.AccountID != claims.ID {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find order with specific ID"))
		return
	}
	if len(o.InvoiceID) == 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Order has no gateway invoice to reconcile against"))
		return
	}

	payments, err := s.Gateway.ListPaymentsByInvoice(ctx, o.InvoiceID)
	if err != nil {
		logger.Error("Unable to pull payments from gateway",
			zap.Error(err),
		)
		if errors.Is(err, gateway.ErrUnconfigured) {
			resp.WriteError(w, r, resp.ErrUnconfigured())
			return
		}
		resp.WriteError(w, r, resp.ErrGatewayUnavailable())
		return
	}

	chosen := pickAuthoritative(payments)
	if chosen == nil {
		// the gateway has no payment attempts yet; nothing to apply
		resp.WriteResponse(w, r, statusOf(o))
		return
	}

	updated, err := s.OrderManager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        o.ID,
		ReportedStatus: chosen.PaymentStatus,
		PaymentID:      chosen.PaymentID.String(),
		InvoiceID:      o.InvoiceID,
		PayCurrency:    chosen.PayCurrency,
		RawPayload:     chosen.Raw,
	})
	if err != nil {
		logger.Error("Unable to apply reconciled status",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, statusOf(updated))
}

// pickAuthoritative chooses the payment that settles the order: a
// success-state payment wins outright, otherwise the most recently
// updated attempt
func pickAuthoritative(payments []gateway.Payment) *gateway.Payment {
	var best *gateway.Payment
	for i := range payments {
		p := &payments[i]
		if gateway.Classify(p.PaymentStatus) == gateway.Success {
			return p
		}
		if best == nil || p.UpdatedAt > best.UpdatedAt {
			best = p
		}
	}
	return best
}

func (s *Service) handleIPN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := ioutil.ReadAll(r.Body)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read request body"))
		return
	}

	// verification runs on the exact bytes received, before any parsing
	if err := s.Verifier.VerifyIPN(raw, r.Header.Get(signatureHeader)); err != nil {
		if errors.Is(err, gateway.ErrUnconfigured) {
			s.Logger.Error("IPN secret is not configured")
			resp.WriteError(w, r, resp.ErrUnconfigured())
			return
		}
		s.Logger.Warn("Rejected IPN callback with bad signature")
		resp.WriteError(w, r, resp.ErrBadSignature())
		return
	}

	payload, err := gateway.ParseIPN(raw)
	if err != nil {
		s.Logger.Warn("Rejected malformed IPN callback",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrMalformedPayload())
		return
	}

	logger := s.Logger.With(
		zap.String("OrderID", payload.OrderID),
		zap.String("ReportedStatus", payload.PaymentStatus),
	)

	_, err = s.OrderManager.ApplyGatewayStatus(ctx, ApplyOptions{
		OrderID:        payload.OrderID,
		ReportedStatus: payload.PaymentStatus,
		PaymentID:      payload.PaymentID.String(),
		InvoiceID:      payload.InvoiceID.String(),
		PayCurrency:    payload.PayCurrency,
		RawPayload:     raw,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No order with the reported id"))
			return
		}
		logger.Error("Unable to apply gateway status",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	// the gateway expects a bare OK; anything else triggers a retry
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Router will return the authenticated routes under the checkout/payment API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/checkout/price", s.checkoutPrice)
	r.Post("/checkout/create", s.checkoutCreate)
	r.Post("/reconcile", s.reconcile)
	r.Get("/{id}", s.getOrder)

	return r
}

// WebhookRouter returns the unauthenticated callback route. Its only
// protection is the signature check.
func (s *Service) WebhookRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/ipn", s.handleIPN)

	return r
}
