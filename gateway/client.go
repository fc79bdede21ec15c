package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultTimeout = time.Second * 20

// ClientOptions contains the configuration for the outbound gateway client
type ClientOptions struct {
	Logger  *zap.Logger
	BaseURL string // e.g. https://api.nowpayments.io/v1
	APIKey  string
	Timeout time.Duration
}

// Client talks to the payment gateway's REST API. It is used when a
// checkout creates an invoice, and by manual reconciliation to pull the
// current status of payments against an invoice.
type Client struct {
	ClientOptions
	httpClient *http.Client
}

// NewClient validates the options and returns a gateway Client
func NewClient(option ClientOptions) (*Client, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.BaseURL) == 0 {
		return nil, fmt.Errorf("empty BaseURL is invalid")
	}
	if option.Timeout == 0 {
		option.Timeout = defaultTimeout
	}
	return &Client{
		ClientOptions: option,
		httpClient: &http.Client{
			Timeout: option.Timeout,
		},
	}, nil
}

// InvoiceRequest describes the invoice to create on the gateway.
// PriceAmount is a two decimal string to keep byte-exact control over what
// the gateway echoes back in callbacks.
type InvoiceRequest struct {
	PriceAmount      string `json:"price_amount"`
	PriceCurrency    string `json:"price_currency"`
	PayCurrency      string `json:"pay_currency,omitempty"`
	OrderID          string `json:"order_id"`
	OrderDescription string `json:"order_description,omitempty"`
	IPNCallbackURL   string `json:"ipn_callback_url,omitempty"`
	SuccessURL       string `json:"success_url,omitempty"`
	CancelURL        string `json:"cancel_url,omitempty"`
}

// Invoice is the gateway-side payment request correlated to a local order
type Invoice struct {
	ID         json.Number `json:"id"`
	InvoiceURL string      `json:"invoice_url"`
}

// Payment is one settlement attempt against an invoice
type Payment struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	PayCurrency   string      `json:"pay_currency"`
	UpdatedAt     string      `json:"updated_at"`

	// Raw holds the exact bytes of this payment object for snapshotting
	Raw json.RawMessage `json:"-"`
}

// CreateInvoice creates an invoice on the gateway. On connectivity failure
// it returns ErrUnavailable and performs no local mutation; the caller's
// pending order is picked up later by reconciliation.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if len(c.APIKey) == 0 {
		return nil, ErrUnconfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot encode invoice request")
	}
	respBody, err := c.do(ctx, http.MethodPost, "/invoice", body)
	if err != nil {
		return nil, err
	}
	var invoice Invoice
	if err := json.Unmarshal(respBody, &invoice); err != nil {
		return nil, extErrors.Wrap(err, "Gateway returned an unparsable invoice")
	}
	if len(invoice.ID.String()) == 0 {
		return nil, fmt.Errorf("Gateway returned an invoice without an id")
	}
	return &invoice, nil
}

// ListPaymentsByInvoice pulls all payments the gateway has recorded against
// an invoice. Used by manual reconciliation only.
func (c *Client) ListPaymentsByInvoice(ctx context.Context, invoiceID string) ([]Payment, error) {
	if len(c.APIKey) == 0 {
		return nil, ErrUnconfigured
	}
	path := "/payment/?invoiceId=" + url.QueryEscape(invoiceID)
	respBody, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var listing struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &listing); err != nil {
		return nil, extErrors.Wrap(err, "Gateway returned an unparsable payment listing")
	}
	payments := make([]Payment, 0, len(listing.Data))
	for _, raw := range listing.Data {
		var p Payment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, extErrors.Wrap(err, "Gateway returned an unparsable payment")
		}
		p.Raw = raw
		payments = append(payments, p)
	}
	return payments, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader *bytes.Reader = bytes.NewReader(body)
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot construct gateway request")
	}
	req.Header.Set("x-api-key", c.APIKey)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.Logger.Error("Gateway request failed before a response was received",
			zap.String("Method", method),
			zap.String("Path", path),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(ErrUnavailable, err.Error())
	}
	defer res.Body.Close()

	respBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, extErrors.Wrap(ErrUnavailable, err.Error())
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.Logger.Error("Gateway returned non-2xx",
			zap.String("Method", method),
			zap.String("Path", path),
			zap.Int("StatusCode", res.StatusCode),
		)
		return nil, fmt.Errorf("gateway: unexpected response (HTTP %d): %s", res.StatusCode, truncate(respBody, 300))
	}
	return respBody, nil
}

func truncate(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
