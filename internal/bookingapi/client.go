// Package bookingapi is the REST client for the external booking backend.
package bookingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
)

// Config contains configuration for the booking API client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the client configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 15 * time.Second,
	}
}

// Client implements wizard.BookingAPI over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ wizard.BookingAPI = (*Client)(nil)

// NewClient creates a booking API client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("booking-api"),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type bookingCreated struct {
	BookingID string `json:"booking_id"`
}

type paymentRequest struct {
	PaymentToken string `json:"payment_token,omitempty"`
}

type paymentStatus struct {
	Status string `json:"status"`
}

// Payment statuses reported by the backend.
const (
	PaymentConfirmed = "confirmed"
	PaymentDeclined  = "declined"
	PaymentPending   = "pending"
)

// SubmitDraft creates a booking from the draft.
func (c *Client) SubmitDraft(ctx context.Context, payload wizard.DraftPayload) (wizard.SubmitResult, error) {
	status, body, err := c.post(ctx, "/api/v1/bookings", payload)
	if err != nil {
		c.logger.Warn("booking submission unreachable", zap.String("session_id", payload.SessionID), zap.Error(err))
		return wizard.SubmitResult{ErrorCategory: wizard.CategoryNetworkUnreachable}, nil
	}
	if cat := categorize(status); cat != wizard.CategoryNone {
		c.logRejection("booking submission rejected", status, body)
		return wizard.SubmitResult{ErrorCategory: cat}, nil
	}

	var created bookingCreated
	if err := decodeData(body, &created); err != nil {
		return wizard.SubmitResult{}, err
	}
	id, err := uuid.Parse(created.BookingID)
	if err != nil {
		return wizard.SubmitResult{}, fmt.Errorf("invalid booking id %q: %w", created.BookingID, err)
	}
	return wizard.SubmitResult{Success: true, BookingID: id.String()}, nil
}

// ConfirmPayment confirms payment for a booking created by SubmitDraft.
func (c *Client) ConfirmPayment(ctx context.Context, bookingID, paymentToken string) (wizard.PaymentResult, error) {
	id, err := uuid.Parse(bookingID)
	if err != nil {
		return wizard.PaymentResult{}, fmt.Errorf("invalid booking id %q: %w", bookingID, err)
	}

	path := fmt.Sprintf("/api/v1/bookings/%s/payment", id)
	status, body, err := c.post(ctx, path, paymentRequest{PaymentToken: paymentToken})
	if err != nil {
		c.logger.Warn("payment confirmation unreachable", zap.String("booking_id", bookingID), zap.Error(err))
		return wizard.PaymentResult{ErrorCategory: wizard.CategoryNetworkUnreachable}, nil
	}
	if cat := categorize(status); cat != wizard.CategoryNone {
		c.logRejection("payment rejected", status, body)
		return wizard.PaymentResult{ErrorCategory: cat}, nil
	}

	var ps paymentStatus
	if err := decodeData(body, &ps); err != nil {
		return wizard.PaymentResult{}, err
	}
	switch ps.Status {
	case PaymentConfirmed:
		return wizard.PaymentResult{Success: true}, nil
	case PaymentDeclined:
		return wizard.PaymentResult{ErrorCategory: wizard.CategoryPaymentDeclined}, nil
	case PaymentPending:
		return wizard.PaymentResult{ErrorCategory: wizard.CategoryServiceUnavailable}, nil
	default:
		return wizard.PaymentResult{}, fmt.Errorf("unexpected payment status %q", ps.Status)
	}
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("booking api unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("booking api unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// post sends body as JSON. A returned error means the request never got an HTTP answer.
func (c *Client) post(ctx context.Context, path string, body any) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) logRejection(msg string, status int, body []byte) {
	fields := []zap.Field{zap.Int("status", status)}
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil {
		fields = append(fields, zap.String("code", env.Error.Code), zap.String("message", env.Error.Message))
	}
	c.logger.Info(msg, fields...)
}

// categorize maps a non-2xx status to the user-facing failure category.
func categorize(status int) wizard.ErrorCategory {
	switch {
	case status >= 200 && status < 300:
		return wizard.CategoryNone
	case status == http.StatusConflict, status == http.StatusGone:
		return wizard.CategorySlotUnavailable
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return wizard.CategoryValidationRejected
	case status == http.StatusPaymentRequired:
		return wizard.CategoryPaymentDeclined
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return wizard.CategoryServiceUnavailable
	default:
		return wizard.CategoryUnknown
	}
}

// decodeData accepts both the enveloped {"success","data"} form and a bare object.
func decodeData(body []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		body = env.Data
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
