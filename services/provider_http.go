package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPPaymentProvider calls the external payment service over HTTP. The
// provider dedupes on the Idempotency-Key header, so replaying a transfer
// after a crash is safe.
//
// Classification follows the response status: 2xx success, 429 and 5xx
// retryable, any other 4xx terminal.
type HTTPPaymentProvider struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewHTTPPaymentProvider(baseURL, token string) *HTTPPaymentProvider {
	return &HTTPPaymentProvider{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *HTTPPaymentProvider) Transfer(ctx context.Context, destinationUserID string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"destination_user_id": destinationUserID,
		"amount":              amount.StringFixed(2),
	})
	if err != nil {
		return "", &ProviderError{Retryable: false, Err: fmt.Errorf("encode transfer request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", &ProviderError{Retryable: false, Err: fmt.Errorf("build transfer request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		// The request may or may not have reached the provider; the
		// idempotency key makes a repeat attempt safe.
		return "", &ProviderError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			TransferRef string `json:"transfer_ref"`
		}
		if err := json.Unmarshal(body, &out); err != nil || out.TransferRef == "" {
			return "", &ProviderError{Retryable: true, Err: fmt.Errorf("provider accepted transfer but returned no reference: %s", string(body))}
		}
		return out.TransferRef, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &ProviderError{Retryable: true, Err: fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))}
	default:
		return "", &ProviderError{Retryable: false, Err: fmt.Errorf("provider rejected transfer with status %d: %s", resp.StatusCode, string(body))}
	}
}
