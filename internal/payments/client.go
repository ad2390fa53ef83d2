package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the HTTP implementation of ChargeProcessor against the hosted
// charge API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient returns a Client for the given charge API.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// VerifyCharge looks up a charge by reference.
func (c *Client) VerifyCharge(ctx context.Context, reference string) (ChargeResult, error) {
	url := fmt.Sprintf("%s/charges/%s", c.baseURL, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("verify charge %s: %w", reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ChargeResult{}, fmt.Errorf("verify charge %s: unexpected status %d", reference, resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ChargeResult{}, fmt.Errorf("decode verify response: %w", err)
	}
	return ChargeResult{
		Reference: body.Reference,
		Status:    body.Status,
		Amount:    body.Amount,
	}, nil
}
