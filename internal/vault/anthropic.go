package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	// Versión de API requerida por Anthropic en cada request.
	anthropicVersion = "2023-06-01"
)

// AnthropicVerifier valida una key contra el endpoint de modelos de Anthropic.
type AnthropicVerifier struct {
	BaseURL string
	http    *http.Client
}

func NewAnthropicVerifier() *AnthropicVerifier {
	return &AnthropicVerifier{
		BaseURL: anthropicBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *AnthropicVerifier) Provider() string { return "anthropic" }

func (v *AnthropicVerifier) Verify(ctx context.Context, plainKey string) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", plainKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrInvalidKey
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrInsufficientScope
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: anthropic returned %d", ErrNetwork, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidKey, resp.StatusCode)
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	res := &VerifyResult{Permissions: []string{"messages.write", "model.read"}}
	for _, m := range body.Data {
		res.Models = append(res.Models, m.ID)
	}
	return res, nil
}
