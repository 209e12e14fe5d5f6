package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const openAIBaseURL = "https://api.openai.com"

// OpenAIVerifier valida una key contra el endpoint de modelos de OpenAI.
// "Listar modelos" es la llamada más barata que a la vez confirma que la key
// autentica y devuelve el catálogo disponible.
type OpenAIVerifier struct {
	BaseURL string
	http    *http.Client
}

func NewOpenAIVerifier() *OpenAIVerifier {
	return &OpenAIVerifier{
		BaseURL: openAIBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *OpenAIVerifier) Provider() string { return "openai" }

func (v *OpenAIVerifier) Verify(ctx context.Context, plainKey string) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+plainKey)

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
		return nil, fmt.Errorf("%w: openai returned %d", ErrNetwork, resp.StatusCode)
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

	res := &VerifyResult{
		OrganizationID: resp.Header.Get("Openai-Organization"),
		Permissions:    []string{"model.read"},
	}
	for _, m := range body.Data {
		res.Models = append(res.Models, m.ID)
	}
	if raw := resp.Header.Get("X-Ratelimit-Limit-Requests"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			res.RateLimitRPM = n
		}
	}
	return res, nil
}
