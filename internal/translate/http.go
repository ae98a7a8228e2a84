package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type httpTranslator struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPTranslator talks to a LibreTranslate-style endpoint.
func NewHTTPTranslator(endpoint, apiKey string, timeout time.Duration) Translator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpTranslator{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type httpRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type httpResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

func (t *httpTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	body, err := json.Marshal(httpRequest{Q: text, Source: source, Target: target, Format: "text"})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("translation endpoint returned status %s: %s", resp.Status, bytes.TrimSpace(detail))
	}

	var out httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return out.TranslatedText, nil
}
