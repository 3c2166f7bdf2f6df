package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhouzirui/persona-chat/backend/internal/model/persona"
	"github.com/zhouzirui/persona-chat/backend/internal/service/stream"
)

const (
	CompletionsPath = "/api/completions"

	errorBodyLimit = 4 << 10
)

// HTTPClient forwards completions to a remote server speaking the same
// framing.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	personas persona.Store
}

// NewHTTPClient targets baseURL. A nil client means http.DefaultClient.
func NewHTTPClient(baseURL string, client *http.Client, personas persona.Store) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		personas: personas,
	}
}

func (c *HTTPClient) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if _, ok := c.personas.FindByID(req.PersonaID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, req.PersonaID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CompletionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", stream.ErrTransport, resp.StatusCode, readErrorMessage(resp.Body))
	}
	return resp.Body, nil
}

func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
