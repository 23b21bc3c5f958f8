package inference

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

// Chat performs a single non-streaming chat call and returns the full reply.
// Used where the caller needs the whole response at once (auto-scoring).
func (c *Client) Chat(ctx context.Context, model string, messages []Message, temperature float64, deadline time.Duration) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  chatOptions{Temperature: temperature},
	})
	if err != nil {
		return "", &Error{Kind: KindBackend, Op: "chat", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindBackend, Op: "chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", &Error{Kind: KindTimeout, Op: "chat", Err: err}
		}
		return "", &Error{Kind: KindUnreachable, Op: "chat", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindBackend, Op: "chat", Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", &Error{Kind: KindModelMissing, Op: "chat",
			Err: fmt.Errorf("model %q: %s", model, bytes.TrimSpace(payload))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: KindBackend, Op: "chat",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))}
	}

	var record chatRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return "", &Error{Kind: KindBackend, Op: "chat", Err: err}
	}
	if record.Message == nil {
		return "", &Error{Kind: KindBackend, Op: "chat", Err: errors.New("response missing message")}
	}
	return record.Message.Content, nil
}
