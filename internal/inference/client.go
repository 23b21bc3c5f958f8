// Package inference implements the streaming client for a local
// Ollama-compatible chat backend: token streaming, embeddings and model
// listing over newline-delimited JSON.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorKind classifies inference failures.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindUnreachable  ErrorKind = "backend_unreachable"
	KindModelMissing ErrorKind = "model_missing"
	KindBackend      ErrorKind = "backend_error"
)

// Error is the typed failure returned by all client operations.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("inference %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is a single chat message with an Ollama-compatible role.
type Message struct {
	Role    string `json:"role"` // system|user|assistant
	Content string `json:"content"`
}

// Delta is one streamed chunk. A non-nil Err is terminal; the channel is
// closed right after it. A clean close without an Err value means the
// response completed normally.
type Delta struct {
	Text string
	Err  error
}

// ModelInfo describes one installed backend model.
type ModelInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"sizeBytes"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Client talks to an Ollama-compatible HTTP backend.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	hardCeiling time.Duration
	retryDelay  time.Duration
	logger      *logrus.Logger
}

// NewClient creates a client. hardCeiling bounds the total duration of any
// single streaming call regardless of delta progress.
func NewClient(baseURL string, hardCeiling time.Duration, logger *logrus.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if hardCeiling == 0 {
		hardCeiling = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: baseURL,
		// No client-level timeout: streaming responses are open-ended and
		// bounded by the per-call watchdog instead.
		httpClient:  &http.Client{},
		hardCeiling: hardCeiling,
		retryDelay:  500 * time.Millisecond,
		logger:      logger,
	}
}

type chatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Options  chatOptions `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatRecord struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// StreamChat opens a streaming chat call and returns a channel of deltas.
// deadline is the maximum wait for a delta measured from the request start
// and re-armed on every delta; exceeding it, or the aggregate hard ceiling,
// fails the call with KindTimeout. A transient KindUnreachable failure is
// retried exactly once, and only if no delta has been observed yet.
func (c *Client) StreamChat(ctx context.Context, model string, messages []Message, temperature float64, deadline time.Duration) <-chan Delta {
	out := make(chan Delta)

	go func() {
		defer close(out)

		delivered := false
		for attempt := 0; ; attempt++ {
			err := c.streamOnce(ctx, model, messages, temperature, deadline, out, &delivered)
			if err == nil {
				return
			}

			var infErr *Error
			if attempt == 0 && !delivered && errors.As(err, &infErr) && infErr.Kind == KindUnreachable {
				c.logger.WithFields(logrus.Fields{
					"model": model,
					"delay": c.retryDelay,
				}).Warn("Backend unreachable, retrying stream once")
				select {
				case <-time.After(c.retryDelay):
					continue
				case <-ctx.Done():
					out <- Delta{Err: &Error{Kind: KindUnreachable, Op: "stream_chat", Err: ctx.Err()}}
					return
				}
			}

			out <- Delta{Err: err}
			return
		}
	}()

	return out
}

func (c *Client) streamOnce(ctx context.Context, model string, messages []Message, temperature float64, deadline time.Duration, out chan<- Delta, delivered *bool) error {
	callCtx, cancel := context.WithTimeout(ctx, c.hardCeiling)
	defer cancel()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(deadline, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  chatOptions{Temperature: temperature},
	})
	if err != nil {
		return &Error{Kind: KindBackend, Op: "stream_chat", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindBackend, Op: "stream_chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.classify("stream_chat", callCtx, &timedOut, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return &Error{Kind: KindModelMissing, Op: "stream_chat",
				Err: fmt.Errorf("model %q: %s", model, bytes.TrimSpace(payload))}
		}
		return &Error{Kind: KindBackend, Op: "stream_chat",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))}
	}

	decoder := json.NewDecoder(resp.Body)
	for {
		var record chatRecord
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				// The backend closed without a done marker; treat a stream
				// that produced deltas as complete.
				if *delivered {
					return nil
				}
				return &Error{Kind: KindBackend, Op: "stream_chat", Err: io.ErrUnexpectedEOF}
			}
			return c.classify("stream_chat", callCtx, &timedOut, err)
		}

		if record.Message != nil && record.Message.Content != "" {
			watchdog.Reset(deadline)
			select {
			case out <- Delta{Text: record.Message.Content}:
				*delivered = true
			case <-callCtx.Done():
				return c.classify("stream_chat", callCtx, &timedOut, callCtx.Err())
			}
		}
		// Records lacking both a content field and a done marker are no-ops.
		if record.Done {
			return nil
		}
	}
}

// classify maps a transport error to a typed inference error, giving the
// watchdog and context deadline precedence over the raw error text.
func (c *Client) classify(op string, ctx context.Context, timedOut *atomic.Bool, err error) error {
	if timedOut.Load() || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: KindBackend, Op: op, Err: context.Canceled}
	}
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding vector for text using the given model.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "embed", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.hardCeiling)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "embed", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Op: "embed", Err: err}
		}
		return nil, &Error{Kind: KindUnreachable, Op: "embed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "embed", Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &Error{Kind: KindModelMissing, Op: "embed",
			Err: fmt.Errorf("model %q: %s", model, bytes.TrimSpace(payload))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindBackend, Op: "embed",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(payload))}
	}

	var parsed embedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &Error{Kind: KindBackend, Op: "embed", Err: err}
	}
	if len(parsed.Embedding) == 0 {
		return nil, &Error{Kind: KindBackend, Op: "embed", Err: errors.New("empty embedding")}
	}
	return parsed.Embedding, nil
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

// ListModels enumerates the models installed on the backend.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "list_models", Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Op: "list_models", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindBackend, Op: "list_models",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Kind: KindBackend, Op: "list_models", Err: err}
	}

	models := make([]ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, ModelInfo{Name: m.Name, SizeBytes: m.Size, ModifiedAt: m.ModifiedAt})
	}
	return models, nil
}

// Health reports whether the backend answers its model listing endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.ListModels(ctx)
	return err
}
