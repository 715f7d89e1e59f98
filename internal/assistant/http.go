package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/billvoice/internal/chat"
)

// maxResponseBytes bounds a /chat response body.
const maxResponseBytes = 16 << 20

// HTTP is the billing assistant service backend.
//
//	POST {baseURL}/chat
//	{"message":"...","chat_history":[{"role":"user","content":"..."}],"system_prompt":"..."}
//	→ {"reply":"...","billInfo":{...},"missingFields":["..."],"audio":"<base64 mp3>"}
type HTTP struct {
	endpoint string
	client   *http.Client
}

var _ Backend = (*HTTP)(nil)

// HTTPOption configures an [HTTP] backend.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// NewHTTP returns a backend for the service at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("assistant: base URL must not be empty")
	}
	h := &HTTP{
		endpoint: strings.TrimRight(baseURL, "/") + "/chat",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

type chatRequest struct {
	Message      string `json:"message"`
	ChatHistory  []Turn `json:"chat_history"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type chatResponse struct {
	Reply         string        `json:"reply"`
	BillInfo      chat.BillInfo `json:"billInfo"`
	MissingFields []string      `json:"missingFields"`
	Audio         string        `json:"audio,omitempty"`
}

// Reply implements [Backend].
func (h *HTTP) Reply(ctx context.Context, req Request) (Reply, error) {
	history := req.History
	if history == nil {
		history = []Turn{}
	}
	body, err := json.Marshal(chatRequest{
		Message:      req.Message,
		ChatHistory:  history,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("assistant: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("assistant: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("assistant: post chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reply{}, fmt.Errorf("assistant: post chat: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Reply{}, fmt.Errorf("assistant: decode response: %w", err)
	}

	text, _ := chat.ExtractReply(out.Reply)
	if text == "" && len(out.BillInfo) == 0 {
		return Reply{}, ErrEmptyReply
	}
	r := Reply{Text: text, Missing: out.MissingFields}
	if len(out.BillInfo) > 0 {
		r.Bill = out.BillInfo
	}
	if out.Audio != "" {
		audio, err := base64.StdEncoding.DecodeString(out.Audio)
		if err != nil {
			return Reply{}, fmt.Errorf("assistant: decode audio: %w", err)
		}
		r.Audio = audio
	}
	return r, nil
}
