package assistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

func TestNewLLM_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, provider, model string
	}{
		{"empty provider", "", "gpt-4o-mini"},
		{"empty model", "openai", ""},
		{"unknown provider", "acme", "m1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewLLM(tc.provider, tc.model, "", anyllmlib.WithAPIKey("k")); err == nil {
				t.Error("NewLLM succeeded; want error")
			}
		})
	}
}

func TestLLM_BuildParams(t *testing.T) {
	t.Parallel()
	l := &LLM{model: "gpt-4o-mini", systemPrompt: "configured"}

	p := l.buildParams(Request{
		Message: "Add a follow-up visit",
		History: []Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	})
	if p.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", p.Model)
	}
	if len(p.Messages) != 4 {
		t.Fatalf("messages = %d; want 4", len(p.Messages))
	}
	if p.Messages[0].Role != anyllmlib.RoleSystem || !strings.HasPrefix(p.Messages[0].ContentString(), "configured") {
		t.Errorf("system message = %+v", p.Messages[0])
	}
	if !strings.Contains(p.Messages[0].ContentString(), "---") {
		t.Error("system message lacks the bill separator instructions")
	}
	if last := p.Messages[3]; last.Role != "user" || last.ContentString() != "Add a follow-up visit" {
		t.Errorf("last message = %+v", last)
	}

	p = l.buildParams(Request{Message: "hi", SystemPrompt: DefaultSystemPrompt})
	if !strings.HasPrefix(p.Messages[0].ContentString(), DefaultSystemPrompt) {
		t.Error("request system prompt did not take precedence")
	}
}

func TestLLM_Reply(t *testing.T) {
	t.Parallel()

	var sawSystem bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		sawSystem = len(req.Messages) > 0 && req.Messages[0].Role == "system"

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Done.\n---\n{\"patientName\":\"Jane Doe\",\"serviceDate\":\"2025-03-02\"}"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	t.Cleanup(srv.Close)

	l, err := NewLLM("openai", "gpt-4o-mini", "", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	reply, err := l.Reply(context.Background(), Request{Message: "Bill Jane Doe"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !sawSystem {
		t.Error("request did not start with a system message")
	}
	if reply.Text != "Done." {
		t.Errorf("text = %q; want %q", reply.Text, "Done.")
	}
	if reply.Bill["patientName"] != "Jane Doe" {
		t.Errorf("bill = %v", reply.Bill)
	}
	if strings.Join(reply.Missing, ",") != "ohipNumber,services" {
		t.Errorf("missing = %v", reply.Missing)
	}
}
