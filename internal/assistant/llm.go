package assistant

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/billvoice/internal/chat"
)

// billInstructions is appended to every system prompt of the [LLM] backend
// so replies carry the bill data in the shape chat.ExtractReply expects.
const billInstructions = `

When the user describes a patient visit, answer in plain language first.
Then write a line containing only "---" followed by one JSON object with the
bill fields you know so far: patientName, ohipNumber, serviceDate (YYYY-MM-DD)
and services (a list of objects with serviceName, serviceCode and unitPrice).
Omit the separator and the JSON when there is nothing to bill.`

// LLM answers with a chat model through any-llm-go.
type LLM struct {
	backend      anyllmlib.Provider
	model        string
	systemPrompt string
}

var _ Backend = (*LLM)(nil)

// NewLLM creates a backend for the named provider.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". systemPrompt is
// used on every request; an empty prompt means [DefaultSystemPrompt]. opts
// are any-llm-go options such as anyllmlib.WithAPIKey; without a key the
// provider falls back to its environment variable (e.g. OPENAI_API_KEY).
func NewLLM(providerName, model, systemPrompt string, opts ...anyllmlib.Option) (*LLM, error) {
	if providerName == "" {
		return nil, fmt.Errorf("assistant: provider must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("assistant: model must not be empty")
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("assistant: create %q backend: %w", providerName, err)
	}
	return &LLM{backend: backend, model: model, systemPrompt: systemPrompt}, nil
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Reply implements [Backend]. The request's own system prompt, sent on the
// first message, takes precedence over the configured one.
func (l *LLM) Reply(ctx context.Context, req Request) (Reply, error) {
	resp, err := l.backend.Completion(ctx, l.buildParams(req))
	if err != nil {
		return Reply{}, fmt.Errorf("assistant: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("assistant: empty choices in response")
	}

	text, bill := chat.ExtractReply(resp.Choices[0].Message.ContentString())
	if text == "" && bill == nil {
		return Reply{}, ErrEmptyReply
	}
	r := Reply{Text: text, Bill: bill}
	if bill != nil {
		r.Missing = bill.Missing()
	}
	return r, nil
}

// buildParams converts a Request into anyllm CompletionParams.
func (l *LLM) buildParams(req Request) anyllmlib.CompletionParams {
	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = l.systemPrompt
	}

	messages := make([]anyllmlib.Message, 0, len(req.History)+2)
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleSystem,
		Content: prompt + billInstructions,
	})
	for _, t := range req.History {
		messages = append(messages, anyllmlib.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, anyllmlib.Message{Role: "user", Content: req.Message})

	return anyllmlib.CompletionParams{
		Model:    l.model,
		Messages: messages,
	}
}
