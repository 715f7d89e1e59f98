package dictation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = string(oai.AudioModelWhisper1)

// Transcriber turns a WAV recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// OpenAI transcribes through the OpenAI audio transcription endpoint.
type OpenAI struct {
	client   oai.Client
	model    string
	language string
}

var _ Transcriber = (*OpenAI)(nil)

// config holds optional configuration for the transcriber.
type config struct {
	baseURL    string
	language   string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for [OpenAI].
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage hints the spoken language as an ISO-639-1 code.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often a failed request is retried.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// NewOpenAI constructs a transcriber. An empty model means [DefaultModel].
func NewOpenAI(apiKey, model string, opts ...Option) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("dictation: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: 2}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &OpenAI{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Transcribe implements [Transcriber].
func (o *OpenAI) Transcribe(ctx context.Context, wav []byte) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "dictation.wav", "audio/wav"),
		Model: oai.AudioModel(o.model),
	}
	if o.language != "" {
		params.Language = oai.String(o.language)
	}

	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("dictation: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
