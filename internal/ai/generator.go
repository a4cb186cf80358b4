package ai

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("generation client is not configured")

// Chunk is one item of a generation stream: either a text fragment or the
// error that ended the stream. A stream carries at most one error chunk and
// it is always the last one.
type Chunk struct {
	Text string
	Err  error
}

type Generator interface {
	// Complete returns the whole reply in one piece.
	Complete(ctx context.Context, prompt string) (string, error)
	// Stream returns fragments as the remote service produces them. The
	// channel is closed when the stream ends, normally or after an error
	// chunk. Errors that happen before any byte is received are returned
	// directly. Callers must drain the channel or cancel ctx.
	Stream(ctx context.Context, prompt string) (<-chan Chunk, error)
	Model() string
	Configured() bool
}

type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

type ModelInfo struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"display_name,omitempty"`
	SupportedGenerationMethods []string `json:"supported_generation_methods,omitempty"`
}

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Options struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

func New(opts Options) (Generator, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	httpClient := &http.Client{Timeout: opts.Timeout}

	switch opts.Provider {
	case ProviderGemini, "":
		return NewGeminiClient(httpClient, opts.BaseURL, opts.APIKey, opts.Model), nil
	case ProviderOpenAI:
		return NewOpenAICompatibleClient(httpClient, opts.BaseURL, opts.APIKey, opts.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", opts.Provider)
	}
}

// payloadParser turns one SSE data payload into text. done ends the stream
// without error.
type payloadParser func(payload string) (text string, done bool, err error)

func streamSSE(ctx context.Context, body io.ReadCloser, parse payloadParser) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)
		defer body.Close()

		send := func(c Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			text, done, err := parse(payload)
			if err != nil {
				send(Chunk{Err: err})
				return
			}
			if text != "" && !send(Chunk{Text: text}) {
				return
			}
			if done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(Chunk{Err: fmt.Errorf("scan llm stream failed: %w", err)})
			return
		}
		if err := ctx.Err(); err != nil {
			send(Chunk{Err: err})
		}
	}()

	return out
}

func readStatusError(resp *http.Response, what string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(raw)))
}
