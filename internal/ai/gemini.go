package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (r *geminiResponse) text() (string, error) {
	if r.Error != nil {
		return "", fmt.Errorf("gemini error %d %s: %s", r.Error.Code, r.Error.Status, r.Error.Message)
	}
	if len(r.Candidates) == 0 {
		if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("gemini blocked prompt: %s", r.PromptFeedback.BlockReason)
		}
		return "", nil
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String(), nil
}

// GeminiClient talks to the Generative Language REST API.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewGeminiClient(httpClient *http.Client, baseURL, apiKey, model string) *GeminiClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimPrefix(strings.TrimSpace(model), "models/"),
	}
}

func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) Configured() bool {
	return c.apiKey != "" && c.model != ""
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.post(ctx, ":generateContent", prompt)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read gemini response failed: %w", err)
	}
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse gemini json failed: %w", err)
	}
	return parsed.text()
}

func (c *GeminiClient) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	resp, err := c.post(ctx, ":streamGenerateContent?alt=sse", prompt)
	if err != nil {
		return nil, err
	}

	return streamSSE(ctx, resp.Body, func(payload string) (string, bool, error) {
		var parsed geminiResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			return "", false, fmt.Errorf("parse gemini stream chunk failed: %w", err)
		}
		text, err := parsed.text()
		return text, false, err
	}), nil
}

func (c *GeminiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models?pageSize=1000", nil)
	if err != nil {
		return nil, fmt.Errorf("build gemini models request failed: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini models request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, readStatusError(resp, "gemini models")
	}

	var parsed struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse gemini models failed: %w", err)
	}
	models := make([]ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, ModelInfo{
			Name:                       m.Name,
			DisplayName:                m.DisplayName,
			SupportedGenerationMethods: m.SupportedGenerationMethods,
		})
	}
	return models, nil
}

func (c *GeminiClient) post(ctx context.Context, method, prompt string) (*http.Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	bodyBytes, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request failed: %w", err)
	}

	endpoint := c.baseURL + "/models/" + url.PathEscape(c.model) + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build gemini request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readStatusError(resp, "gemini")
	}
	return resp, nil
}
