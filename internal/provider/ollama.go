package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local inference server. Older Ollama builds only expose
// /api/generate, newer ones /api/chat, and OpenAI-compatible gateways
// (LM Studio, llama.cpp server) only /v1/chat/completions, so Chat walks all
// three before giving up.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates the provider. Defaults match a stock local install.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1:8b"
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: localTimeout},
	}
}

func (p *Ollama) Name() string { return "ollama" }

// Available probes the server's model list and checks the configured model
// is pulled. "llama3.1" matches any tag of that base ("llama3.1:8b").
func (p *Ollama) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	names, err := p.listModels(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("provider: %s has no models available", p.baseURL)
	}
	want := tagBase(p.model)
	for _, n := range names {
		if n == p.model || tagBase(n) == want {
			return nil
		}
	}
	return fmt.Errorf("provider: model %q not found at %s", p.model, p.baseURL)
}

func (p *Ollama) listModels(ctx context.Context) ([]string, error) {
	// Native tag listing first, OpenAI-compatible /v1/models as fallback.
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := p.getJSON(ctx, "/api/tags", &tags); err == nil {
		names := make([]string, 0, len(tags.Models))
		for _, m := range tags.Models {
			names = append(names, m.Name)
		}
		return names, nil
	}

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := p.getJSON(ctx, "/v1/models", &models); err != nil {
		return nil, fmt.Errorf("provider: %s unreachable: %w", p.baseURL, err)
	}
	names := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func (p *Ollama) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// Chat tries each local endpoint in order and returns the first success.
func (p *Ollama) Chat(ctx context.Context, prompt string) (string, error) {
	attempts := []func(context.Context, string) (string, error){
		p.chatGenerate,
		p.chatNative,
		p.chatOpenAI,
	}
	var errs []error
	for _, attempt := range attempts {
		out, err := attempt(ctx, prompt)
		if err == nil {
			return out, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("provider: all local endpoints failed: %w", errors.Join(errs...))
}

func (p *Ollama) chatGenerate(ctx context.Context, prompt string) (string, error) {
	var result struct {
		Response string `json:"response"`
	}
	err := p.postJSON(ctx, "/api/generate", map[string]any{
		"model":  p.model,
		"prompt": prompt,
		"stream": false,
	}, &result)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Response) == "" {
		return "", fmt.Errorf("provider: empty response from /api/generate")
	}
	return strings.TrimSpace(result.Response), nil
}

func (p *Ollama) chatNative(ctx context.Context, prompt string) (string, error) {
	var result struct {
		Message chatMessage `json:"message"`
	}
	err := p.postJSON(ctx, "/api/chat", map[string]any{
		"model":    p.model,
		"messages": []chatMessage{{Role: "user", Content: prompt}},
		"stream":   false,
	}, &result)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Message.Content) == "" {
		return "", fmt.Errorf("provider: empty response from /api/chat")
	}
	return strings.TrimSpace(result.Message.Content), nil
}

func (p *Ollama) chatOpenAI(ctx context.Context, prompt string) (string, error) {
	var result openAIChatResponse
	err := p.postJSON(ctx, "/v1/chat/completions", openAIChatRequest{
		Model:    p.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", fmt.Errorf("provider: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("provider: empty response from /v1/chat/completions")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func (p *Ollama) postJSON(ctx context.Context, path string, payload, target any) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("provider: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider: %s status %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func tagBase(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}
