package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Provider selects the wire protocol used to reach the model.
type Provider string

const (
	// ProviderOpenAI speaks the OpenAI-compatible /chat/completions API.
	ProviderOpenAI Provider = "openai"
	// ProviderOllama speaks Ollama's /api/generate API.
	ProviderOllama Provider = "ollama"
)

const (
	defaultTemperature = 0.3
	defaultTimeout     = 20 * time.Second
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "mistral"
)

// Client is a text-in/text-out client for the model under test.
type Client struct {
	provider    Provider
	baseURL     string
	apiKey      string
	model       string
	label       string // tier name used in debug log lines (e.g. "AGENT")
	temperature float64
	verbose     bool // logs full prompts and responses
	httpClient  *http.Client
}

// normalizeBaseURL strips trailing slashes and the known endpoint suffixes
// from a raw base URL value so the path is never doubled when the client
// appends the endpoint itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing "/api/generate" suffix
//   - Strips a trailing slash without any suffix
//   - Strips trailing slash AND the suffix when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	s = strings.TrimSuffix(s, "/chat/completions")
	return strings.TrimSuffix(s, "/api/generate")
}

// New creates a Client from the shared environment variables:
//
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL
func New() *Client {
	return NewTier("")
}

// NewTier creates a Client for a named tier (e.g. "AGENT").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared OPENAI_{KEY}. An empty prefix reads only the shared vars,
// making it equivalent to New().
//
// Example — prefix "AGENT" resolves as:
//
//	AGENT_API_KEY      → OPENAI_API_KEY
//	AGENT_BASE_URL     → OPENAI_BASE_URL
//	AGENT_MODEL        → OPENAI_MODEL
//	AGENT_PROVIDER     (no fallback; "openai" | "ollama", default "ollama")
//	AGENT_TEMPERATURE  (no fallback; default 0.3)
//	AGENT_TIMEOUT      (no fallback; Go duration, default 20s)
//	AGENT_VERBOSE      (no fallback; "true" logs prompts and responses)
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Defaults to the ollama provider on localhost with model "mistral" when nothing is set
//   - Ignores an unparsable temperature or timeout and keeps the default
//   - Empty prefix reads only OPENAI_* (identical to New())
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	own := func(suffix string) string {
		if prefix == "" {
			return ""
		}
		return os.Getenv(prefix + "_" + suffix)
	}

	provider := Provider(strings.ToLower(own("PROVIDER")))
	if provider != ProviderOpenAI {
		provider = ProviderOllama
	}
	baseURL := normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL"))
	model := get("MODEL", "OPENAI_MODEL")
	if provider == ProviderOllama {
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		if model == "" {
			model = defaultOllamaModel
		}
	}

	temperature := defaultTemperature
	if v, err := strconv.ParseFloat(own("TEMPERATURE"), 64); err == nil {
		temperature = v
	}
	timeout := defaultTimeout
	if d, err := time.ParseDuration(own("TIMEOUT")); err == nil && d > 0 {
		timeout = d
	}

	label := prefix
	if label == "" {
		label = "LLM"
	}
	return &Client{
		provider:    provider,
		baseURL:     baseURL,
		apiKey:      get("API_KEY", "OPENAI_API_KEY"),
		model:       model,
		label:       label,
		temperature: temperature,
		verbose:     own("VERBOSE") == "true",
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Provider returns the configured wire protocol.
func (c *Client) Provider() Provider { return c.provider }

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Validate reports configuration that would make every call fail.
//
// Expectations:
//   - Returns nil when every required field is present
//   - Lists "base URL" and "model" when empty, for any provider
//   - Lists "API key" when empty for the openai provider only
//   - Joins multiple missing fields with ", " and names the tier label
func (c *Client) Validate() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" && c.provider == ProviderOpenAI {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("llm: [%s] missing %s", c.label, strings.Join(missing, ", "))
}

// Usage reports token consumption and latency for one LLM call.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	ElapsedMs        int64 `json:"-"`
}

// Generate sends a single prompt and returns the model's raw text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, Usage, error) {
	if c.provider == ProviderOpenAI {
		return c.Chat(ctx, "", prompt)
	}
	return c.ollamaGenerate(ctx, prompt)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends an optional system prompt and a user prompt to an
// OpenAI-compatible endpoint and returns the assistant's text.
func (c *Client) Chat(ctx context.Context, system, user string) (string, Usage, error) {
	c.logPrompt(system, user)

	var msgs []chatMsg
	if system != "" {
		msgs = append(msgs, chatMsg{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMsg{Role: "user", Content: user})

	var chatResp chatResponse
	elapsed, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
	}, &chatResp)
	if err != nil {
		return "", Usage{}, err
	}
	if chatResp.Error != nil {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}

	content := chatResp.Choices[0].Message.Content
	usage := chatResp.Usage
	usage.ElapsedMs = elapsed
	c.logResponse(content, usage)
	return content, usage, nil
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

func (c *Client) ollamaGenerate(ctx context.Context, prompt string) (string, Usage, error) {
	c.logPrompt("", prompt)

	var genResp generateResponse
	elapsed, err := c.post(ctx, "/api/generate", generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: generateOptions{Temperature: c.temperature},
	}, &genResp)
	if err != nil {
		return "", Usage{}, err
	}
	if genResp.Error != "" {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", genResp.Error)
	}

	usage := Usage{
		PromptTokens:     genResp.PromptEvalCount,
		CompletionTokens: genResp.EvalCount,
		TotalTokens:      genResp.PromptEvalCount + genResp.EvalCount,
		ElapsedMs:        elapsed,
	}
	c.logResponse(genResp.Response, usage)
	return genResp.Response, usage, nil
}

// post marshals payload, POSTs it to baseURL+path and decodes the JSON body into out.
// It returns the wall-clock milliseconds spent on the HTTP exchange.
func (c *Client) post(ctx context.Context, path string, payload, out any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return elapsed, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return elapsed, fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return elapsed, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	return elapsed, nil
}

func (c *Client) logPrompt(system, user string) {
	if !c.verbose {
		return
	}
	if system != "" {
		log.Printf("[%s] ── SYSTEM PROMPT ──────────────────────────────\n%s\n── END SYSTEM ──────────────────────────────────", c.label, system)
	}
	log.Printf("[%s] ── PROMPT ──────────────────────────────────────\n%s\n── END PROMPT ──────────────────────────────────", c.label, user)
}

func (c *Client) logResponse(content string, u Usage) {
	if !c.verbose {
		return
	}
	log.Printf("[%s] ── RESPONSE (tokens: prompt=%d completion=%d, %dms) ──\n%s\n── END RESPONSE ────────────────────────────────",
		c.label, u.PromptTokens, u.CompletionTokens, u.ElapsedMs, content)
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models (e.g. deepseek-r1) emit these before the answer; a
// token mentioned while reasoning must not be mistaken for the decision.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			// Unclosed block — strip from opening tag to end of string.
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}
