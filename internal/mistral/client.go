package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	openai "github.com/sashabaranov/go-openai"

	"github.com/JordanDonguy/aria/internal/config"
	"github.com/JordanDonguy/aria/internal/models"
)

const (
	chatMaxTokens  = 2000
	titleMaxTokens = 300

	titlePrompt = "You are a title generator. Your job is to produce a clear, concise, " +
		"short (max 50 characters), and relevant title summarizing the user's message. " +
		"Output only the title, with no punctuation or introductions. " +
		"Use the same language as the message."
)

// Message is the wire shape shared with the upstream chat-completions API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamError carries a non-2xx upstream status and error text back to the
// relay so it can surface both to the caller.
type UpstreamError struct {
	Status     int
	StatusText string
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Mistral API error: %d %s - %s", e.Status, e.StatusText, e.Body)
}

// Client talks to the upstream chat-completion API. It is the only component
// that holds the credential. Streaming goes through a plain HTTP request so
// the response body can be relayed byte for byte; the non-streaming title
// call uses the OpenAI-compatible typed client.
type Client struct {
	baseURL    string
	apiKey     string
	chatModel  string
	titleModel string
	httpClient *http.Client
	titles     *openai.Client
	sanitizer  *bluemonday.Policy
}

func NewClient(cfg config.MistralConfig) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		chatModel:  cfg.ChatModel,
		titleModel: cfg.TitleModel,
		httpClient: &http.Client{},
		titles:     openai.NewClientWithConfig(oc),
		sanitizer:  bluemonday.StrictPolicy(),
	}
}

// Configured reports whether the upstream credential is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// systemPrompt builds the server-controlled preamble. The persona and
// formatting rules are fixed; callers can only append a personality flavor.
func systemPrompt(historyLen int, personality string) string {
	intro := "Don't forget to present yourself."
	if historyLen >= 3 {
		intro = "Do not present yourself."
	}
	prompt := "You are Aria, a helpful assistant that always responds in the same language as the user. " +
		"Add relevant emojis in titles or responses to make the message more lively and engaging 😊. " +
		intro +
		" Avoid using HTML or Markdown tables; use lists or clear formatting instead."
	if p := strings.TrimSpace(personality); p != "" {
		prompt += " Adopt a " + p + " tone in your responses."
	}
	return prompt
}

// sanitize strips HTML markup from user-authored content before it is
// forwarded upstream. Assistant turns are model output and pass through.
func (c *Client) sanitize(history []Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		if m.Role == string(models.RoleUser) {
			m.Content = c.sanitizer.Sanitize(m.Content)
		}
		out[i] = m
	}
	return out
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

// StreamChat posts the sanitized history, prefixed with the system preamble,
// and returns the raw event-stream body for passthrough. The caller owns the
// ReadCloser; cancelling ctx aborts the upstream read mid-stream.
func (c *Client) StreamChat(ctx context.Context, history []Message, model, personality string) (io.ReadCloser, error) {
	if model == "" {
		model = c.chatModel
	}
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, Message{Role: "system", Content: systemPrompt(len(history), personality)})
	msgs = append(msgs, c.sanitize(history)...)

	payload, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: chatMaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call mistral: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp.Body, nil
}

// Title asks the title model to label the user's first message. The response
// keeps the upstream chat-completion document shape so the HTTP surface can
// return it untouched.
func (c *Client) Title(ctx context.Context, message string) (openai.ChatCompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.titles.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.titleModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: c.sanitizer.Sanitize(message)},
		},
		MaxTokens: titleMaxTokens,
	})
}
