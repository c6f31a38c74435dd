// Package client implements a stateful chat session against the aria API.
// It drives a full turn end to end: optimistic transcript updates, the
// streamed completion, and writing the finished turn back to the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JordanDonguy/aria/internal/mistral"
	"github.com/JordanDonguy/aria/internal/models"
)

// fallbackTitle labels a conversation when title generation fails; the turn
// itself still succeeds.
const fallbackTitle = "New conversation"

const maxTitleLength = 50

// ErrRateLimited reports that the server refused the turn with a 429. The
// wrapped error carries the server's message.
var ErrRateLimited = errors.New("rate limited")

// TurnState tracks where the current turn is in its lifecycle.
type TurnState int

const (
	StateIdle TurnState = iota
	StateSubmitted
	StateStreaming
	StateCompleted
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitted:
		return "submitted"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one transcript entry as the session sees it.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// Session holds one conversation's client state. Not safe for concurrent
// use; callers drive it from a single goroutine.
type Session struct {
	baseURL   string
	authToken string
	http      *http.Client

	// OnUpdate fires after every transcript or state change so a UI can
	// re-render. May be nil.
	OnUpdate func()

	state          TurnState
	conversationID string
	transcript     []Message
	input          string
	lastError      error

	personality string
	model       string
}

// NewSession creates a session. An empty authToken runs the session
// anonymously: turns stream normally but nothing is persisted.
func NewSession(baseURL, authToken string) *Session {
	return &Session{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{},
	}
}

func (s *Session) State() TurnState        { return s.state }
func (s *Session) ConversationID() string  { return s.conversationID }
func (s *Session) Input() string           { return s.input }
func (s *Session) LastError() error        { return s.lastError }
func (s *Session) SetInput(text string)    { s.input = text }
func (s *Session) SetModel(m string)       { s.model = m }
func (s *Session) SetPersonality(p string) { s.personality = p }

// Transcript returns a copy of the current transcript.
func (s *Session) Transcript() []Message {
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) notify() {
	if s.OnUpdate != nil {
		s.OnUpdate()
	}
}

func (s *Session) turnActive() bool {
	return s.state == StateSubmitted || s.state == StateStreaming
}

// Submit runs one full turn from the staged input. The user message and an
// empty assistant placeholder appear in the transcript immediately; the
// placeholder fills in as deltas arrive. A rejected turn rolls both back and
// restores the input so the user can retry.
func (s *Session) Submit(ctx context.Context) error {
	if s.turnActive() {
		return errors.New("a turn is already in progress")
	}
	text := strings.TrimSpace(s.input)
	if text == "" {
		return errors.New("message cannot be empty")
	}

	original := s.input
	s.transcript = append(s.transcript,
		Message{Role: models.RoleUser, Content: text},
		Message{Role: models.RoleAssistant, Content: ""},
	)
	s.input = ""
	s.state = StateSubmitted
	s.lastError = nil
	s.notify()

	rollback := func(err error) error {
		s.transcript = s.transcript[:len(s.transcript)-2]
		s.input = original
		s.state = StateFailed
		s.lastError = err
		s.notify()
		return err
	}

	// the placeholder is local only; the server gets the history through
	// the user's message
	history := s.transcript[:len(s.transcript)-1]
	payload, err := json.Marshal(map[string]any{
		"messages":    history,
		"model":       s.model,
		"personality": s.personality,
	})
	if err != nil {
		return rollback(fmt.Errorf("encode chat request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return rollback(fmt.Errorf("build chat request: %w", err))
	}
	s.prepare(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return rollback(fmt.Errorf("call chat: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readServerError(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests {
			return rollback(fmt.Errorf("%w: %s", ErrRateLimited, msg))
		}
		return rollback(fmt.Errorf("chat request failed: %s", msg))
	}

	s.state = StateStreaming
	s.notify()

	placeholder := len(s.transcript) - 1
	answer, err := mistral.DecodeStream(resp.Body, func(cumulative string) {
		s.transcript[placeholder].Content = cumulative
		s.notify()
	})
	if err != nil {
		s.state = StateFailed
		s.lastError = fmt.Errorf("decode stream: %w", err)
		s.notify()
		return s.lastError
	}
	s.transcript[placeholder].Content = answer

	s.state = StateCompleted
	s.notify()

	// anonymous sessions keep the transcript in memory only
	if s.authToken != "" {
		if err := s.persistTurn(ctx, text, answer); err != nil {
			s.lastError = err
			s.notify()
		}
	}
	return nil
}

// persistTurn writes the finished turn server side. On the first turn it
// names and creates the conversation first. The turn already completed, so a
// failure here is recorded on the session rather than failing the turn.
func (s *Session) persistTurn(ctx context.Context, userText, answer string) error {
	if s.conversationID == "" {
		title := s.generateTitle(ctx, userText)
		var created struct {
			Conversation struct {
				ID string `json:"id"`
			} `json:"conversation"`
		}
		err := s.doJSON(ctx, http.MethodPost, "/api/conversations",
			map[string]string{"title": title}, &created)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		s.conversationID = created.Conversation.ID
	}
	// user turn first so the stored order matches what the user saw
	for _, m := range []Message{
		{Role: models.RoleUser, Content: userText},
		{Role: models.RoleAssistant, Content: answer},
	} {
		err := s.doJSON(ctx, http.MethodPost, "/api/messages", map[string]any{
			"conversation_id": s.conversationID,
			"role":            m.Role,
			"content":         m.Content,
		}, nil)
		if err != nil {
			return fmt.Errorf("save %s message: %w", m.Role, err)
		}
	}
	return nil
}

// generateTitle asks the server to label the conversation. Any failure,
// including rate limiting, falls back to a generic title.
func (s *Session) generateTitle(ctx context.Context, userText string) string {
	var doc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	err := s.doJSON(ctx, http.MethodPost, "/api/title",
		map[string]string{"message": userText}, &doc)
	if err != nil || len(doc.Choices) == 0 {
		return fallbackTitle
	}
	title := strings.TrimSpace(doc.Choices[0].Message.Content)
	if title == "" {
		return fallbackTitle
	}
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength])
	}
	return title
}

// NewConversation resets the session to an empty transcript.
func (s *Session) NewConversation() error {
	if s.turnActive() {
		return errors.New("a turn is in progress")
	}
	s.conversationID = ""
	s.transcript = nil
	s.input = ""
	s.state = StateIdle
	s.lastError = nil
	s.notify()
	return nil
}

// LoadConversation replaces the session state with a stored transcript.
func (s *Session) LoadConversation(ctx context.Context, conversationID string) error {
	if s.turnActive() {
		return errors.New("a turn is in progress")
	}
	var doc struct {
		Messages []struct {
			Role    models.Role `json:"role"`
			Content string      `json:"content"`
		} `json:"messages"`
	}
	err := s.doJSON(ctx, http.MethodGet, "/api/messages?conversation_id="+conversationID, nil, &doc)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	transcript := make([]Message, len(doc.Messages))
	for i, m := range doc.Messages {
		transcript[i] = Message{Role: m.Role, Content: m.Content}
	}
	s.conversationID = conversationID
	s.transcript = transcript
	s.state = StateIdle
	s.lastError = nil
	s.notify()
	return nil
}

// ListConversations fetches the account's conversations, newest first.
func (s *Session) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var doc struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &doc); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return doc.Conversations, nil
}

// DeleteConversation removes a stored conversation. Deleting the loaded one
// resets the session.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	if s.turnActive() {
		return errors.New("a turn is in progress")
	}
	err := s.doJSON(ctx, http.MethodDelete, "/api/conversations?id="+conversationID, nil, nil)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if s.conversationID == conversationID {
		return s.NewConversation()
	}
	return nil
}

func (s *Session) prepare(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
}

func (s *Session) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	s.prepare(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readServerError(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
		return errors.New(msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readServerError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var doc struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Error != "" {
		return doc.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return "request failed"
}
