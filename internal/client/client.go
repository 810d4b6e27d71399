// Package client is a Go client for the ragd HTTP API. The terminal
// chat command drives a remote server through it, and it doubles as a
// library for scripting the API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to one ragd server. Authenticate with SetToken or Login
// before calling session endpoints.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// SetToken installs a bearer token obtained elsewhere.
func (c *Client) SetToken(token string) { c.token = token }

// Session mirrors the server's session record. The server encodes the
// record without tags, so Go field names double as JSON keys.
type Session struct {
	ID        string
	UserID    string
	Title     string
	Namespace string
	Strategy  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source names where part of an answer came from.
type Source struct {
	Document string  `json:"document"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// Answer is one completed chat turn.
type Answer struct {
	Text    string
	Sources []Source
}

// Turn is one message of a session's conversation history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Login authenticates and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var out struct {
		Token string `json:"token"`
	}
	err := c.doJSON(ctx, "POST", "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return err
	}
	if out.Token == "" {
		return fmt.Errorf("login returned no token")
	}
	c.token = out.Token
	return nil
}

// Sessions lists the authenticated user's sessions, most recent first.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.doJSON(ctx, "GET", "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session loads one session. The id "latest" resolves to the most
// recently indexed session on the server.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var out Session
	if err := c.doJSON(ctx, "GET", "/api/sessions/"+id, nil, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// CreateSession starts a new session. An empty strategy takes the
// server's configured default.
func (c *Client) CreateSession(ctx context.Context, title, strategy string) (Session, error) {
	var out Session
	err := c.doJSON(ctx, "POST", "/api/sessions", map[string]string{
		"title":    title,
		"strategy": strategy,
	}, &out)
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

// History returns the session's conversation so far.
func (c *Client) History(ctx context.Context, sessionID string) ([]Turn, error) {
	var out struct {
		Turns []Turn `json:"turns"`
	}
	if err := c.doJSON(ctx, "GET", "/api/sessions/"+sessionID+"/history", nil, &out); err != nil {
		return nil, err
	}
	return out.Turns, nil
}

// Reset clears the session's conversation. Indexed documents stay.
func (c *Client) Reset(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, "POST", "/api/sessions/"+sessionID+"/reset", nil, nil)
}

// Ask answers one question without streaming.
func (c *Client) Ask(ctx context.Context, sessionID, message string) (Answer, error) {
	var out struct {
		Answer  string   `json:"answer"`
		Sources []Source `json:"sources"`
	}
	err := c.doJSON(ctx, "POST", "/api/sessions/"+sessionID+"/chat", map[string]string{
		"message": message,
	}, &out)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: out.Answer, Sources: out.Sources}, nil
}

// ChatStream asks a question over the server's SSE endpoint, calling fn
// for every token as it arrives and returning the assembled turn.
func (c *Client) ChatStream(ctx context.Context, sessionID, message string, fn func(delta string) error) (Answer, error) {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return Answer{}, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/sessions/"+sessionID+"/chat/stream", bytes.NewBuffer(body))
	if err != nil {
		return Answer{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Answer{}, apiError("chat stream", resp)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			switch event {
			case "token":
				var tok struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(payload), &tok); err != nil {
					return Answer{}, fmt.Errorf("decode token frame: %w", err)
				}
				if err := fn(tok.Delta); err != nil {
					return Answer{}, err
				}
			case "done":
				var done struct {
					Answer  string   `json:"answer"`
					Sources []Source `json:"sources"`
				}
				if err := json.Unmarshal([]byte(payload), &done); err != nil {
					return Answer{}, fmt.Errorf("decode done frame: %w", err)
				}
				return Answer{Text: done.Answer, Sources: done.Sources}, nil
			case "error":
				var fail struct {
					Error string `json:"error"`
				}
				if err := json.Unmarshal([]byte(payload), &fail); err != nil {
					return Answer{}, fmt.Errorf("decode error frame: %w", err)
				}
				return Answer{}, fmt.Errorf("server: %s", fail.Error)
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return Answer{}, fmt.Errorf("read stream: %w", err)
	}
	return Answer{}, fmt.Errorf("stream ended without a done frame")
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewBuffer(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(method+" "+path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// apiError lifts the server's {"error": ...} envelope into an error.
func apiError(op string, resp *http.Response) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, envelope.Error)
	}
	return fmt.Errorf("%s: status %d", op, resp.StatusCode)
}
