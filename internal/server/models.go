package server

import "github.com/ike1112/rag-project/internal/chat"

// HTTPError is the error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CreateSessionRequest starts a new indexing session. Strategy defaults
// to the configured ingest strategy when omitted.
type CreateSessionRequest struct {
	Title    string `json:"title"`
	Strategy string `json:"strategy"`
}

// RenameSessionRequest updates a session title.
type RenameSessionRequest struct {
	Title string `json:"title"`
}

// IngestURLRequest asks the server to fetch and index a web page.
type IngestURLRequest struct {
	URL string `json:"url"`
}

// IngestResponse reports what one upload or fetch indexed.
type IngestResponse struct {
	Document string `json:"document"`
	Strategy string `json:"strategy"`
	Units    int    `json:"units"`
	Pages    int    `json:"pages,omitempty"`
	Tokens   int64  `json:"tokens"`
}

// ChatRequest is the request body for chat endpoints.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is one answered turn.
type ChatResponse struct {
	Answer  string        `json:"answer"`
	Sources []chat.Source `json:"sources"`
}

// StreamTokenPayload is one SSE token frame.
type StreamTokenPayload struct {
	Delta string `json:"delta"`
}

// StreamDonePayload closes an SSE chat stream with the assembled turn.
type StreamDonePayload struct {
	Answer  string        `json:"answer"`
	Sources []chat.Source `json:"sources"`
}

// HistoryResponse lists a session's conversation turns.
type HistoryResponse struct {
	Turns []chat.Turn `json:"turns"`
}

// EvalTriggerRequest starts an evaluation run for a session.
type EvalTriggerRequest struct {
	Dataset string `json:"dataset"`
}

// DatasetRequest generates golden dataset questions from a session.
type DatasetRequest struct {
	Size int `json:"size"`
}

// DatasetResponse returns the generated questions and where they were saved.
type DatasetResponse struct {
	Questions []string `json:"questions"`
	Path      string   `json:"path"`
}
