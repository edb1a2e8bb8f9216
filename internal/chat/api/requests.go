package api

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Prompt string `json:"prompt"`
}

// ChatResponse acknowledges an accepted chat turn. The client follows the
// assistant message on the stream endpoint.
type ChatResponse struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
}
