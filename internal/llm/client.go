package llm

import "context"

// Client is the interface the agent loop uses to reach the model backend.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
