package domain

// ChatMessage is the provider-agnostic message shape sent to completion services.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single outbound completion call.
type CompletionRequest struct {
	Model     string
	MaxTokens int
	Messages  []ChatMessage
}

// ContentBlock is one block of a completion reply. Text is empty for non-text blocks.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CompletionReply is the parsed body of a successful completion call.
type CompletionReply struct {
	Content []ContentBlock `json:"content"`
}
