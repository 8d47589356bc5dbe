package chat

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body of POST /api/chat/completions.
type CompletionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"maxTokens"`
	// AgentID is recorded on the hold entry of the chat's reservation.
	AgentID string `json:"agentId,omitempty"`
}

// Usage is the token count of one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// SSE event names
const (
	EventMeta  = "meta"
	EventToken = "token"
	EventUsage = "usage"
	EventError = "error"
	EventDone  = "done"
)

// MetaEvent opens the stream once credits are held.
type MetaEvent struct {
	ReservationID string `json:"reservationId"`
	Model         string `json:"model"`
	Reserved      int64  `json:"reserved"`
	Balance       int64  `json:"balance"`
}

// TokenEvent carries a chunk of generated text.
type TokenEvent struct {
	Content string `json:"content"`
}

// UsageEvent reports what the completion cost after settlement.
type UsageEvent struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	// Estimated is set when the provider reported no usage.
	Estimated bool  `json:"estimated"`
	Cost      int64 `json:"cost"`
	Charged   int64 `json:"charged"`
	Shortfall int64 `json:"shortfall,omitempty"`
	Balance   int64 `json:"balance"`
}

// ErrorEvent reports a failure after the stream started.
type ErrorEvent struct {
	Message string `json:"message"`
}

// DoneEvent closes the stream.
type DoneEvent struct {
	Done bool `json:"done"`
}
