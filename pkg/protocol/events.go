package protocol

// Event names pushed from the agent runtime to the gateway.
const (
	EventAgent = "agent" // run lifecycle, payload AgentEventPayload
	EventChat  = "chat"  // run output, payload ChatEventPayload

	// EventChannelSend asks the gateway to push a proactive message through a
	// channel outside any run. Payload ChannelSendPayload.
	EventChannelSend = "channel.send"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk   = "chunk"   // partial text, appended to the stream
	ChatEventMessage = "message" // a complete reply unit (text and/or media)
)

// AgentEventPayload is the payload of EventAgent.
type AgentEventPayload struct {
	Type  string `json:"type"`
	RunID string `json:"runId"`
	Error string `json:"error,omitempty"`
}

// ChatEventPayload is the payload of EventChat.
type ChatEventPayload struct {
	Type     string   `json:"type"`
	RunID    string   `json:"runId"`
	Content  string   `json:"content,omitempty"`
	MediaURL []string `json:"mediaUrls,omitempty"`
}

// ChannelSendPayload is the payload of EventChannelSend.
type ChannelSendPayload struct {
	Channel   string   `json:"channel"`
	AccountID string   `json:"accountId,omitempty"`
	To        string   `json:"to"`
	Content   string   `json:"content,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}
