package protocol

// RPC method name constants.
const (
	MethodConnect  = "connect"
	MethodAgentRun = "agent.run"
	MethodHealth   = "health"
)

// ConnectParams are the params of MethodConnect.
type ConnectParams struct {
	Token    string `json:"token,omitempty"`
	Client   string `json:"client"`
	Version  string `json:"version,omitempty"`
	Protocol int    `json:"protocol"`
}

// AgentRunParams are the params of MethodAgentRun: one conversational turn.
type AgentRunParams struct {
	RunID      string   `json:"runId"`
	AgentID    string   `json:"agentId"`
	SessionKey string   `json:"sessionKey"`
	Channel    string   `json:"channel"`
	AccountID  string   `json:"accountId"`
	PeerKind   string   `json:"peerKind"`
	ChatID     string   `json:"chatId"`
	SenderID   string   `json:"senderId"`
	Message    string   `json:"message"`
	RawMessage string   `json:"rawMessage,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
	MediaPath  string   `json:"mediaPath,omitempty"`
	MediaType  string   `json:"mediaType,omitempty"`
}

// AgentRunResult is the payload of a successful MethodAgentRun response.
type AgentRunResult struct {
	RunID   string `json:"runId"`
	Content string `json:"content,omitempty"` // final text, if not already streamed as chat events
}
