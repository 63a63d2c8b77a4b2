package protocol

// Request actions.
const (
	ActionListTools = "list_tools"
	ActionCallTool  = "call_tool"
	ActionChat      = "chat"
)

// Event kinds used on the relay network.
const (
	KindTextNote               = 1
	KindEncryptedDirectMessage = 4
)

// Tag keys.
const (
	TagPubKey = "p"
	TagTopic  = "t"
	TagRelay  = "r"
)

const (
	DefaultToolDiscoveryTag  = "agentrelay-mcp"
	DefaultAgentDiscoveryTag = "agentrelay-agent"
)
