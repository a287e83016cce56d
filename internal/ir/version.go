package ir

// Version constants for persisted records and the agent.
const (
	// RecordVersion is the schema version of queue payloads and pending records.
	RecordVersion = "1"

	// AgentVersion is the readsync agent version.
	AgentVersion = "0.3.0"
)
