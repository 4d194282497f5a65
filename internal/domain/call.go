package domain

// TokenCall is an immutable record of a token being called in a monitored
// group at a price and time. Corresponds to the token_calls table.
// Write-once; owned by the chat-ingestion collaborator, read by diagnostics.
type TokenCall struct {
	CallID        int64  // PRIMARY KEY, serial
	TokenID       int64
	MessageRef    string // reference to the originating message
	CallPrice     float64
	CallTimestamp int64 // Unix timestamp in milliseconds
}
