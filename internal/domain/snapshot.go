package domain

// RawMarketSnapshot is one upstream API response staged in the buffer store.
// Corresponds to the raw_market_snapshots table in PostgreSQL.
// Written exactly once by the market-data client; the processed flag is
// flipped exactly once by the ingestion transformer. No other writers.
type RawMarketSnapshot struct {
	SnapshotID     string   // PRIMARY KEY, uuid
	Chain          string   // chain the batch was requested for
	TokenAddresses []string // contract addresses included in the request
	Payload        []byte   // raw response body
	Processed      bool
	FetchedAt      int64 // Unix timestamp in milliseconds
}
