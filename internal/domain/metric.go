package domain

// PriceMetric is one immutable market observation for a token.
// Corresponds to the price_metrics table in ClickHouse.
// Identity is (token_id, timestamp_ms); re-ingesting the same snapshot must
// not produce a second row.
type PriceMetric struct {
	TokenID        int64
	TimestampMs    int64  // observation time, taken from the snapshot fetch time
	PairAddress    string // pool/pair the values were read from
	PriceNative    float64
	PriceUSD       float64
	TxnsBuys       int
	TxnsSells      int
	Volume         float64 // 24h volume USD
	LiquidityBase  float64
	LiquidityQuote float64
	LiquidityUSD   float64
	FDV            float64
	MarketCap      float64
	SnapshotID     string // back-reference to the RawMarketSnapshot
}
