package market

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// PairsResponse is the top-level payload returned by the upstream
// token endpoint. Pairs may be null when nothing is listed.
type PairsResponse struct {
	Pairs []Pair `json:"pairs"`
}

// Pair describes one trading pair for a token.
type Pair struct {
	ChainID       string     `json:"chainId"`
	DexID         string     `json:"dexId"`
	PairAddress   string     `json:"pairAddress"`
	BaseToken     TokenRef   `json:"baseToken"`
	QuoteToken    TokenRef   `json:"quoteToken"`
	PriceNative   Decimal    `json:"priceNative"`
	PriceUSD      Decimal    `json:"priceUsd"`
	Txns          TxnWindows `json:"txns"`
	Volume        Volume     `json:"volume"`
	Liquidity     Liquidity  `json:"liquidity"`
	FDV           Decimal    `json:"fdv"`
	MarketCap     Decimal    `json:"marketCap"`
	PairCreatedAt int64      `json:"pairCreatedAt"`
}

// TokenRef identifies one side of a pair.
type TokenRef struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// TxnWindows holds transaction counts per time window.
type TxnWindows struct {
	H24 TxnCounts `json:"h24"`
}

// TxnCounts splits a window into buys and sells.
type TxnCounts struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// Volume holds traded volume per time window in USD.
type Volume struct {
	H24 Decimal `json:"h24"`
}

// Liquidity holds pool liquidity figures.
type Liquidity struct {
	USD   Decimal `json:"usd"`
	Base  Decimal `json:"base"`
	Quote Decimal `json:"quote"`
}

// Decimal is a float64 that unmarshals from either a JSON number or a
// string. The upstream API returns prices as strings ("0.00001234")
// and volumes as numbers, sometimes with currency formatting.
type Decimal float64

func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.ReplaceAll(s, ",", "")
		s = strings.ReplaceAll(s, "$", "")
		s = strings.TrimSpace(s)
		if s == "" {
			*d = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			// Unparseable values degrade to zero rather than
			// failing the whole snapshot.
			*d = 0
			return nil
		}
		*d = Decimal(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*d = Decimal(f)
	return nil
}

// ParsePairs decodes a raw snapshot payload. A null or absent pairs
// array decodes to an empty slice.
func ParsePairs(payload []byte) ([]Pair, error) {
	var resp PairsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return resp.Pairs, nil
}
