package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeframeAdopted marks positions discovered on the venue and brought under
// management; they never belong to a configured slot timeframe.
const TimeframeAdopted = "ADOPTED"

// PosKey is the stable slot identifier used as a Position's business key:
//
//	P{profile_id}_{EXCHANGE}_{BASE}_{QUOTE}_{TIMEFRAME}
//
// At most one ACTIVE or PENDING Position may exist per key.
type PosKey string

// BuildPosKey derives the slot key from its parts. Symbol is canonical
// ("BTC/USDT"); exchange names are uppercased.
func BuildPosKey(profileID int64, exchange, symbol, timeframe string) PosKey {
	base, quote := SplitSymbol(symbol)
	return PosKey(fmt.Sprintf("P%d_%s_%s_%s_%s",
		profileID, strings.ToUpper(exchange), base, quote, timeframe))
}

// PosKeyParts is the decomposed form of a PosKey.
type PosKeyParts struct {
	ProfileID int64
	Exchange  string
	Base      string
	Quote     string
	Timeframe string
}

// Symbol reassembles the canonical symbol ("BTC/USDT").
func (p PosKeyParts) Symbol() string {
	return p.Base + "/" + p.Quote
}

// Parse decomposes the key. Adopted keys parse like any other; their
// timeframe is TimeframeAdopted.
func (k PosKey) Parse() (PosKeyParts, error) {
	fields := strings.Split(string(k), "_")
	if len(fields) != 5 || !strings.HasPrefix(fields[0], "P") {
		return PosKeyParts{}, fmt.Errorf("domain: malformed pos_key %q", k)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(fields[0], "P"), 10, 64)
	if err != nil {
		return PosKeyParts{}, fmt.Errorf("domain: pos_key %q profile id: %w", k, err)
	}
	return PosKeyParts{
		ProfileID: id,
		Exchange:  fields[1],
		Base:      fields[2],
		Quote:     fields[3],
		Timeframe: fields[4],
	}, nil
}

// SplitSymbol splits a canonical "BASE/QUOTE" symbol. Inputs without a
// separator are treated as base with a USDT quote, matching venue defaults.
func SplitSymbol(symbol string) (base, quote string) {
	if i := strings.IndexByte(symbol, '/'); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, "USDT"
}

// CompactSymbol strips the separator ("BTC/USDT" -> "BTCUSDT") for use in
// identifiers where '/' is not allowed.
func CompactSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}
