package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// ClientOrderID is the decoded form of an engine-generated client order id:
// {bot_|dry_}{VENUE}_{SYMBOL}_{SIDE}_{ts_ms}. The prefix marks ownership and
// environment so reconciliation can tell our orders from manual ones.
type ClientOrderID struct {
	Environment domain.Environment
	Venue       string
	Symbol      string // compact, e.g. BTCUSDT
	Side        domain.OrderSide
	Timestamp   time.Time
}

// BuildClientOrderID formats an id for a new order. The symbol is compacted
// so the id stays a single underscore-delimited token per field.
func BuildClientOrderID(env domain.Environment, venue, symbol string, side domain.OrderSide, ts time.Time) string {
	return fmt.Sprintf("%s%s_%s_%s_%d",
		env.ClientIDPrefix(),
		strings.ToUpper(venue),
		domain.CompactSymbol(symbol),
		side,
		ts.UnixMilli(),
	)
}

// ParseClientOrderID decodes an id produced by BuildClientOrderID. It
// returns false for ids the engine did not generate.
func ParseClientOrderID(id string) (ClientOrderID, bool) {
	var env domain.Environment
	switch {
	case strings.HasPrefix(id, "bot_"):
		env = domain.EnvLive
	case strings.HasPrefix(id, "dry_"):
		env = domain.EnvTest
	default:
		return ClientOrderID{}, false
	}

	parts := strings.Split(id[4:], "_")
	if len(parts) != 4 {
		return ClientOrderID{}, false
	}

	side := domain.OrderSide(parts[2])
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return ClientOrderID{}, false
	}

	ms, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || ms <= 0 {
		return ClientOrderID{}, false
	}

	return ClientOrderID{
		Environment: env,
		Venue:       parts[0],
		Symbol:      parts[1],
		Side:        side,
		Timestamp:   time.UnixMilli(ms).UTC(),
	}, true
}

// OwnedOrderID reports whether the id carries either engine prefix,
// without fully decoding it.
func OwnedOrderID(id string) bool {
	return strings.HasPrefix(id, "bot_") || strings.HasPrefix(id, "dry_")
}
