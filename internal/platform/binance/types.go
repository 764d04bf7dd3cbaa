// Package binance implements the venue adapter for Binance USDT-margined
// perpetuals. Binance is an algo-separate venue: protective trigger orders
// live in a conditional queue that the standard open-orders endpoint does
// not return, so order visibility always merges both queues.
package binance

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// apiError is the error payload returned with non-2xx statuses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol     string       `json:"symbol"`
	Status     string       `json:"status"`
	QuoteAsset string       `json:"quoteAsset"`
	BaseAsset  string       `json:"baseAsset"`
	Filters    []filterInfo `json:"filters"`
}

type filterInfo struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	Notional   string `json:"notional"`
}

type leverageBracketInfo struct {
	Symbol   string `json:"symbol"`
	Brackets []struct {
		Bracket         int `json:"bracket"`
		InitialLeverage int `json:"initialLeverage"`
	} `json:"brackets"`
}

type priceTickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

type premiumIndexResponse struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// algoOrderInfo is one entry from the conditional queue. Ids arrive as
// numbers or strings depending on endpoint version.
type algoOrderInfo struct {
	AlgoID        json.Number `json:"algoId"`
	ClientAlgoID  string      `json:"clientAlgoId"`
	Symbol        string      `json:"symbol"`
	Side          string      `json:"side"`
	AlgoType      string      `json:"algoType"`
	StopPrice     string      `json:"stopPrice"`
	Quantity      string      `json:"quantity"`
	ReduceOnly    bool        `json:"reduceOnly"`
	ClosePosition bool        `json:"closePosition"`
	BookTime      int64       `json:"bookTime"`
}

type positionRiskInfo struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type userTradeInfo struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	RealizedPnl     string `json:"realizedPnl"`
	Time            int64  `json:"time"`
}

type balanceInfo struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// parseDec tolerantly parses a decimal string; unset numeric fields arrive
// as "" or "0".
func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

// validIntervals is the kline interval set the venue accepts; engine
// timeframes are already in venue form.
var validIntervals = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {},
}

// normalizeStatus maps venue order statuses onto the shared vocabulary.
func normalizeStatus(s string) string {
	switch s {
	case "FILLED":
		return "FILLED"
	case "PARTIALLY_FILLED":
		return "PARTIALLY_FILLED"
	case "CANCELED", "EXPIRED":
		return "CANCELLED"
	case "REJECTED":
		return "REJECTED"
	default:
		return "NEW"
	}
}

func (o orderResponse) toAck() domain.OrderAck {
	return domain.OrderAck{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Status:        normalizeStatus(o.Status),
		FilledQty:     parseDec(o.ExecutedQty),
		AvgFillPrice:  parseDec(o.AvgPrice),
	}
}

func (o orderResponse) toOpenOrder(canonical string) domain.OpenOrder {
	kind := domain.OrderKindEntry
	switch {
	case strings.Contains(o.Type, "TAKE_PROFIT"):
		kind = domain.OrderKindTP
	case strings.Contains(o.Type, "STOP"):
		kind = domain.OrderKindSL
	case o.ReduceOnly:
		kind = domain.OrderKindUnknown
	}
	return domain.OpenOrder{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        canonical,
		Side:          domain.OrderSide(o.Side),
		Kind:          kind,
		Queue:         domain.QueueStandard,
		Qty:           parseDec(o.OrigQty),
		Price:         parseDec(o.Price),
		StopPrice:     parseDec(o.StopPrice),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     time.UnixMilli(o.Time).UTC(),
	}
}

func (a algoOrderInfo) toOpenOrder(canonical string) domain.OpenOrder {
	kind := domain.OrderKindUnknown
	switch {
	case strings.Contains(a.AlgoType, "TAKE_PROFIT"):
		kind = domain.OrderKindTP
	case strings.Contains(a.AlgoType, "STOP"):
		kind = domain.OrderKindSL
	}
	return domain.OpenOrder{
		OrderID:       a.AlgoID.String(),
		ClientOrderID: a.ClientAlgoID,
		Symbol:        canonical,
		Side:          domain.OrderSide(a.Side),
		Kind:          kind,
		Queue:         domain.QueueConditional,
		Qty:           parseDec(a.Quantity),
		StopPrice:     parseDec(a.StopPrice),
		ReduceOnly:    a.ReduceOnly || a.ClosePosition,
		CreatedAt:     time.UnixMilli(a.BookTime).UTC(),
	}
}

// toDomain converts a position-risk row. The venue signs the quantity to
// carry direction; domain positions keep quantity positive.
func (p positionRiskInfo) toDomain(canonical string) domain.ExchangePosition {
	amt := parseDec(p.PositionAmt)
	side := domain.SideLong
	if amt.IsNegative() {
		side = domain.SideShort
	}
	lev, _ := strconv.Atoi(p.Leverage)
	return domain.ExchangePosition{
		Symbol:        canonical,
		Side:          side,
		Qty:           amt.Abs(),
		EntryPrice:    parseDec(p.EntryPrice),
		MarkPrice:     parseDec(p.MarkPrice),
		Leverage:      lev,
		UnrealizedPnL: parseDec(p.UnRealizedProfit),
	}
}

func (t userTradeInfo) toFill(canonical string) domain.Fill {
	return domain.Fill{
		OrderID:  strconv.FormatInt(t.OrderID, 10),
		TradeID:  strconv.FormatInt(t.ID, 10),
		Symbol:   canonical,
		Side:     domain.OrderSide(t.Side),
		Qty:      parseDec(t.Qty),
		Price:    parseDec(t.Price),
		Fee:      parseDec(t.Commission),
		FeeAsset: t.CommissionAsset,
		// A fill that realized PnL reduced the position.
		ReduceOnly: !parseDec(t.RealizedPnl).IsZero(),
		Timestamp:  time.UnixMilli(t.Time).UTC(),
	}
}
