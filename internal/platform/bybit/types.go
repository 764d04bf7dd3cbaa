// Package bybit implements the venue adapter for Bybit V5 linear perpetuals.
// Bybit is a parent-child venue: SL/TP ride on the entry order and surface
// later as conditional orders in the StopOrder queue.
package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// response is the V5 envelope wrapped around every payload.
type response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

type instrumentsResult struct {
	List           []instrumentInfo `json:"list"`
	NextPageCursor string           `json:"nextPageCursor"`
}

type instrumentInfo struct {
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep          string `json:"qtyStep"`
		MinOrderQty      string `json:"minOrderQty"`
		MinNotionalValue string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
	LeverageFilter struct {
		MaxLeverage string `json:"maxLeverage"`
	} `json:"leverageFilter"`
}

type tickersResult struct {
	List []tickerInfo `json:"list"`
}

type tickerInfo struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	MarkPrice string `json:"markPrice"`
}

type klineResult struct {
	List [][]string `json:"list"`
}

type orderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type ordersResult struct {
	List           []orderInfo `json:"list"`
	NextPageCursor string      `json:"nextPageCursor"`
}

type orderInfo struct {
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	OrderStatus   string `json:"orderStatus"`
	StopOrderType string `json:"stopOrderType"`
	Qty           string `json:"qty"`
	Price         string `json:"price"`
	TriggerPrice  string `json:"triggerPrice"`
	AvgPrice      string `json:"avgPrice"`
	CumExecQty    string `json:"cumExecQty"`
	ReduceOnly    bool   `json:"reduceOnly"`
	CreatedTime   string `json:"createdTime"`
}

type positionsResult struct {
	List []positionInfo `json:"list"`
}

type positionInfo struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	Leverage      string `json:"leverage"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

type executionsResult struct {
	List []executionInfo `json:"list"`
}

type executionInfo struct {
	ExecID     string `json:"execId"`
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	ExecQty    string `json:"execQty"`
	ExecPrice  string `json:"execPrice"`
	ExecFee    string `json:"execFee"`
	ExecTime   string `json:"execTime"`
	ClosedSize string `json:"closedSize"`
}

type walletResult struct {
	List []struct {
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
		Coin                  []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
		} `json:"coin"`
	} `json:"list"`
}

// parseDec tolerantly parses a V5 decimal string; Bybit sends "" for unset
// numeric fields.
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

// parseMillis parses a millisecond-epoch string timestamp.
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// intervals maps engine timeframes to V5 kline intervals.
var intervals = map[string]string{
	"1m":  "1",
	"3m":  "3",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"2h":  "120",
	"4h":  "240",
	"6h":  "360",
	"12h": "720",
	"1d":  "D",
	"1w":  "W",
}

// normalizeStatus maps V5 order statuses onto the shared vocabulary.
func normalizeStatus(s string) string {
	switch s {
	case "Filled":
		return "FILLED"
	case "PartiallyFilled":
		return "PARTIALLY_FILLED"
	case "Cancelled", "Deactivated":
		return "CANCELLED"
	case "Rejected":
		return "REJECTED"
	default:
		// New, Untriggered, Triggered and friends are all still working.
		return "NEW"
	}
}

// classifyOrder derives the lifecycle role of an open order from V5 fields.
func classifyOrder(o orderInfo) domain.OrderKind {
	switch {
	case strings.Contains(o.StopOrderType, "TakeProfit"):
		return domain.OrderKindTP
	case strings.Contains(o.StopOrderType, "StopLoss"), o.StopOrderType == "Stop":
		return domain.OrderKindSL
	case o.TriggerPrice != "" && o.TriggerPrice != "0":
		return domain.OrderKindUnknown
	case !o.ReduceOnly:
		return domain.OrderKindEntry
	default:
		return domain.OrderKindUnknown
	}
}

func (o orderInfo) toOpenOrder(canonical string) domain.OpenOrder {
	queue := domain.QueueStandard
	if o.StopOrderType != "" || (o.TriggerPrice != "" && o.TriggerPrice != "0") {
		queue = domain.QueueConditional
	}
	side := domain.OrderSideBuy
	if o.Side == "Sell" {
		side = domain.OrderSideSell
	}
	return domain.OpenOrder{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        canonical,
		Side:          side,
		Kind:          classifyOrder(o),
		Queue:         queue,
		Qty:           parseDec(o.Qty),
		Price:         parseDec(o.Price),
		StopPrice:     parseDec(o.TriggerPrice),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     parseMillis(o.CreatedTime),
	}
}

func (o orderInfo) toAck() domain.OrderAck {
	return domain.OrderAck{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Status:        normalizeStatus(o.OrderStatus),
		FilledQty:     parseDec(o.CumExecQty),
		AvgFillPrice:  parseDec(o.AvgPrice),
	}
}

func (p positionInfo) toDomain(canonical string) domain.ExchangePosition {
	side := domain.SideLong
	if p.Side == "Sell" {
		side = domain.SideShort
	}
	lev, _ := strconv.ParseFloat(p.Leverage, 64)
	return domain.ExchangePosition{
		Symbol:        canonical,
		Side:          side,
		Qty:           parseDec(p.Size),
		EntryPrice:    parseDec(p.AvgPrice),
		MarkPrice:     parseDec(p.MarkPrice),
		Leverage:      int(lev),
		UnrealizedPnL: parseDec(p.UnrealisedPnl),
	}
}

func (e executionInfo) toFill(canonical string) domain.Fill {
	side := domain.OrderSideBuy
	if e.Side == "Sell" {
		side = domain.OrderSideSell
	}
	return domain.Fill{
		OrderID:    e.OrderID,
		TradeID:    e.ExecID,
		Symbol:     canonical,
		Side:       side,
		Qty:        parseDec(e.ExecQty),
		Price:      parseDec(e.ExecPrice),
		Fee:        parseDec(e.ExecFee),
		FeeAsset:   "USDT",
		ReduceOnly: parseDec(e.ClosedSize).GreaterThan(decimal.Zero),
		Timestamp:  parseMillis(e.ExecTime),
	}
}
