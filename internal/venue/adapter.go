package venue

import (
	"encoding/json"
	"strconv"
	"strings"

	"footprint-systemv1/internal/model"
)

// adapter holds the per-venue wire details: stream naming, subscribe frame
// shape and trade frame parsing. Venues are a small fixed set selected by
// tag, not an open plugin interface.
type adapter struct {
	streamName       func(symbol string) string
	subscribeFrame   func(streams []string, id int64) any
	unsubscribeFrame func(streams []string, id int64) any
	parse            func(raw []byte) []*model.Trade
}

func adapterFor(v model.Venue) adapter {
	switch v {
	case model.VenueBybit:
		return bybitAdapter
	case model.VenueOKX:
		return okxAdapter
	default:
		return binanceAdapter
	}
}

// ---- Binance futures ----

// binanceAggTrade is the aggTrade event payload.
type binanceAggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// binanceEnvelope is the combined-stream wrapper; raw /ws frames have no
// wrapper, so Stream stays empty for those.
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceControl struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

var binanceAdapter = adapter{
	streamName: func(symbol string) string {
		return strings.ToLower(symbol) + "@aggTrade"
	},
	subscribeFrame: func(streams []string, id int64) any {
		return binanceControl{Method: "SUBSCRIBE", Params: streams, ID: id}
	},
	unsubscribeFrame: func(streams []string, id int64) any {
		return binanceControl{Method: "UNSUBSCRIBE", Params: streams, ID: id}
	},
	parse: func(raw []byte) []*model.Trade {
		var env binanceEnvelope
		if err := json.Unmarshal(raw, &env); err == nil && env.Stream != "" {
			raw = env.Data
		}
		var ev binanceAggTrade
		if err := json.Unmarshal(raw, &ev); err != nil || ev.EventType != "aggTrade" {
			return nil
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return nil
		}
		qty, err := strconv.ParseFloat(ev.Quantity, 64)
		if err != nil {
			return nil
		}
		return []*model.Trade{{
			Venue:        model.VenueBinance,
			Symbol:       ev.Symbol,
			TradeID:      ev.AggID,
			EventTime:    ev.EventTime,
			TradeTime:    ev.TradeTime,
			Price:        price,
			PriceStr:     ev.Price,
			Quantity:     qty,
			IsBuyerMaker: ev.IsBuyerMaker,
		}}
	},
}

// ---- Bybit linear perpetuals ----

type bybitTradeFrame struct {
	Topic string `json:"topic"`
	Data  []struct {
		TradeTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Side      string `json:"S"` // "Buy" = taker bought
		Size      string `json:"v"`
		Price     string `json:"p"`
		ExecID    string `json:"i"`
	} `json:"data"`
}

type bybitControl struct {
	Op    string   `json:"op"`
	Args  []string `json:"args"`
	ReqID string   `json:"req_id,omitempty"`
}

var bybitAdapter = adapter{
	streamName: func(symbol string) string {
		return "publicTrade." + strings.ToUpper(symbol)
	},
	subscribeFrame: func(streams []string, id int64) any {
		return bybitControl{Op: "subscribe", Args: streams, ReqID: strconv.FormatInt(id, 10)}
	},
	unsubscribeFrame: func(streams []string, id int64) any {
		return bybitControl{Op: "unsubscribe", Args: streams, ReqID: strconv.FormatInt(id, 10)}
	},
	parse: func(raw []byte) []*model.Trade {
		var frame bybitTradeFrame
		if err := json.Unmarshal(raw, &frame); err != nil || !strings.HasPrefix(frame.Topic, "publicTrade.") {
			return nil
		}
		trades := make([]*model.Trade, 0, len(frame.Data))
		for _, d := range frame.Data {
			price, err := strconv.ParseFloat(d.Price, 64)
			if err != nil {
				continue
			}
			qty, err := strconv.ParseFloat(d.Size, 64)
			if err != nil {
				continue
			}
			// Bybit exec ids are numeric on linear contracts; fall back to
			// the exchange timestamp when they are not.
			id, err := strconv.ParseInt(d.ExecID, 10, 64)
			if err != nil {
				id = d.TradeTime
			}
			trades = append(trades, &model.Trade{
				Venue:        model.VenueBybit,
				Symbol:       d.Symbol,
				TradeID:      id,
				EventTime:    d.TradeTime,
				TradeTime:    d.TradeTime,
				Price:        price,
				PriceStr:     d.Price,
				Quantity:     qty,
				IsBuyerMaker: d.Side == "Sell", // taker sold = buyer was maker
			})
		}
		return trades
	},
}

// ---- OKX ----

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxControl struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

type okxTradeFrame struct {
	Arg  okxArg `json:"arg"`
	Data []struct {
		InstID    string `json:"instId"`
		TradeID   string `json:"tradeId"`
		Price     string `json:"px"`
		Size      string `json:"sz"`
		Side      string `json:"side"` // taker side
		Timestamp string `json:"ts"`
	} `json:"data"`
}

var okxAdapter = adapter{
	streamName: func(symbol string) string {
		return strings.ToUpper(symbol)
	},
	subscribeFrame: func(streams []string, _ int64) any {
		args := make([]okxArg, len(streams))
		for i, s := range streams {
			args[i] = okxArg{Channel: "trades", InstID: s}
		}
		return okxControl{Op: "subscribe", Args: args}
	},
	unsubscribeFrame: func(streams []string, _ int64) any {
		args := make([]okxArg, len(streams))
		for i, s := range streams {
			args[i] = okxArg{Channel: "trades", InstID: s}
		}
		return okxControl{Op: "unsubscribe", Args: args}
	},
	parse: func(raw []byte) []*model.Trade {
		var frame okxTradeFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Arg.Channel != "trades" {
			return nil
		}
		trades := make([]*model.Trade, 0, len(frame.Data))
		for _, d := range frame.Data {
			price, err := strconv.ParseFloat(d.Price, 64)
			if err != nil {
				continue
			}
			qty, err := strconv.ParseFloat(d.Size, 64)
			if err != nil {
				continue
			}
			id, _ := strconv.ParseInt(d.TradeID, 10, 64)
			ts, _ := strconv.ParseInt(d.Timestamp, 10, 64)
			trades = append(trades, &model.Trade{
				Venue:        model.VenueOKX,
				Symbol:       d.InstID,
				TradeID:      id,
				EventTime:    ts,
				TradeTime:    ts,
				Price:        price,
				PriceStr:     d.Price,
				Quantity:     qty,
				IsBuyerMaker: d.Side == "sell",
			})
		}
		return trades
	},
}
