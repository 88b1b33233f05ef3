// Package codec serializes footprint candles into the period-file record
// formats. Each record payload starts with a 4-byte magic selecting the
// codec; the remainder is an LZ4 frame wrapping a FlatBuffer table. The
// FlatBuffer tables are built and read directly against the runtime with a
// fixed slot layout, so no generated schema code is required.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/pierrec/lz4/v4"

	"footprint-systemv1/internal/model"
)

// Kind identifies which record codec produced a payload.
type Kind int

const (
	KindFull       Kind = iota // FTCF: OHLCV + aggregations
	KindCandleOnly             // FTCO: OHLCV, no aggregations
	KindFootprint              // FTFO: aggregations, no OHLCV
	KindLegacyJSON             // newline-delimited JSON (legacy files)
)

var (
	MagicFull       = [4]byte{'F', 'T', 'C', 'F'}
	MagicCandleOnly = [4]byte{'F', 'T', 'C', 'O'}
	MagicFootprint  = [4]byte{'F', 'T', 'F', 'O'}
)

// Candle table slot layout. Slot i lives at vtable offset 4 + 2*i.
const (
	slotOpenTime = iota
	slotCloseTime
	slotOpen
	slotHigh
	slotLow
	slotClose
	slotVolume
	slotBuyVolume
	slotSellVolume
	slotQuoteVolume
	slotBuyQuote
	slotSellQuote
	slotDelta
	slotDeltaMin
	slotDeltaMax
	slotTradeCount
	slotFirstTradeID
	slotLastTradeID
	slotComplete
	slotVenue
	slotSymbol
	slotInterval
	slotBins
	numCandleSlots
)

// Bin table slot layout.
const (
	binSlotIndex = iota
	binSlotVolume
	binSlotBuyVolume
	binSlotSellVolume
	binSlotBuyQuote
	binSlotSellQuote
	numBinSlots
)

func voff(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}

// EncodeFull serializes the complete candle (OHLCV + bins) as an FTCF record payload.
func EncodeFull(c *model.FootprintCandle) ([]byte, error) {
	return encode(c, MagicFull, true, true)
}

// EncodeCandleOnly serializes OHLCV without aggregations as an FTCO record payload.
func EncodeCandleOnly(c *model.FootprintCandle) ([]byte, error) {
	return encode(c, MagicCandleOnly, true, false)
}

// EncodeFootprintOnly serializes the aggregations without OHLCV as an FTFO record payload.
func EncodeFootprintOnly(c *model.FootprintCandle) ([]byte, error) {
	return encode(c, MagicFootprint, false, true)
}

func encode(c *model.FootprintCandle, magic [4]byte, withOHLCV, withBins bool) ([]byte, error) {
	b := flatbuffers.NewBuilder(1024)

	venueOff := b.CreateString(string(c.Venue))
	symbolOff := b.CreateString(c.Symbol)
	intervalOff := b.CreateString(c.Interval)

	var binsOff flatbuffers.UOffsetT
	if withBins && len(c.Bins) > 0 {
		// Deterministic bin order so identical candles serialize identically.
		idxs := make([]int64, 0, len(c.Bins))
		for idx := range c.Bins {
			idxs = append(idxs, idx)
		}
		sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

		binOffs := make([]flatbuffers.UOffsetT, len(idxs))
		for i, idx := range idxs {
			bin := c.Bins[idx]
			b.StartObject(numBinSlots)
			b.PrependInt64Slot(binSlotIndex, idx, 0)
			b.PrependFloat64Slot(binSlotVolume, bin.Volume, 0)
			b.PrependFloat64Slot(binSlotBuyVolume, bin.BuyVolume, 0)
			b.PrependFloat64Slot(binSlotSellVolume, bin.SellVolume, 0)
			b.PrependFloat64Slot(binSlotBuyQuote, bin.BuyQuote, 0)
			b.PrependFloat64Slot(binSlotSellQuote, bin.SellQuote, 0)
			binOffs[i] = b.EndObject()
		}

		b.StartVector(flatbuffers.SizeUOffsetT, len(binOffs), flatbuffers.SizeUOffsetT)
		for i := len(binOffs) - 1; i >= 0; i-- {
			b.PrependUOffsetT(binOffs[i])
		}
		binsOff = b.EndVector(len(binOffs))
	}

	b.StartObject(numCandleSlots)
	b.PrependInt64Slot(slotOpenTime, c.OpenTime, 0)
	b.PrependInt64Slot(slotCloseTime, c.CloseTime, 0)
	if withOHLCV {
		b.PrependFloat64Slot(slotOpen, c.Open, 0)
		b.PrependFloat64Slot(slotHigh, c.High, 0)
		b.PrependFloat64Slot(slotLow, c.Low, 0)
		b.PrependFloat64Slot(slotClose, c.Close, 0)
		b.PrependFloat64Slot(slotVolume, c.Volume, 0)
		b.PrependFloat64Slot(slotBuyVolume, c.BuyVolume, 0)
		b.PrependFloat64Slot(slotSellVolume, c.SellVolume, 0)
		b.PrependFloat64Slot(slotQuoteVolume, c.QuoteVolume, 0)
		b.PrependFloat64Slot(slotBuyQuote, c.BuyQuote, 0)
		b.PrependFloat64Slot(slotSellQuote, c.SellQuote, 0)
		b.PrependFloat64Slot(slotDelta, c.Delta, 0)
		b.PrependFloat64Slot(slotDeltaMin, c.DeltaMin, 0)
		b.PrependFloat64Slot(slotDeltaMax, c.DeltaMax, 0)
		b.PrependInt64Slot(slotTradeCount, c.TradeCount, 0)
		b.PrependInt64Slot(slotFirstTradeID, c.FirstTradeID, 0)
		b.PrependInt64Slot(slotLastTradeID, c.LastTradeID, 0)
		b.PrependBoolSlot(slotComplete, c.Complete, false)
	}
	b.PrependUOffsetTSlot(slotVenue, venueOff, 0)
	b.PrependUOffsetTSlot(slotSymbol, symbolOff, 0)
	b.PrependUOffsetTSlot(slotInterval, intervalOff, 0)
	if binsOff != 0 {
		b.PrependUOffsetTSlot(slotBins, binsOff, 0)
	}
	b.Finish(b.EndObject())

	compressed, err := compress(b.FinishedBytes())
	if err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}

	payload := make([]byte, 0, 4+len(compressed))
	payload = append(payload, magic[:]...)
	payload = append(payload, compressed...)
	return payload, nil
}

// DecodeRecord detects the payload magic and decodes the candle. The
// returned Kind tells the caller which fields are populated.
func DecodeRecord(payload []byte) (*model.FootprintCandle, Kind, error) {
	if len(payload) < 4 {
		return nil, 0, fmt.Errorf("codec: record payload too short (%d bytes)", len(payload))
	}
	if payload[0] == '{' {
		c, err := DecodeLegacyJSON(payload)
		return c, KindLegacyJSON, err
	}

	var kind Kind
	switch {
	case bytes.Equal(payload[:4], MagicFull[:]):
		kind = KindFull
	case bytes.Equal(payload[:4], MagicCandleOnly[:]):
		kind = KindCandleOnly
	case bytes.Equal(payload[:4], MagicFootprint[:]):
		kind = KindFootprint
	default:
		return nil, 0, fmt.Errorf("codec: unknown record magic %q", payload[:4])
	}

	raw, err := decompress(payload[4:])
	if err != nil {
		return nil, kind, fmt.Errorf("codec: decompress: %w", err)
	}
	c, err := decodeTable(raw)
	if err != nil {
		return nil, kind, err
	}
	return c, kind, nil
}

func decodeTable(buf []byte) (*model.FootprintCandle, error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("codec: flatbuffer truncated")
	}
	tab := flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}

	c := &model.FootprintCandle{
		OpenTime:     tab.GetInt64Slot(voff(slotOpenTime), 0),
		CloseTime:    tab.GetInt64Slot(voff(slotCloseTime), 0),
		Open:         tab.GetFloat64Slot(voff(slotOpen), 0),
		High:         tab.GetFloat64Slot(voff(slotHigh), 0),
		Low:          tab.GetFloat64Slot(voff(slotLow), 0),
		Close:        tab.GetFloat64Slot(voff(slotClose), 0),
		Volume:       tab.GetFloat64Slot(voff(slotVolume), 0),
		BuyVolume:    tab.GetFloat64Slot(voff(slotBuyVolume), 0),
		SellVolume:   tab.GetFloat64Slot(voff(slotSellVolume), 0),
		QuoteVolume:  tab.GetFloat64Slot(voff(slotQuoteVolume), 0),
		BuyQuote:     tab.GetFloat64Slot(voff(slotBuyQuote), 0),
		SellQuote:    tab.GetFloat64Slot(voff(slotSellQuote), 0),
		Delta:        tab.GetFloat64Slot(voff(slotDelta), 0),
		DeltaMin:     tab.GetFloat64Slot(voff(slotDeltaMin), 0),
		DeltaMax:     tab.GetFloat64Slot(voff(slotDeltaMax), 0),
		TradeCount:   tab.GetInt64Slot(voff(slotTradeCount), 0),
		FirstTradeID: tab.GetInt64Slot(voff(slotFirstTradeID), 0),
		LastTradeID:  tab.GetInt64Slot(voff(slotLastTradeID), 0),
		Complete:     tab.GetBoolSlot(voff(slotComplete), false),
	}
	if o := tab.Offset(voff(slotVenue)); o != 0 {
		c.Venue = model.Venue(tab.String(flatbuffers.UOffsetT(o) + tab.Pos))
	}
	if o := tab.Offset(voff(slotSymbol)); o != 0 {
		c.Symbol = tab.String(flatbuffers.UOffsetT(o) + tab.Pos)
	}
	if o := tab.Offset(voff(slotInterval)); o != 0 {
		c.Interval = tab.String(flatbuffers.UOffsetT(o) + tab.Pos)
	}

	if o := tab.Offset(voff(slotBins)); o != 0 {
		n := tab.VectorLen(flatbuffers.UOffsetT(o))
		base := tab.Vector(flatbuffers.UOffsetT(o))
		c.Bins = make(map[int64]*model.PriceBin, n)
		for j := 0; j < n; j++ {
			pos := tab.Indirect(base + flatbuffers.UOffsetT(j)*flatbuffers.SizeUOffsetT)
			bt := flatbuffers.Table{Bytes: buf, Pos: pos}
			idx := bt.GetInt64Slot(voff(binSlotIndex), 0)
			c.Bins[idx] = &model.PriceBin{
				Volume:     bt.GetFloat64Slot(voff(binSlotVolume), 0),
				BuyVolume:  bt.GetFloat64Slot(voff(binSlotBuyVolume), 0),
				SellVolume: bt.GetFloat64Slot(voff(binSlotSellVolume), 0),
				BuyQuote:   bt.GetFloat64Slot(voff(binSlotBuyQuote), 0),
				SellQuote:  bt.GetFloat64Slot(voff(binSlotSellQuote), 0),
			}
		}
	}
	return c, nil
}

// DecodeLegacyJSON decodes one line of a legacy newline-delimited JSON file.
func DecodeLegacyJSON(line []byte) (*model.FootprintCandle, error) {
	var c model.FootprintCandle
	if err := json.Unmarshal(line, &c); err != nil {
		return nil, fmt.Errorf("codec: legacy json: %w", err)
	}
	return &c, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
