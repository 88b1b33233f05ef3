package codec

import (
	"math"
	"testing"

	"footprint-systemv1/internal/model"
)

// sampleCandle builds a valid complete 1m candle with nBins footprint bins.
func sampleCandle(nBins int) *model.FootprintCandle {
	c := &model.FootprintCandle{
		Venue:        model.VenueBinance,
		Symbol:       "BTCUSDT",
		Interval:     "1m",
		OpenTime:     1700000000000 - 1700000000000%60000,
		Open:         42000.5,
		High:         42101.25,
		Low:          41999.75,
		Close:        42050.0,
		TradeCount:   321,
		FirstTradeID: 9001,
		LastTradeID:  9321,
		Complete:     true,
	}
	c.CloseTime = c.OpenTime + 60000 - 1
	for i := 0; i < nBins; i++ {
		bv := float64(i) * 0.25
		sv := float64(i) * 0.125
		*c.Bin(int64(420000 + i)) = model.PriceBin{
			Volume:     bv + sv,
			BuyVolume:  bv,
			SellVolume: sv,
			BuyQuote:   bv * 42000,
			SellQuote:  sv * 42000,
		}
		c.BuyVolume += bv
		c.SellVolume += sv
		c.BuyQuote += bv * 42000
		c.SellQuote += sv * 42000
	}
	c.Volume = c.BuyVolume + c.SellVolume
	c.QuoteVolume = c.BuyQuote + c.SellQuote
	c.Delta = c.BuyVolume - c.SellVolume
	c.DeltaMax = c.Delta
	c.DeltaMin = -0.5
	return c
}

func TestSampleCandleValid(t *testing.T) {
	if err := Validate(sampleCandle(5)); err != nil {
		t.Fatalf("sample candle should validate: %v", err)
	}
}

func TestRoundTrip_Full(t *testing.T) {
	c := sampleCandle(50)
	payload, err := EncodeFull(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload[:4]) != "FTCF" {
		t.Fatalf("magic = %q, want FTCF", payload[:4])
	}

	got, kind, err := DecodeRecord(payload)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindFull {
		t.Fatalf("kind = %d, want KindFull", kind)
	}
	assertCandleEqual(t, c, got, true)
}

func TestRoundTrip_CandleOnly(t *testing.T) {
	c := sampleCandle(10)
	payload, err := EncodeCandleOnly(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload[:4]) != "FTCO" {
		t.Fatalf("magic = %q, want FTCO", payload[:4])
	}

	got, kind, err := DecodeRecord(payload)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindCandleOnly {
		t.Fatalf("kind = %d, want KindCandleOnly", kind)
	}
	if len(got.Bins) != 0 {
		t.Errorf("candle-only record carries %d bins", len(got.Bins))
	}
	assertCandleEqual(t, c, got, false)
}

func TestRoundTrip_FootprintOnly(t *testing.T) {
	c := sampleCandle(10)
	payload, err := EncodeFootprintOnly(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload[:4]) != "FTFO" {
		t.Fatalf("magic = %q, want FTFO", payload[:4])
	}

	got, kind, err := DecodeRecord(payload)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindFootprint {
		t.Fatalf("kind = %d, want KindFootprint", kind)
	}
	if got.OpenTime != c.OpenTime {
		t.Errorf("open-time = %d, want %d", got.OpenTime, c.OpenTime)
	}
	if got.Open != 0 || got.Volume != 0 {
		t.Errorf("footprint-only record carries OHLCV: o=%v v=%v", got.Open, got.Volume)
	}
	assertBinsEqual(t, c, got)
}

func TestDecode_UnknownMagic(t *testing.T) {
	if _, _, err := DecodeRecord([]byte("XXXXjunkjunk")); err == nil {
		t.Fatal("expected error for unknown magic")
	}
}

func TestDecode_LegacyJSON(t *testing.T) {
	c := sampleCandle(3)
	got, kind, err := DecodeRecord(c.JSON())
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindLegacyJSON {
		t.Fatalf("kind = %d, want KindLegacyJSON", kind)
	}
	assertCandleEqual(t, c, got, true)
}

func TestHeader_RoundTrip(t *testing.T) {
	h := NewHeader("BTCUSDT", "1m")
	h.Observe(1700000040000)
	h.Observe(1700000100000)
	h.Observe(1700000000000) // earlier record narrows FirstTS

	buf := h.Marshal()
	got, err := UnmarshalHeader(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 {
		t.Errorf("count = %d, want 3", got.Count)
	}
	if got.FirstTS != 1700000000000 || got.LastTS != 1700000100000 {
		t.Errorf("range = [%d, %d]", got.FirstTS, got.LastTS)
	}
	if got.Symbol != "BTCUSDT" || got.Interval != "1m" {
		t.Errorf("symbol/interval = %q/%q", got.Symbol, got.Interval)
	}
}

func TestHeader_BadMagic(t *testing.T) {
	var buf [HeaderSize]byte
	copy(buf[:], "NOPE")
	if _, err := UnmarshalHeader(buf[:]); err == nil {
		t.Fatal("expected bad-magic error")
	}
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	c := sampleCandle(2)
	c.Open = c.High + 1 // open above high
	c.Volume += 1       // volume identity broken
	c.OpenTime += 7     // off the grid
	err := Validate(c)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type %T, want *ValidationError", err)
	}
	if len(ve.Rules) < 3 {
		t.Errorf("expected >=3 violated rules, got %d: %v", len(ve.Rules), ve.Rules)
	}
}

func TestValidate_DeltaIdentity(t *testing.T) {
	c := sampleCandle(2)
	c.Delta += 1e-6
	if Validate(c) == nil {
		t.Fatal("expected delta identity violation")
	}
	c = sampleCandle(2)
	c.Delta += 1e-10 // inside tolerance
	if err := Validate(c); err != nil {
		t.Fatalf("tolerance should absorb 1e-10: %v", err)
	}
}

func assertCandleEqual(t *testing.T, want, got *model.FootprintCandle, withBins bool) {
	t.Helper()
	if got.Venue != want.Venue || got.Symbol != want.Symbol || got.Interval != want.Interval {
		t.Errorf("identity mismatch: %s %s %s", got.Venue, got.Symbol, got.Interval)
	}
	if got.OpenTime != want.OpenTime || got.CloseTime != want.CloseTime {
		t.Errorf("times = (%d, %d), want (%d, %d)", got.OpenTime, got.CloseTime, want.OpenTime, want.CloseTime)
	}
	f64 := []struct {
		name      string
		got, want float64
	}{
		{"open", got.Open, want.Open}, {"high", got.High, want.High},
		{"low", got.Low, want.Low}, {"close", got.Close, want.Close},
		{"volume", got.Volume, want.Volume}, {"buy_volume", got.BuyVolume, want.BuyVolume},
		{"sell_volume", got.SellVolume, want.SellVolume}, {"quote_volume", got.QuoteVolume, want.QuoteVolume},
		{"delta", got.Delta, want.Delta}, {"delta_min", got.DeltaMin, want.DeltaMin},
		{"delta_max", got.DeltaMax, want.DeltaMax},
	}
	for _, f := range f64 {
		if f.got != f.want {
			t.Errorf("%s = %v, want %v (diff %v)", f.name, f.got, f.want, math.Abs(f.got-f.want))
		}
	}
	if got.TradeCount != want.TradeCount || got.FirstTradeID != want.FirstTradeID || got.LastTradeID != want.LastTradeID {
		t.Errorf("ids = (%d, %d, %d)", got.TradeCount, got.FirstTradeID, got.LastTradeID)
	}
	if got.Complete != want.Complete {
		t.Errorf("complete = %v, want %v", got.Complete, want.Complete)
	}
	if withBins {
		assertBinsEqual(t, want, got)
	}
}

func assertBinsEqual(t *testing.T, want, got *model.FootprintCandle) {
	t.Helper()
	if len(got.Bins) != len(want.Bins) {
		t.Fatalf("bin count = %d, want %d", len(got.Bins), len(want.Bins))
	}
	for idx, wb := range want.Bins {
		gb := got.Bins[idx]
		if gb == nil {
			t.Errorf("missing bin %d", idx)
			continue
		}
		if *gb != *wb {
			t.Errorf("bin %d = %+v, want %+v", idx, *gb, *wb)
		}
	}
}
