package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"footprint-systemv1/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(StoreConfig{BaseDir: t.TempDir(), WriteMetadata: true})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// makeCandle builds a valid complete 1m candle at the given open time.
func makeCandle(symbol string, openTime int64, price float64) *model.FootprintCandle {
	c := &model.FootprintCandle{
		Venue:        model.VenueBinance,
		Symbol:       symbol,
		Interval:     "1m",
		OpenTime:     openTime - openTime%60000,
		Open:         price,
		High:         price + 1,
		Low:          price - 1,
		Close:        price,
		BuyVolume:    2,
		SellVolume:   1,
		Volume:       3,
		Delta:        1,
		DeltaMax:     2,
		DeltaMin:     -1,
		QuoteVolume:  3 * price,
		BuyQuote:     2 * price,
		SellQuote:    1 * price,
		TradeCount:   3,
		FirstTradeID: 1,
		LastTradeID:  3,
		Complete:     true,
	}
	c.CloseTime = c.OpenTime + 60000 - 1
	*c.Bin(1000) = model.PriceBin{Volume: 3, BuyVolume: 2, SellVolume: 1, BuyQuote: 2 * price, SellQuote: price}
	return c
}

func TestStore_SaveAndFind(t *testing.T) {
	s := newTestStore(t)
	base := int64(1700000040000)
	base -= base % 60000

	for i := int64(0); i < 5; i++ {
		if err := s.Save(makeCandle("BTCUSDT", base+i*60000, 100+float64(i))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	got, err := s.FindBySymbol("BTCUSDT", model.VenueBinance, "1m", model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 candles, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].OpenTime <= got[i-1].OpenTime {
			t.Fatal("candles not in ascending open-time order")
		}
	}
}

func TestStore_SaveRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	c := makeCandle("BTCUSDT", 1700000040000, 100)
	c.Low = c.Open + 10 // open below low
	if err := s.Save(c); err == nil {
		t.Fatal("expected validation error")
	}
}

// Append idempotence: a duplicate save leaves the period file byte-for-byte
// unchanged.
func TestStore_SaveIdempotent(t *testing.T) {
	s := newTestStore(t)
	c := makeCandle("ETHUSDT", 1700000040000, 2000)
	if err := s.Save(c); err != nil {
		t.Fatal(err)
	}

	binPath := findOnlyBin(t, s.cfg.BaseDir)
	before, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Save(c.Clone()); err != nil {
		t.Fatalf("duplicate save must succeed: %v", err)
	}
	after, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("period file changed on duplicate save: %d -> %d bytes", len(before), len(after))
	}
}

// A fresh store (cold cache) must still suppress duplicates via the index.
func TestStore_DuplicateViaIndex(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(StoreConfig{BaseDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	c := makeCandle("ETHUSDT", 1700000040000, 2000)
	if err := s1.Save(c); err != nil {
		t.Fatal(err)
	}

	s2, err := New(StoreConfig{BaseDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Save(c.Clone()); err != nil {
		t.Fatal(err)
	}

	got, err := s2.FindBySymbol("ETHUSDT", model.VenueBinance, "1m", model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candle after duplicate save, got %d", len(got))
	}
}

// Period rollover: candles on both sides of midnight land in two day files.
func TestStore_PeriodRollover(t *testing.T) {
	s := newTestStore(t)
	day2, _ := time.Parse(time.RFC3339, "2023-11-15T00:00:00Z")
	lateNight := day2.Add(-30 * time.Second).UnixMilli() // 23:59:30
	nextDay := day2.Add(15 * time.Second).UnixMilli()    // 00:00:15

	if err := s.Save(makeCandle("BTCUSDT", lateNight, 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(makeCandle("BTCUSDT", nextDay, 101)); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(s.cfg.BaseDir, "BINANCE", "BTCUSDT", "candles", "1m")
	for _, period := range []string{"2023-11-14.bin", "2023-11-15.bin"} {
		if _, err := os.Stat(filepath.Join(dir, period)); err != nil {
			t.Errorf("expected period file %s: %v", period, err)
		}
	}

	got, err := s.FindBySymbol("BTCUSDT", model.VenueBinance, "1m", model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candles across periods, got %d", len(got))
	}
}

func TestStore_FindWithFootprint(t *testing.T) {
	s := newTestStore(t)
	c := makeCandle("BTCUSDT", 1700000040000, 100)
	if err := s.Save(c); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindWithFootprint("BTCUSDT", model.VenueBinance, "1m", model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(got))
	}
	bin := got[0].Bins[1000]
	if bin == nil || bin.BuyVolume != 2 {
		t.Fatalf("footprint join missing bins: %+v", got[0].Bins)
	}
	if got[0].Open != 100 {
		t.Errorf("joined candle lost OHLCV: open = %v", got[0].Open)
	}
}

func TestStore_FindLatest(t *testing.T) {
	s := newTestStore(t)
	base := int64(1700000040000)
	base -= base % 60000
	for i := int64(0); i < 3; i++ {
		if err := s.Save(makeCandle("BTCUSDT", base+i*60000, 100)); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.FindLatest("BTCUSDT", model.VenueBinance, "1m")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.OpenTime != base+2*60000 {
		t.Fatalf("latest = %+v", latest)
	}

	none, err := s.FindLatest("NOSUCH", model.VenueBinance, "1m")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatal("expected nil for unknown symbol")
	}
}

func TestStore_RangeAndLimit(t *testing.T) {
	s := newTestStore(t)
	base := int64(1700000040000)
	base -= base % 60000
	for i := int64(0); i < 10; i++ {
		if err := s.Save(makeCandle("BTCUSDT", base+i*60000, 100)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FindBySymbol("BTCUSDT", model.VenueBinance, "1m", model.QueryOptions{
		StartTime: base + 2*60000,
		EndTime:   base + 8*60000,
		Limit:     3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected limit of 3, got %d", len(got))
	}
	if got[0].OpenTime != base+2*60000 {
		t.Errorf("range start not honored: %d", got[0].OpenTime)
	}
}

func TestStore_FindPage(t *testing.T) {
	s := newTestStore(t)
	base := int64(1700000040000)
	base -= base % 60000
	for i := int64(0); i < 7; i++ {
		if err := s.Save(makeCandle("BTCUSDT", base+i*60000, 100)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.FindPage("BTCUSDT", model.VenueBinance, "1m", 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalCount != 7 || page.TotalPages != 3 {
		t.Errorf("totals = (%d, %d), want (7, 3)", page.TotalCount, page.TotalPages)
	}
	if len(page.Candles) != 3 {
		t.Errorf("page size = %d, want 3", len(page.Candles))
	}
	if page.Candles[0].OpenTime != base+3*60000 {
		t.Errorf("page 2 starts at %d", page.Candles[0].OpenTime)
	}
}

// Readers tolerate a crash-truncated tail record and a stale header.
func TestStore_TruncatedTailTolerated(t *testing.T) {
	s := newTestStore(t)
	base := int64(1700000040000)
	base -= base % 60000
	for i := int64(0); i < 3; i++ {
		if err := s.Save(makeCandle("BTCUSDT", base+i*60000, 100)); err != nil {
			t.Fatal(err)
		}
	}

	binPath := findOnlyBin(t, s.cfg.BaseDir)
	data, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatal(err)
	}
	// Chop mid-record to simulate a crash during the final append.
	if err := os.WriteFile(binPath, data[:len(data)-7], 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := readPeriodFile(binPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 intact records, got %d", len(got))
	}
}

func TestStore_LegacyJSONFile(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.cfg.BaseDir, "BINANCE", "BTCUSDT", "candles", "1m")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	c1 := makeCandle("BTCUSDT", 1700000040000, 100)
	c2 := makeCandle("BTCUSDT", 1700000100000, 101)
	data := append(c1.JSON(), '\n')
	data = append(data, c2.JSON()...)
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, "2023-11-14.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindBySymbol("BTCUSDT", model.VenueBinance, "1m", model.QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 legacy candles, got %d", len(got))
	}
	if got[0].Open != 100 || got[1].Open != 101 {
		t.Errorf("legacy decode mismatch: %v %v", got[0].Open, got[1].Open)
	}
}

func TestRecentSet_Eviction(t *testing.T) {
	r := newRecentSet(10)
	for i := int64(0); i < 10; i++ {
		r.add(i)
	}
	r.add(10) // triggers oldest-half eviction
	if r.contains(0) || r.contains(4) {
		t.Error("oldest half should be evicted")
	}
	if !r.contains(5) || !r.contains(10) {
		t.Error("newest half should survive")
	}
}

// findOnlyBin locates the single candles-side .bin file under baseDir.
func findOnlyBin(t *testing.T, baseDir string) string {
	t.Helper()
	var found string
	err := filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if filepath.Ext(path) == ".bin" && filepath.Base(filepath.Dir(filepath.Dir(path))) == "candles" {
			found = path
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if found == "" {
		t.Fatal("no candles .bin file found")
	}
	return found
}
