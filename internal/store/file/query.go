package file

import (
	"path/filepath"
	"sort"

	"footprint-systemv1/internal/model"
)

// FindBySymbol returns candles for (symbol, venue, interval) in ascending
// open-time order, filtered by the query bounds and capped at q.Limit.
func (s *Store) FindBySymbol(symbol string, venue model.Venue, interval string, q model.QueryOptions) ([]*model.FootprintCandle, error) {
	dir := filepath.Join(s.cfg.BaseDir, string(venue), symbol, dirCandles, interval)
	return s.queryDir(dir, q)
}

// FindWithFootprint joins candle records with their footprint records by
// open-time. Candles without a footprint record carry empty aggregations.
func (s *Store) FindWithFootprint(symbol string, venue model.Venue, interval string, q model.QueryOptions) ([]*model.FootprintCandle, error) {
	candles, err := s.FindBySymbol(symbol, venue, interval, q)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return candles, nil
	}

	fpDir := filepath.Join(s.cfg.BaseDir, string(venue), symbol, dirFootprints, interval)
	footprints, err := s.queryDir(fpDir, model.QueryOptions{StartTime: q.StartTime, EndTime: q.EndTime})
	if err != nil {
		return nil, err
	}
	byOpen := make(map[int64]*model.FootprintCandle, len(footprints))
	for _, fp := range footprints {
		byOpen[fp.OpenTime] = fp
	}
	for _, c := range candles {
		if fp := byOpen[c.OpenTime]; fp != nil {
			c.Bins = fp.Bins
		}
	}
	return candles, nil
}

// FindLatest returns the candle with the highest open-time, or nil when the
// store holds nothing for the instrument.
func (s *Store) FindLatest(symbol string, venue model.Venue, interval string) (*model.FootprintCandle, error) {
	dir := filepath.Join(s.cfg.BaseDir, string(venue), symbol, dirCandles, interval)
	periods, err := listPeriods(dir)
	if err != nil || len(periods) == 0 {
		return nil, err
	}

	// Pick the period whose index carries the maximum last-timestamp.
	best := periods[0]
	for _, p := range periods[1:] {
		if p.index == nil {
			best = p // unindexed file could hold anything; scan it
			continue
		}
		if best.index == nil || p.index.LastTS > best.index.LastTS {
			best = p
		}
	}

	records, err := readPeriodFile(best.binPath)
	if err != nil {
		return nil, err
	}
	var latest *model.FootprintCandle
	for _, c := range records {
		if latest == nil || c.OpenTime > latest.OpenTime {
			latest = c
		}
	}
	return latest, nil
}

// FindPage returns one page of candles in ascending open-time order
// together with total counts. Page numbers are 1-based.
func (s *Store) FindPage(symbol string, venue model.Venue, interval string, page, pageSize int) (*model.CandlePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 100
	}

	all, err := s.FindBySymbol(symbol, venue, interval, model.QueryOptions{})
	if err != nil {
		return nil, err
	}

	total := len(all)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &model.CandlePage{
		Candles:    all[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: totalPages,
	}, nil
}

// queryDir reads every period overlapping the query bounds, ascending,
// stopping once the limit is reached.
func (s *Store) queryDir(dir string, q model.QueryOptions) ([]*model.FootprintCandle, error) {
	periods, err := listPeriods(dir)
	if err != nil {
		return nil, err
	}

	var out []*model.FootprintCandle
	for _, p := range periods {
		if p.index != nil && !p.index.Overlaps(q.StartTime, q.EndTime) {
			continue
		}
		records, err := readPeriodFile(p.binPath)
		if err != nil {
			return nil, err
		}
		sort.Slice(records, func(i, j int) bool { return records[i].OpenTime < records[j].OpenTime })
		for _, c := range records {
			if q.StartTime != 0 && c.OpenTime < q.StartTime {
				continue
			}
			if q.EndTime != 0 && c.OpenTime > q.EndTime {
				continue
			}
			out = append(out, c)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}
