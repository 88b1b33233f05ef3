// Package api serves footprint candle queries over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"footprint-systemv1/internal/logger"
	"footprint-systemv1/internal/model"
)

// Router serves candle queries from a CandleStore.
type Router struct {
	store  model.CandleStore
	health http.Handler
	mux    *http.ServeMux
}

// NewRouter builds the HTTP mux. health may be nil, in which case /healthz
// reports a static ok.
func NewRouter(store model.CandleStore, health http.Handler) *Router {
	rt := &Router{store: store, health: health, mux: http.NewServeMux()}

	rt.mux.HandleFunc("/api/v1/candles", rt.handleCandles)
	rt.mux.HandleFunc("/api/v1/candles/latest", rt.handleLatest)
	rt.mux.HandleFunc("/api/v1/candles/page", rt.handlePage)
	rt.mux.HandleFunc("/api/v1/footprint", rt.handleFootprint)

	if health != nil {
		rt.mux.Handle("/healthz", health)
	} else {
		rt.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})
	}

	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// instrumentParams extracts and validates symbol/venue/interval.
func instrumentParams(r *http.Request) (symbol string, venue model.Venue, interval string, ok bool, msg string) {
	q := r.URL.Query()
	symbol = strings.ToUpper(q.Get("symbol"))
	if symbol == "" {
		return "", "", "", false, "symbol is required"
	}
	venue = model.Venue(strings.ToUpper(q.Get("venue")))
	if venue == "" {
		venue = model.VenueBinance
	}
	interval = q.Get("interval")
	if interval == "" {
		interval = "1m"
	}
	if !model.ValidInterval(interval) {
		return "", "", "", false, "unknown interval " + strconv.Quote(interval)
	}
	return symbol, venue, interval, true, ""
}

// queryCtx tags the request context with a market-scoped trace id and
// echoes it so the client can correlate.
func queryCtx(w http.ResponseWriter, r *http.Request, venue model.Venue, symbol string) context.Context {
	ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID(string(venue), symbol, time.Now()))
	w.Header().Set("X-Trace-Id", logger.TraceID(ctx))
	return ctx
}

func logQueryError(ctx context.Context, query string, err error) {
	slog.Error("query failed", append([]any{
		slog.String("query", query),
		slog.Any("err", err),
	}, logger.LogWithTrace(ctx)...)...)
}

func queryOptions(r *http.Request) model.QueryOptions {
	q := r.URL.Query()
	opts := model.QueryOptions{}
	opts.StartTime, _ = strconv.ParseInt(q.Get("start"), 10, 64)
	opts.EndTime, _ = strconv.ParseInt(q.Get("end"), 10, 64)
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	return opts
}

// handleCandles serves GET /api/v1/candles?symbol=&venue=&interval=&start=&end=&limit=
func (rt *Router) handleCandles(w http.ResponseWriter, r *http.Request) {
	symbol, venue, interval, ok, msg := instrumentParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := queryCtx(w, r, venue, symbol)
	candles, err := rt.store.FindBySymbol(symbol, venue, interval, queryOptions(r))
	if err != nil {
		logQueryError(ctx, "candles", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, candles)
}

// handleFootprint serves the same range query with price-bin histograms joined in.
func (rt *Router) handleFootprint(w http.ResponseWriter, r *http.Request) {
	symbol, venue, interval, ok, msg := instrumentParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := queryCtx(w, r, venue, symbol)
	candles, err := rt.store.FindWithFootprint(symbol, venue, interval, queryOptions(r))
	if err != nil {
		logQueryError(ctx, "footprint", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, candles)
}

// handleLatest serves GET /api/v1/candles/latest?symbol=&venue=&interval=
func (rt *Router) handleLatest(w http.ResponseWriter, r *http.Request) {
	symbol, venue, interval, ok, msg := instrumentParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := queryCtx(w, r, venue, symbol)
	c, err := rt.store.FindLatest(symbol, venue, interval)
	if err != nil {
		logQueryError(ctx, "latest", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "no candles for "+string(venue)+":"+symbol)
		return
	}
	writeJSON(w, c)
}

// handlePage serves GET /api/v1/candles/page?symbol=&venue=&interval=&page=&pageSize=
func (rt *Router) handlePage(w http.ResponseWriter, r *http.Request) {
	symbol, venue, interval, ok, msg := instrumentParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))

	ctx := queryCtx(w, r, venue, symbol)
	result, err := rt.store.FindPage(symbol, venue, interval, page, pageSize)
	if err != nil {
		logQueryError(ctx, "page", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
