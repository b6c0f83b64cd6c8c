package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"xtream-gate/work/cache"
	"xtream-gate/work/logger"
	"xtream-gate/work/security"
	"xtream-gate/work/types"

	"github.com/panjf2000/ants/v2"
)

// ErrEmptyBatch is returned for a batch body whose streamIds is missing,
// not an array, or empty.
var ErrEmptyBatch = &security.RequestError{Msg: "streamIds must be a non-empty array"}

// invalidStreamIDText is the per-item error text in batch results.
const invalidStreamIDText = "Invalid stream ID"

// EPGResult is one stream's guide as returned to the browser. Cached is
// absent when the fetch failed. Extra carries the upstream's other
// top-level fields.
type EPGResult struct {
	Listings []types.Listing
	Cached   *bool
	Error    string
	Extra    map[string]json.RawMessage
}

// MarshalJSON emits Extra flattened beside epg_listings, _cached and error.
// Upstream keys never stand in for an absent _cached or error.
func (r EPGResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	delete(out, "_cached")
	delete(out, "error")
	listings := r.Listings
	if listings == nil {
		listings = []types.Listing{}
	}
	out["epg_listings"] = listings
	if r.Cached != nil {
		out["_cached"] = *r.Cached
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// BatchResponse is the epg-batch answer.
type BatchResponse struct {
	Results        map[string]EPGResult `json:"results"`
	TotalRequested int                  `json:"totalRequested"`
	TotalReturned  int                  `json:"totalReturned"`
	FromCache      int                  `json:"fromCache"`
	FromAPI        int                  `json:"fromApi"`
}

func emptyResult() EPGResult {
	return EPGResult{Listings: []types.Listing{}}
}

func cachedResult(p types.EPGPayload, cached bool) EPGResult {
	listings := p.Listings
	if listings == nil {
		listings = []types.Listing{}
	}
	return EPGResult{Listings: listings, Cached: &cached, Extra: p.Extra}
}

// EPG returns the guide for one stream, from cache unless refresh is set.
// It never fails: any problem degrades to an empty listing.
func (sp *StreamProxy) EPG(ctx context.Context, creds types.Credentials, streamID string, refresh bool) EPGResult {
	id, err := security.ValidateStreamID(streamID)
	if err != nil {
		return emptyResult()
	}

	key := cache.Key(creds.Origin, id)
	if !refresh {
		if e, ok := sp.EPGCache.Get(key); ok {
			return cachedResult(e.Payload, true)
		}
	}

	payload, err := sp.fill(ctx, creds, id)
	if err != nil {
		logger.Debug("{proxy/epg - EPG} no guide for stream %s: %v", id, err)
		return emptyResult()
	}
	return cachedResult(payload, false)
}

// fill fetches and caches one stream's guide. Concurrent fills of the same
// key share a single upstream call.
func (sp *StreamProxy) fill(ctx context.Context, creds types.Credentials, id string) (types.EPGPayload, error) {
	key := cache.Key(creds.Origin, id)
	// detached so one caller hanging up does not fail the others sharing the call
	fillCtx := context.WithoutCancel(ctx)
	v, err, shared := sp.fills.Do(key, func() (any, error) {
		payload, err := sp.Relay.SimpleDataTable(fillCtx, creds, id)
		if err != nil {
			return nil, err
		}
		sp.EPGCache.Set(key, payload)
		return payload, nil
	})
	if err != nil {
		return types.EPGPayload{}, err
	}
	if shared {
		logger.Debug("{proxy/epg - fill} shared upstream fetch for %s", id)
	}
	return v.(types.EPGPayload), nil
}

// ParseBatchIDs reads the streamIds field of a batch body. Elements may be
// numbers or strings; any other element becomes "" and fails validation later.
func ParseBatchIDs(body []byte) ([]string, error) {
	var req struct {
		StreamIDs json.RawMessage `json:"streamIds"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ErrEmptyBatch
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(req.StreamIDs, &elems); err != nil || len(elems) == 0 {
		return nil, ErrEmptyBatch
	}

	ids := make([]string, len(elems))
	for i, raw := range elems {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			ids[i] = s
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			ids[i] = n.String()
			continue
		}
		ids[i] = strings.TrimSpace(string(raw))
	}
	return ids, nil
}

// EPGBatch resolves the guides of many streams. Ids past the configured cap
// are dropped, invalid ids get a per-item error and uncached ids are fetched
// on a bounded worker pool. It returns once every fetch has settled.
func (sp *StreamProxy) EPGBatch(ctx context.Context, creds types.Credentials, ids []string, refresh bool) (BatchResponse, error) {
	if len(ids) == 0 {
		return BatchResponse{}, ErrEmptyBatch
	}

	resp := BatchResponse{
		Results:        make(map[string]EPGResult, len(ids)),
		TotalRequested: len(ids),
	}
	limited := ids
	if limit := sp.Config.EPGBatchMax; limit > 0 && len(limited) > limit {
		limited = limited[:limit]
	}

	var uncached []string
	queued := make(map[string]bool)
	for _, raw := range limited {
		id, err := security.ValidateStreamID(raw)
		if err != nil {
			resp.Results[raw] = EPGResult{Listings: []types.Listing{}, Error: invalidStreamIDText}
			continue
		}
		if !refresh {
			if e, ok := sp.EPGCache.Get(cache.Key(creds.Origin, id)); ok {
				resp.Results[id] = cachedResult(e.Payload, true)
				continue
			}
		}
		if !queued[id] {
			queued[id] = true
			uncached = append(uncached, id)
		}
	}

	if len(uncached) > 0 {
		fetched, err := sp.fetchBatch(ctx, creds, uncached)
		if err != nil {
			return BatchResponse{}, err
		}
		for id, r := range fetched {
			resp.Results[id] = r
		}
	}

	for _, r := range resp.Results {
		switch {
		case r.Cached == nil:
		case *r.Cached:
			resp.FromCache++
		default:
			resp.FromAPI++
		}
	}
	resp.TotalReturned = len(resp.Results)

	logger.Debug("{proxy/epg - EPGBatch} %d requested, %d returned, %d cached, %d fetched",
		resp.TotalRequested, resp.TotalReturned, resp.FromCache, resp.FromAPI)
	return resp, nil
}

// fetchBatch fills ids on a pool of EPGBatchConcurrency workers.
func (sp *StreamProxy) fetchBatch(ctx context.Context, creds types.Credentials, ids []string) (map[string]EPGResult, error) {
	size := max(1, min(sp.Config.EPGBatchConcurrency, len(ids)))
	pool, err := ants.NewPool(size, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]EPGResult, len(ids))
	)
	record := func(id string, r EPGResult) {
		mu.Lock()
		out[id] = r
		mu.Unlock()
	}

	for _, id := range ids {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			payload, err := sp.fill(ctx, creds, id)
			if err != nil {
				logger.Debug("{proxy/epg - fetchBatch} no guide for stream %s: %v", id, err)
				record(id, emptyResult())
				return
			}
			record(id, cachedResult(payload, false))
		})
		if submitErr != nil {
			wg.Done()
			logger.Warn("{proxy/epg - fetchBatch} could not schedule stream %s: %v", id, submitErr)
			record(id, emptyResult())
			if errors.Is(submitErr, ants.ErrPoolClosed) {
				break
			}
		}
	}
	wg.Wait()

	// ids never scheduled after a pool failure still get an entry
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = emptyResult()
		}
	}
	return out, nil
}

// CacheStats reports the EPG cache contents.
func (sp *StreamProxy) CacheStats() cache.Stats {
	return sp.EPGCache.Stats()
}
