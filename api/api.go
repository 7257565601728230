// SPDX-License-Identifier: MIT
//
// HTTP API handlers.
//

package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"detour/config"
	"detour/dns"
	"detour/log"
	"detour/querylog"
	"detour/stats"
	"detour/ui"
	"detour/util/dnsmsg"
)

const (
	defaultQueryLogLimit = 100
	maxQueryLogLimit     = 1000

	// Entries shown on the status page.
	statusQueries = 20
)

var errQueryLogDisabled = errors.New("query log disabled")

type Options struct {
	Resolver *dns.Resolver
	Stats    *stats.Stats
	QueryLog *querylog.QueryLog // nil if disabled
	Version  *config.VersionInfo
}

type ApiHandler struct {
	resolver *dns.Resolver
	stats    *stats.Stats
	querylog *querylog.QueryLog
	version  *config.VersionInfo
	mux      *http.ServeMux
}

func NewApiHandler(opts *Options) *ApiHandler {
	h := &ApiHandler{
		resolver: opts.Resolver,
		stats:    opts.Stats,
		querylog: opts.QueryLog,
		version:  opts.Version,
		mux:      http.NewServeMux(),
	}
	if h.version == nil {
		h.version = config.GetVersion()
	}

	h.mux.HandleFunc("GET /{$}", h.handleIndex)
	h.mux.Handle("GET /static/", http.StripPrefix("/static/", ui.ServeStatic()))
	h.mux.HandleFunc("GET /api/stats", h.handleStats)
	h.mux.HandleFunc("GET /api/querylog", h.handleQueryLog)
	h.mux.HandleFunc("POST /api/cache/flush", h.handleCacheFlush)
	h.mux.HandleFunc("POST /api/blocklist/check", h.handleBlocklistCheck)
	h.mux.HandleFunc("GET /api/version", h.handleVersion)
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.stats.Registry(),
		promhttp.HandlerOpts{ErrorLog: promLogger{}}))
	return h
}

func (h *ApiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	h.mux.ServeHTTP(w, r)
}

func (h *ApiHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := &ui.Status{
		Version:        h.version,
		Uptime:         h.stats.Uptime(),
		Stats:          h.stats.Snapshot(),
		CacheEntries:   h.resolver.Cache().Len(),
		BlocklistRules: h.resolver.Blocklist().Len(),
		Upstreams:      h.resolver.Upstreams(),
		QueryLog:       h.querylog != nil,
	}
	if h.querylog != nil {
		entries, err := h.querylog.Recent(r.Context(), statusQueries)
		if err != nil {
			log.Warnf("failed to read query log: %v", err)
		}
		data.Queries = entries
	}

	var buf bytes.Buffer
	if err := ui.Render(&buf, "status.tmpl", data); err != nil {
		log.Errorf("failed to render status page: %v", err)
		http.Error(w, "500 internal server error: "+err.Error(),
			http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

type statsResponse struct {
	stats.Snapshot
	UptimeSeconds  int64  `json:"uptime_seconds"`
	CacheEntries   int    `json:"cache_entries"`
	BlocklistRules int    `json:"blocklist_rules"`
	QueryLogDrops  uint64 `json:"querylog_dropped"`
}

func (h *ApiHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Snapshot:       h.stats.Snapshot(),
		UptimeSeconds:  int64(h.stats.Uptime().Seconds()),
		CacheEntries:   h.resolver.Cache().Len(),
		BlocklistRules: h.resolver.Blocklist().Len(),
	}
	if h.querylog != nil {
		resp.QueryLogDrops = h.querylog.Dropped()
	}
	writeJSON(w, &resp)
}

func (h *ApiHandler) handleQueryLog(w http.ResponseWriter, r *http.Request) {
	if h.querylog == nil {
		writeError(w, http.StatusNotFound, errQueryLogDisabled)
		return
	}

	limit := defaultQueryLogLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit: "+s))
			return
		}
		limit = min(n, maxQueryLogLimit)
	}

	entries, err := h.querylog.Recent(r.Context(), limit)
	if err != nil {
		log.Errorf("failed to read query log: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, entries)
}

func (h *ApiHandler) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	n := h.resolver.Cache().Flush()
	log.Infof("flushed %d cache entries", n)
	writeJSON(w, map[string]int{"flushed": n})
}

type checkRequest struct {
	Name string `json:"name"`
}

type checkResponse struct {
	Name    string `json:"name"`
	Blocked bool   `json:"blocked"`
}

func (h *ApiHandler) handleBlocklistCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name missing"))
		return
	}

	name := dnsmsg.NormalizeName(req.Name)
	writeJSON(w, &checkResponse{
		Name:    name,
		Blocked: h.resolver.Blocklist().IsBlocked(name),
	})
}

func (h *ApiHandler) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.version)
}

type promLogger struct{}

func (promLogger) Println(v ...any) {
	log.Errorf("metrics: %v", v)
}
