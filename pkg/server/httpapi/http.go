// Package httpapi exposes the shard manager over a small HTTP+JSON
// admin surface: shard creation and sealing, record lookup, and the
// per-group placement hint.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jacktea/xobj/pkg/cache"
	"github.com/jacktea/xobj/pkg/manager"
	"github.com/jacktea/xobj/pkg/server/middleware"
	"github.com/jacktea/xobj/pkg/shard"
	"github.com/jacktea/xobj/pkg/shardid"
	"github.com/jacktea/xobj/pkg/xerrors"
)

// Server routes admin requests to a Manager. Cache, when set, fronts
// read-only shard lookups and is invalidated on seal.
type Server struct {
	Manager *manager.Manager
	Cache   *cache.Cache
	Log     *logrus.Entry
	Opts    Options
}

// Options configure auth and rate limiting.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	return srv.ListenAndServe()
}

// Router builds the full handler chain. Exported so tests can drive it
// through httptest without binding a socket.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/groups/", s.handleGroups)
	mux.HandleFunc("/v1/shards/", s.handleShards)
	return s.applyMiddleware(mux)
}

// shardResponse is the wire form of one shard record. The chunk id is
// the physical placement and is omitted when the caller has no use for
// it (listings).
type shardResponse struct {
	Shard shard.Info `json:"shard"`
	Chunk uint32     `json:"chunk_id,omitempty"`
}

type createRequest struct {
	SizeBytes uint64 `json:"size_bytes"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/groups/")
	parts := strings.SplitN(rest, "/", 2)
	pg64, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)
		return
	}
	pg := shardid.PG(pg64)
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch {
	case action == "shards" && r.Method == http.MethodPost:
		s.createShard(w, r, pg)
	case action == "shards" && r.Method == http.MethodGet:
		s.listShards(w, pg)
	case action == "chunk" && r.Method == http.MethodGet:
		s.groupChunk(w, pg)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createShard(w http.ResponseWriter, r *http.Request, pg shardid.PG) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	info, err := s.Manager.CreateShard(r.Context(), pg, req.SizeBytes).Wait(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	if s.Cache != nil {
		s.Cache.Set(info.ID, info)
	}
	resp := shardResponse{Shard: info}
	if ch, ok := s.Manager.ChunkOf(info.ID); ok {
		resp.Chunk = uint32(ch)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) listShards(w http.ResponseWriter, pg shardid.PG) {
	if !s.Manager.HasGroup(pg) {
		httpError(w, xerrors.E(xerrors.KindUnknownGroup, "httpapi.list"))
		return
	}
	infos := s.Manager.ListShards(pg)
	shards := make([]shardResponse, 0, len(infos))
	for _, info := range infos {
		shards = append(shards, shardResponse{Shard: info})
	}
	writeJSON(w, http.StatusOK, struct {
		Shards []shardResponse `json:"shards"`
	}{Shards: shards})
}

func (s *Server) groupChunk(w http.ResponseWriter, pg shardid.PG) {
	ch, ok, err := s.Manager.AnyChunkOf(pg)
	if err != nil {
		httpError(w, err)
		return
	}
	if !ok {
		http.Error(w, "group has no shards", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Chunk uint32 `json:"chunk_id"`
	}{Chunk: uint32(ch)})
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/shards/")
	parts := strings.SplitN(rest, "/", 2)
	id64, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	id := shardid.ID(id64)
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getShard(w, id)
	case action == "seal" && r.Method == http.MethodPost:
		s.sealShard(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) getShard(w http.ResponseWriter, id shardid.ID) {
	if s.Cache != nil {
		if info, ok := s.Cache.Get(id); ok {
			resp := shardResponse{Shard: info}
			if ch, chOK := s.Manager.ChunkOf(id); chOK {
				resp.Chunk = uint32(ch)
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	info, err := s.Manager.GetShard(id)
	if err != nil {
		httpError(w, err)
		return
	}
	if s.Cache != nil {
		s.Cache.Set(id, info)
	}
	resp := shardResponse{Shard: info}
	if ch, ok := s.Manager.ChunkOf(id); ok {
		resp.Chunk = uint32(ch)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sealShard(w http.ResponseWriter, r *http.Request, id shardid.ID) {
	info, err := s.Manager.GetShard(id)
	if err != nil {
		httpError(w, err)
		return
	}
	sealed, err := s.Manager.SealShard(r.Context(), info).Wait(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	if s.Cache != nil {
		s.Cache.Delete(id)
	}
	writeJSON(w, http.StatusOK, shardResponse{Shard: sealed})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindUnknownGroup, xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindNotReady:
		status = http.StatusServiceUnavailable
	case xerrors.KindInvalid:
		status = http.StatusBadRequest
	case xerrors.KindAlreadyExists:
		status = http.StatusConflict
	case xerrors.KindCRCMismatch:
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	chain := []middleware.HTTPMiddleware{middleware.RequestID()}
	if s.Log != nil {
		chain = append(chain, middleware.Logging(s.Log))
	}
	if auth := middleware.APIKeyAuth(s.Opts.APIKey); auth != nil {
		chain = append(chain, auth)
	}
	if limit := middleware.RateLimit(s.Opts.RateLimit); limit != nil {
		chain = append(chain, limit)
	}
	return middleware.Wrap(handler, chain...)
}
