package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"segment-streamer/internal/assemble"
	"segment-streamer/internal/config"
	"segment-streamer/internal/fetch"
	"segment-streamer/internal/history"
	"segment-streamer/internal/janitor"
	"segment-streamer/internal/middleware"
	"segment-streamer/internal/origin"
	"segment-streamer/internal/store"
	"segment-streamer/pkg/types"
)

type preloadResp struct {
	AssetID string `json:"assetId"`
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

type cacheInfoResp struct {
	types.Progress
	States      map[int]types.SegmentState `json:"states"`
	Dir         string                     `json:"dir"`
	HasComplete bool                       `json:"hasComplete"`
	CacheBytes  int64                      `json:"cacheBytes"`
}

type evictResp struct {
	Removed   int    `json:"removed"`
	MaxAgeHrs int    `json:"maxAgeHours"`
	Root      string `json:"root"`
}

type statsResp struct {
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	CacheRoot       string `json:"cacheRoot"`
	TotalCacheBytes int64  `json:"totalCacheBytes"`
	OriginURL       string `json:"originUrl"`
	MaxConcurrent   int    `json:"maxConcurrent"`
	PollInterval    string `json:"pollInterval"`
	EvictMaxAge     string `json:"evictMaxAge"`
}

// Server answers byte requests for assets from whatever currently has the
// data: assembled file, cached segments, live origin proxy, or a redirect as
// the very last resort. All collaborators are injected.
type Server struct {
	Store   *store.Store
	Origin  *origin.Client
	Orch    *fetch.Orchestrator
	Asm     *assemble.Assembler
	History *history.Store
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("HEAD /stream", s.handleStream)
	mux.HandleFunc("GET /segments/{assetId}/{n}", s.handleSegment)
	mux.HandleFunc("POST /segments/preload", s.handlePreload)
	mux.HandleFunc("GET /segments/cache/{assetId}", s.handleCacheInfo)
	mux.HandleFunc("DELETE /segments/cache", s.handleCacheEvict)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /history", s.handleHistory)
}

// handleStream serves asset bytes in preference order: assembled file, a
// single requested segment, a contiguous multi-segment stream, the origin
// proxy, and finally a redirect to the origin.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	middleware.EnableCORS(w)

	id := strings.TrimSpace(r.URL.Query().Get("v"))
	if !types.ValidAssetID(id) {
		http.Error(w, "invalid asset id", http.StatusBadRequest)
		return
	}

	if segStr := r.URL.Query().Get("segment"); segStr != "" {
		n, err := strconv.Atoi(segStr)
		if err != nil || n < 0 {
			http.Error(w, "invalid segment index", http.StatusBadRequest)
			return
		}
		s.serveSegment(w, r, id, n)
		return
	}

	// 1. Assembled file wins.
	if s.Store.HasComplete(id) {
		p, _ := s.Store.CompletePath(id)
		log.Printf("[stream] %s serving assembled file", id)
		s.serveLocalFile(w, r, p)
		return
	}

	prefix := s.Store.ContiguousPrefix(id)
	if prefix >= s.Asm.MinSegments {
		// Opportunistic: assembly happens off the read path and its
		// failure never matters here.
		go func() {
			if _, err := s.Asm.Assemble(context.Background(), id, s.Orch.TotalSegments(id)); err != nil {
				log.Printf("[assemble] %s deferred: %v", id, err)
			}
		}()
	}

	// A range request against a half-filled cache cannot be answered from
	// segments; hand it to the origin, which sees the whole asset.
	if r.Header.Get("Range") == "" && prefix > 0 {
		s.streamSegments(w, r, id, prefix)
		return
	}

	// 4./5. Live proxy, redirect when the proxy cannot even connect.
	s.proxyOrigin(w, r, id)
}

// handleSegment is the direct per-segment read: /segments/{assetId}/{n}.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	middleware.EnableCORS(w)

	id := r.PathValue("assetId")
	if !types.ValidAssetID(id) {
		http.Error(w, "invalid asset id", http.StatusBadRequest)
		return
	}
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 0 {
		http.Error(w, "invalid segment index", http.StatusBadRequest)
		return
	}
	s.serveSegment(w, r, id, n)
}

// serveSegment answers with one cached segment, fetching it on a miss.
// Serving a segment implies someone is playing the asset, so a supervised
// background run is kicked off to warm the rest of the cache.
func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request, id string, n int) {
	if !s.Store.Has(id, n) {
		if err := s.Orch.EnsureSegment(r.Context(), id, n); err != nil {
			log.Printf("[stream] %s segment %d miss and fetch failed: %v", id, n, err)
			s.unavailable(w, id)
			return
		}
	}

	_ = s.Orch.Start(id)

	f, err := s.Store.Open(id, n)
	if err != nil {
		if store.IsNotExist(err) {
			s.unavailable(w, id)
			return
		}
		http.Error(w, "open segment: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	log.Printf("[stream] %s serving segment %d (%d bytes)", id, n, s.Store.Size(id, n))
	s.serveRangeReadable(w, r, f)
}

// streamSegments plays segments 0..prefix-1 back-to-back as one chunked
// body, in strict index order. A gap gets one inline fetch attempt; if that
// fails the stream is truncated rather than corrupted.
func (s *Server) streamSegments(w http.ResponseWriter, r *http.Request, id string, prefix int) {
	_ = s.Orch.Start(id)

	w.Header().Set("Content-Type", "audio/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		return
	}

	total := s.Orch.TotalSegments(id)
	rc := http.NewResponseController(w)
	buf := make([]byte, 256<<10)

	for n := 0; ; n++ {
		if total > 0 && n >= total {
			log.Printf("[stream] %s streamed all %d segments", id, n)
			return
		}
		if !s.Store.Has(id, n) {
			if n >= prefix && total == 0 {
				// End of what we know about; stop cleanly.
				log.Printf("[stream] %s streamed %d cached segments", id, n)
				return
			}
			// One just-in-time attempt, then truncate.
			if err := s.Orch.EnsureSegment(r.Context(), id, n); err != nil {
				log.Printf("[stream] %s truncating at segment %d: %v", id, n, err)
				return
			}
		}

		f, err := s.Store.Open(id, n)
		if err != nil {
			log.Printf("[stream] %s truncating at segment %d: %v", id, n, err)
			return
		}
		err = copyFlush(w, rc, f, buf, r)
		f.Close()
		if err != nil {
			return // client gone mid-stream
		}
	}
}

// proxyOrigin streams the asset live from the origin, forwarding the Range
// header and copying back the content headers. If the proxy cannot connect
// at all, the client is redirected to the origin directly; when a download
// run is actively warming the cache we answer "try again shortly" instead.
func (s *Server) proxyOrigin(w http.ResponseWriter, r *http.Request, id string) {
	resp, err := s.Origin.OpenStream(r.Context(), id, r.Header.Get("Range"))
	if err != nil {
		log.Printf("[stream] %s origin proxy failed: %v", id, err)
		if s.Orch.Running(id) {
			s.unavailable(w, id)
			return
		}
		http.Redirect(w, r, s.Origin.StreamURL(id), http.StatusFound)
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "audio/mp4")
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 256<<10)
	if err := copyFlush(w, rc, resp.Body, buf, r); err == nil {
		log.Printf("[stream] %s proxied from origin", id)
	}
}

// unavailable is the "still processing, retry shortly" answer: the cache is
// warming and nothing can serve bytes right now, but it is not permanent.
func (s *Server) unavailable(w http.ResponseWriter, id string) {
	if s.Orch.Running(id) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing", "assetId": id})
		return
	}
	http.Error(w, "asset unavailable", http.StatusBadGateway)
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	middleware.EnableCORS(w)

	var body struct {
		AssetID string `json:"assetId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = r.Body.Close()
	}
	id := body.AssetID
	if id == "" {
		id = r.URL.Query().Get("v")
	}
	if !types.ValidAssetID(id) {
		http.Error(w, "invalid asset id", http.StatusBadRequest)
		return
	}

	if err := s.Orch.Start(id); err != nil {
		http.Error(w, "preload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("[preload] %s background download started", id)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(preloadResp{AssetID: id, Status: "accepted", Running: s.Orch.Running(id)})
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	middleware.EnableCORS(w)

	id := r.PathValue("assetId")
	if !types.ValidAssetID(id) {
		http.Error(w, "invalid asset id", http.StatusBadRequest)
		return
	}
	dir, _ := s.Store.Dir(id)
	p := s.Orch.Progress(id)
	resp := cacheInfoResp{
		Progress:    p,
		States:      p.States(),
		Dir:         dir,
		HasComplete: s.Store.HasComplete(id),
	}
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		resp.CacheBytes = dirSize(dir)
	}
	writeJSON(w, resp)
}

func (s *Server) handleCacheEvict(w http.ResponseWriter, r *http.Request) {
	middleware.EnableCORS(w)

	maxAge := config.EvictMaxAge()
	hrs := int(maxAge / time.Hour)
	if v := r.URL.Query().Get("maxAge"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "maxAge must be a positive hour count", http.StatusBadRequest)
			return
		}
		hrs = n
		maxAge = time.Duration(n) * time.Hour
	}

	removed := janitor.Sweep(s.Store.Root(), maxAge)
	log.Printf("[cache] manual sweep removed=%d maxAge=%dh", removed, hrs)
	writeJSON(w, evictResp{Removed: removed, MaxAgeHrs: hrs, Root: s.Store.Root()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	middleware.EnableCORS(w)
	writeJSON(w, statsResp{
		UptimeSeconds:   int64(time.Since(startAt).Seconds()),
		CacheRoot:       s.Store.Root(),
		TotalCacheBytes: s.Store.DirSize(),
		OriginURL:       config.OriginURL(),
		MaxConcurrent:   config.MaxConcurrent(),
		PollInterval:    config.PollInterval().String(),
		EvictMaxAge:     config.EvictMaxAge().String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	middleware.EnableCORS(w)

	runs, err := s.History.Recent(r.Context(), 30)
	if err != nil {
		http.Error(w, "history query: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, runs)
}

// ===== serving helpers =====

var startAt = time.Now()

// serveLocalFile answers a whole-file request with standard range support:
// 206 + Content-Range for a range request, 200 + full length otherwise.
func (s *Server) serveLocalFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "open: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	s.serveRangeReadable(w, r, f)
}

func (s *Server) serveRangeReadable(w http.ResponseWriter, r *http.Request, f *os.File) {
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "stat: "+err.Error(), http.StatusInternalServerError)
		return
	}
	size := fi.Size()

	hadRange := false
	start, end := int64(0), size-1
	if rh := r.Header.Get("Range"); rh != "" {
		if s0, e0, ok := parseByteRange(rh, size); ok {
			start, end, hadRange = s0, e0, true
		} else {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}
	length := end - start + 1

	w.Header().Set("Content-Type", "audio/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if hadRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
	}
	if r.Method == http.MethodHead {
		return
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	if _, err := io.CopyN(w, f, length); err != nil && !clientGone(err) {
		log.Printf("[stream] range copy error: %v", err)
	}
}

// copyFlush streams src to the response, flushing as it goes so playback
// starts before the body is complete. Returns non-nil when the client went
// away.
func copyFlush(w http.ResponseWriter, rc *http.ResponseController, src io.Reader, buf []byte, r *http.Request) error {
	for {
		select {
		case <-r.Context().Done():
			return r.Context().Err()
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			_ = rc.Flush()
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return nil
			}
			return readErr
		}
	}
}

func parseByteRange(h string, size int64) (start, end int64, ok bool) {
	h = strings.TrimSpace(strings.ToLower(h))
	if !strings.HasPrefix(h, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(h, "bytes=")
	parts := strings.Split(spec, ",")
	if len(parts) != 1 {
		return 0, 0, false
	}
	se := strings.SplitN(strings.TrimSpace(parts[0]), "-", 2)
	if se[0] == "" {
		// suffix form: bytes=-N
		if len(se) != 2 {
			return 0, 0, false
		}
		n, err := strconv.ParseInt(se[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	s, err := strconv.ParseInt(se[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	var e int64
	if len(se) == 1 || se[1] == "" {
		e = size - 1
	} else {
		e, err = strconv.ParseInt(se[1], 10, 64)
		if err != nil || e < s {
			return 0, 0, false
		}
		if e >= size {
			e = size - 1
		}
	}
	return s, e, true
}

func clientGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "client disconnected") ||
		errors.Is(err, io.ErrClosedPipe)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func dirSize(root string) int64 {
	var total int64
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if fi, err := e.Info(); err == nil && fi.Mode().IsRegular() {
			total += fi.Size()
		}
	}
	return total
}
