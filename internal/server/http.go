package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"github.com/logvault/logvault/internal/engine"
	"github.com/logvault/logvault/internal/model"
	"github.com/logvault/logvault/internal/segment"
)

const maxBodyBytes = 1 << 20

// apiResponse is the envelope every endpoint answers with.
type apiResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// searchRequest is the wire form of a search. Times are RFC3339.
type searchRequest struct {
	TraceID   string    `json:"trace_id,omitempty"`
	SpanID    string    `json:"span_id,omitempty"`
	Service   string    `json:"service,omitempty"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	UseIndex  bool      `json:"use_index,omitempty"`
}

// fileInfo is one row of the segment listing.
type fileInfo struct {
	Name       string `json:"name"`
	SegmentID  uint64 `json:"segment_id"`
	Size       int64  `json:"size"`
	SizeHuman  string `json:"size_human"`
	Records    int    `json:"records"`
	MinTs      int64  `json:"min_ts"`
	MaxTs      int64  `json:"max_ts"`
	Sealed     bool   `json:"sealed"`
	Compressed bool   `json:"compressed"`
}

// Server is the HTTP boundary over the engine.
type Server struct {
	eng     *engine.Engine
	dataDir string
	logger  *zap.Logger
	srv     *http.Server
	parser  fastjson.ParserPool
}

func New(eng *engine.Engine, dataDir string, logger *zap.Logger) *Server {
	return &Server{eng: eng, dataDir: dataDir, logger: logger}
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Routes builds the API mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/logs/write", s.handleWrite)
	mux.HandleFunc("/api/v1/logs/search", s.handleSearch)
	mux.HandleFunc("/api/v1/logs/errors", s.handleErrors)
	mux.HandleFunc("/api/v1/logs/trace/", s.keyedSearch("/api/v1/logs/trace/", func(q *engine.Query, v string) { q.TraceID = v }))
	mux.HandleFunc("/api/v1/logs/span/", s.keyedSearch("/api/v1/logs/span/", func(q *engine.Query, v string) { q.SpanID = v }))
	mux.HandleFunc("/api/v1/logs/service/", s.keyedSearch("/api/v1/logs/service/", func(q *engine.Query, v string) { q.Service = v }))
	mux.HandleFunc("/api/v1/logs/level/", s.keyedSearch("/api/v1/logs/level/", func(q *engine.Query, v string) { q.Level = v }))
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/files", s.handleFiles)
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// handleWrite ingests a single record or a JSON array batch.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := checkJSONRequest(r); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendError(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		s.sendError(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if v.Type() == fastjson.TypeArray {
		s.writeBatch(w, r, v)
		return
	}

	draft, err := recordFromJSON(v)
	if err != nil {
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	receipt, err := s.eng.Write(r.Context(), draft)
	if err != nil {
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	if err := s.eng.Sync(); err != nil {
		s.logger.Warn("segment sync after write", zap.Error(err))
	}

	s.sendSuccess(w, receipt)
}

type batchResult struct {
	Accepted int                   `json:"accepted"`
	Failed   int                   `json:"failed"`
	Receipts []engine.WriteReceipt `json:"receipts"`
	Errors   []string              `json:"errors,omitempty"`
}

func (s *Server) writeBatch(w http.ResponseWriter, r *http.Request, v *fastjson.Value) {
	arr, _ := v.Array()
	res := batchResult{Receipts: make([]engine.WriteReceipt, 0, len(arr))}

	for i, item := range arr {
		draft, err := recordFromJSON(item)
		if err == nil {
			var receipt engine.WriteReceipt
			receipt, err = s.eng.Write(r.Context(), draft)
			if err == nil {
				res.Accepted++
				res.Receipts = append(res.Receipts, receipt)
				continue
			}
		}
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("entry %d: %v", i, err))
	}

	// One sync per batch keeps ingest throughput up.
	if err := s.eng.Sync(); err != nil {
		s.logger.Warn("segment sync after batch", zap.Error(err))
	}

	if res.Accepted == 0 && res.Failed > 0 {
		s.send(w, false, res, "no entries accepted", http.StatusBadRequest)
		return
	}
	s.sendSuccess(w, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := checkJSONRequest(r); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	q := engine.Query{
		TraceID:  req.TraceID,
		SpanID:   req.SpanID,
		Service:  req.Service,
		Level:    req.Level,
		Message:  req.Message,
		Limit:    req.Limit,
		UseIndex: req.UseIndex,
	}
	if !req.StartTime.IsZero() {
		q.Start = req.StartTime.UnixNano()
	}
	if !req.EndTime.IsZero() {
		q.End = req.EndTime.UnixNano()
	}

	s.runSearch(w, r, q)
}

// keyedSearch builds a GET handler for the per-key convenience routes,
// e.g. /api/v1/logs/trace/{id}.
func (s *Server) keyedSearch(prefix string, bind func(*engine.Query, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, prefix)
		if key == "" {
			s.sendError(w, "Key is required", http.StatusBadRequest)
			return
		}

		q := engine.Query{Limit: limitParam(r), UseIndex: true}
		bind(&q, key)
		s.runSearch(w, r, q)
	}
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.eng.Errors(r.Context(), limitParam(r))
	if err != nil {
		s.sendError(w, err.Error(), statusFor(err))
		return
	}
	s.sendSuccess(w, map[string]any{
		"entries":       result.Entries,
		"total_matched": result.TotalMatched,
		"limit":         result.Limit,
	})
}

func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, q engine.Query) {
	start := time.Now()
	result, err := s.eng.Search(r.Context(), q)
	if err != nil {
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	s.sendSuccess(w, map[string]any{
		"entries":       result.Entries,
		"total_matched": result.TotalMatched,
		"limit":         result.Limit,
		"duration":      time.Since(start).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sendSuccess(w, s.eng.Stats())
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metas := s.eng.Segments()
	files := make([]fileInfo, 0, len(metas))
	for _, m := range metas {
		files = append(files, fileInfo{
			Name:       m.Name,
			SegmentID:  m.ID,
			Size:       m.Size,
			SizeHuman:  humanSize(m.Size),
			Records:    m.Records,
			MinTs:      m.MinTs,
			MaxTs:      m.MaxTs,
			Sealed:     m.Sealed,
			Compressed: m.Sealed,
		})
	}
	s.sendSuccess(w, files)
}

// handleHealth reports healthy while the process accepts requests, degraded
// when the data directory stops being writable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]any{
		"status":    "healthy",
		"service":   "logvault",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if err := probeDir(s.dataDir); err != nil {
		health["status"] = "degraded"
		health["detail"] = err.Error()
	}
	s.sendSuccess(w, health)
}

func probeDir(dir string) error {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// recordFromJSON builds a draft record from a parsed ingest object.
func recordFromJSON(v *fastjson.Value) (model.LogRecord, error) {
	lvl, err := model.ParseLevel(string(v.GetStringBytes("level")))
	if err != nil {
		return model.LogRecord{}, err
	}

	msg := string(v.GetStringBytes("message"))
	if msg == "" {
		msg = string(v.GetStringBytes("msg"))
	}

	rec := model.LogRecord{
		Level:   lvl,
		Message: strings.TrimSpace(msg),
		TraceID: string(v.GetStringBytes("trace_id")),
		SpanID:  string(v.GetStringBytes("span_id")),
		Service: string(v.GetStringBytes("service")),
	}

	if obj := v.GetObject("fields"); obj != nil {
		rec.Fields = make(map[string]any)
		obj.Visit(func(key []byte, fv *fastjson.Value) {
			switch fv.Type() {
			case fastjson.TypeString:
				rec.Fields[string(key)] = string(fv.GetStringBytes())
			case fastjson.TypeNumber:
				rec.Fields[string(key)] = fv.GetFloat64()
			case fastjson.TypeTrue:
				rec.Fields[string(key)] = true
			case fastjson.TypeFalse:
				rec.Fields[string(key)] = false
			}
			// Nested values are dropped: fields hold scalars only.
		})
	}
	return rec, nil
}

func checkJSONRequest(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		return fmt.Errorf("unsupported content type: %s", ct)
	}
	return nil
}

func limitParam(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit // engine clamps defaults and maximums
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidLevel),
		errors.Is(err, model.ErrEmptyMessage),
		errors.Is(err, model.ErrFieldTooLong):
		return http.StatusBadRequest
	case errors.Is(err, segment.ErrSegmentUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func humanSize(size int64) string {
	if size < 1024 {
		return fmt.Sprintf("%d B", size)
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	f := float64(size)
	var i int
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", f, units[i])
}

func (s *Server) sendSuccess(w http.ResponseWriter, data any) {
	s.send(w, true, data, "", http.StatusOK)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.send(w, false, nil, message, code)
}

func (s *Server) send(w http.ResponseWriter, success bool, data any, errMsg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)

	resp := apiResponse{
		Success:   success,
		Data:      data,
		Error:     errMsg,
		Code:      code,
		Timestamp: time.Now(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}
