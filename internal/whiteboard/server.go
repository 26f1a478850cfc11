package whiteboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/racecomms/internal/apperr"
)

// Server serves the whiteboard HTTP protocol over a Store.
type Server struct {
	store           Store
	logger          *slog.Logger
	resizeThreshold int64
	now             func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithResizeThreshold makes every post trim each tag to n posts. Zero
// disables trimming.
func WithResizeThreshold(n int64) ServerOption {
	return func(s *Server) { s.resizeThreshold = n }
}

// WithClock replaces time.Now for post timestamps.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer creates a Server.
func NewServer(store Store, opts ...ServerOption) *Server {
	s := &Server{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the whiteboard routes.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/get/{tag}/{index}", s.getSingle)
	r.Get("/get/{tag}/{start}/{stop}", s.getRange)
	r.Get("/latest/{tag}", s.latest)
	r.Post("/post/{tag}", s.post)
	r.Get("/after/{tag}/{timestamp}", s.after)
	r.Get("/info", s.info)
	r.Get("/resize/{threshold}", s.resize)
	r.Get("/save", s.save)
	r.Get("/save/{sync}", s.save)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return v, err == nil
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("whiteboard request failed", slog.String("op", op), slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) getSingle(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	index, ok := intParam(r, "index")
	if !ok {
		writeError(w, http.StatusNotFound, "bad index")
		return
	}
	p, err := s.store.Get(r.Context(), tag, index)
	if errors.Is(err, apperr.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such post")
		return
	}
	if err != nil {
		s.internalError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"data":      p.Data,
		"timestamp": FormatTimestamp(p.Timestamp),
	})
}

func (s *Server) getRange(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	start, ok1 := intParam(r, "start")
	stop, ok2 := intParam(r, "stop")
	if !ok1 || !ok2 {
		writeError(w, http.StatusNotFound, "bad range")
		return
	}
	posts, next, err := s.store.Range(r.Context(), tag, start, stop)
	if err != nil {
		s.internalError(w, "range", err)
		return
	}

	data := make([]string, 0, len(posts))
	for _, p := range posts {
		data = append(data, p.Data)
	}
	var ts float64
	if len(posts) > 0 {
		ts = posts[len(posts)-1].Timestamp
	} else if last, err := s.store.Get(r.Context(), tag, -1); err == nil {
		ts = last.Timestamp
	}
	s.logger.Debug("range", slog.String("tag", tag), slog.Int64("start", start), slog.Int("posts", len(posts)), slog.Int64("length", next))
	writeJSON(w, http.StatusOK, map[string]any{
		"data":      data,
		"length":    next,
		"timestamp": FormatTimestamp(ts),
	})
}

func (s *Server) latest(w http.ResponseWriter, r *http.Request) {
	next, err := s.store.Latest(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		s.internalError(w, "latest", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"latest": next})
}

func (s *Server) post(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	var req struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be json")
		return
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, "missing data")
		return
	}

	ts := float64(s.now().UnixMicro()) / 1e6
	index, err := s.store.Append(r.Context(), tag, req.Data, ts)
	if err != nil {
		s.internalError(w, "post", err)
		return
	}
	s.logger.Info("post", slog.String("tag", tag), slog.Int64("index", index), slog.Int("size", len(req.Data)))

	if s.resizeThreshold > 0 {
		if dropped, err := s.store.Resize(r.Context(), s.resizeThreshold); err != nil {
			s.logger.Warn("resize after post failed", slog.String("error", err.Error()))
		} else if dropped > 0 {
			s.logger.Info("resized", slog.Int64("dropped", dropped))
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"index":     index,
		"timestamp": FormatTimestamp(ts),
	})
}

func (s *Server) after(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseFloat(chi.URLParam(r, "timestamp"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad timestamp")
		return
	}
	index, err := s.store.After(r.Context(), chi.URLParam(r, "tag"), ts)
	if err != nil {
		s.internalError(w, "after", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"index": index})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.Info(r.Context())
	if err != nil {
		s.internalError(w, "info", err)
		return
	}
	if tags == nil {
		tags = []TagInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) resize(w http.ResponseWriter, r *http.Request) {
	threshold, ok := intParam(r, "threshold")
	if !ok || threshold < 0 {
		writeError(w, http.StatusNotFound, "bad threshold")
		return
	}
	dropped, err := s.store.Resize(r.Context(), threshold)
	if err != nil {
		s.internalError(w, "resize", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"dropped": dropped})
}

func (s *Server) save(w http.ResponseWriter, r *http.Request) {
	sync := false
	if raw := chi.URLParam(r, "sync"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusNotFound, "bad sync flag")
			return
		}
		sync = v != 0
	}
	if err := s.store.Save(r.Context(), sync); err != nil {
		s.internalError(w, "save", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
