// Package api exposes the HTTP surface of yardkeep: plant record CRUD,
// photo capture, identification triggers, and signed share links.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yardkeep/yardkeep/internal/config"
	"github.com/yardkeep/yardkeep/internal/identify"
	"github.com/yardkeep/yardkeep/internal/imaging"
	"github.com/yardkeep/yardkeep/internal/model"
	"github.com/yardkeep/yardkeep/internal/queue"
	"github.com/yardkeep/yardkeep/internal/ratelimit"
	"github.com/yardkeep/yardkeep/internal/signing"
	"github.com/yardkeep/yardkeep/internal/store"
)

// Enqueuer hands identification jobs to the background worker.
type Enqueuer interface {
	EnqueueIdentify(ctx context.Context, plantID string) error
}

// AsynqEnqueuer is the production Enqueuer backed by an asynq client.
type AsynqEnqueuer struct {
	client *asynq.Client
}

// NewAsynqEnqueuer wraps an asynq client.
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client}
}

// EnqueueIdentify queues a single identification attempt.
func (e *AsynqEnqueuer) EnqueueIdentify(ctx context.Context, plantID string) error {
	return queue.EnqueueIdentify(ctx, e.client, queue.IdentifyPayload{PlantID: plantID})
}

// Server exposes HTTP endpoints over a record store and an identification
// workflow.
type Server struct {
	cfg     *config.Config
	store   store.Store
	flow    *identify.Workflow
	enqueue Enqueuer
	signer  *signing.Signer
	limiter *ratelimit.Limiter
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, st store.Store, flow *identify.Workflow, enqueuer Enqueuer) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		flow:    flow,
		enqueue: enqueuer,
		signer:  signing.NewSigner(cfg.SigningSecret),
		limiter: ratelimit.New(cfg.IdentifyRateLimit, cfg.IdentifyRateInterval, cfg.RateLimitCapacity),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/plants", s.handlePlants)
	mux.HandleFunc("/plants/", s.handlePlantRoute)
	mux.HandleFunc("/photo", s.handlePhoto)
	return corsMiddleware(loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r)
	case http.MethodPost:
		s.handleCapture(w, r)
	case http.MethodDelete:
		s.handleClear(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePlantRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/plants/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handlePlant(w, r, id)
		return
	}
	switch parts[1] {
	case "images":
		s.handleAppendImage(w, r, id)
	case "rename":
		s.handleRename(w, r, id)
	case "identify":
		s.handleIdentify(w, r, id)
	case "accept":
		s.handleAccept(w, r, id)
	case "image":
		s.handleImage(w, r, id)
	case "share-url":
		s.handleShareURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.GetAll(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	summaries := make([]*model.PlantRecord, 0, len(records))
	for _, record := range records {
		summary := record.Clone()
		for i := range summary.Images {
			summary.Images[i].Blob = nil
		}
		summaries = append(summaries, summary)
	}
	// Newest first.
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlant(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		record, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.storeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, record)
	case http.MethodPut:
		var record model.PlantRecord
		if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
			http.Error(w, "invalid record body", http.StatusBadRequest)
			return
		}
		record.ID = id
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now().UTC()
		}
		if record.IDStatus == "" {
			record.IDStatus = model.StatusUnidentified
		}
		if err := s.store.Put(r.Context(), &record); err != nil {
			s.storeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, &record)
	case http.MethodDelete:
		if err := s.store.Delete(r.Context(), id); err != nil {
			s.storeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	capture, nickname, ok := s.readCapture(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	record := &model.PlantRecord{
		ID:        uuid.NewString(),
		CreatedAt: now,
		IDStatus:  model.StatusUnidentified,
		UpdatedAt: now,
		Images: []model.PlantImage{{
			ID:        uuid.NewString(),
			CreatedAt: now,
			Blob:      capture,
		}},
	}
	if nickname != "" {
		record.Nickname = &nickname
	}
	if err := s.store.Put(r.Context(), record); err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) handleAppendImage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	capture, _, ok := s.readCapture(w, r)
	if !ok {
		return
	}
	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	now := time.Now().UTC()
	record.Images = append(record.Images, model.PlantImage{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Blob:      capture,
	})
	record.UpdatedAt = now
	if err := s.store.Put(r.Context(), record); err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Nickname string `json:"nickname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid rename body", http.StatusBadRequest)
		return
	}
	if err := s.flow.Rename(r.Context(), id, body.Nickname); err != nil {
		s.storeError(w, err)
		return
	}
	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(clientAddr(r)) {
		http.Error(w, "too many identification requests", http.StatusTooManyRequests)
		return
	}
	started, err := s.flow.Start(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !started {
		respondJSON(w, http.StatusConflict, map[string]string{
			"id":       id,
			"idStatus": string(model.StatusIdentifying),
			"detail":   "identification already in progress",
		})
		return
	}
	if err := s.enqueue.EnqueueIdentify(r.Context(), id); err != nil {
		log.Printf("enqueue identify %s: %v", id, err)
		http.Error(w, "failed to queue identification", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":       id,
		"idStatus": string(model.StatusIdentifying),
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Candidate model.Candidate `json:"candidate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid accept body", http.StatusBadRequest)
		return
	}
	if err := s.flow.Accept(r.Context(), id, body.Candidate); err != nil {
		if errors.Is(err, identify.ErrCandidateUnknown) {
			http.Error(w, "candidate is not among the current suggestions", http.StatusUnprocessableEntity)
			return
		}
		s.storeError(w, err)
		return
	}
	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.serveLatestImage(w, r, id)
}

func (s *Server) handleShareURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(id, expires)
	values := url.Values{}
	values.Set("id", id)
	values.Set("expires", fmt.Sprintf("%d", expires))
	values.Set("sig", sig)
	respondJSON(w, http.StatusOK, map[string]string{
		"url": "/photo?" + values.Encode(),
	})
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	expires := r.URL.Query().Get("expires")
	sig := r.URL.Query().Get("sig")
	if id == "" || expires == "" || sig == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	if time.Unix(expiryUnix, 0).Before(time.Now()) {
		http.Error(w, "link expired", http.StatusForbidden)
		return
	}
	if !s.signer.Validate(id, expires, sig) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	s.serveLatestImage(w, r, id)
}

func (s *Server) serveLatestImage(w http.ResponseWriter, r *http.Request, id string) {
	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	latest := record.LatestImage()
	if latest == nil || len(latest.Blob) == 0 {
		http.Error(w, "plant has no photo", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(latest.Blob))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(latest.Blob)
}

// readCapture pulls the uploaded photo out of a multipart request, checks it
// is an image, and normalizes it for storage. On failure it writes the HTTP
// error itself and returns ok=false.
func (s *Server) readCapture(w http.ResponseWriter, r *http.Request) (jpeg []byte, nickname string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return nil, "", false
	}
	var raw []byte
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			http.Error(w, "malformed multipart form", http.StatusBadRequest)
			return nil, "", false
		}
		switch part.FormName() {
		case "file":
			raw, err = readLimited(part, s.cfg.MaxUploadBytes)
			part.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return nil, "", false
			}
		case "nickname":
			value, err := readLimited(part, 1024)
			part.Close()
			if err == nil {
				nickname = strings.TrimSpace(string(value))
			}
		default:
			part.Close()
		}
	}
	if len(raw) == 0 {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return nil, "", false
	}
	if !strings.HasPrefix(http.DetectContentType(raw), "image/") {
		http.Error(w, "only image uploads supported", http.StatusBadRequest)
		return nil, "", false
	}
	normalized, err := imaging.Normalize(raw, s.cfg.MaxDimension, s.cfg.JPEGQuality)
	if err != nil {
		http.Error(w, "could not decode image", http.StatusBadRequest)
		return nil, "", false
	}
	return normalized, nickname, true
}

func readLimited(part *multipart.Part, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(part, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("upload exceeds limit (%d bytes)", limit)
	}
	return buf.Bytes(), nil
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "plant not found", http.StatusNotFound)
	case errors.Is(err, identify.ErrNoImage):
		http.Error(w, "plant has no photo", http.StatusConflict)
	case errors.Is(err, store.ErrUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		log.Printf("request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
