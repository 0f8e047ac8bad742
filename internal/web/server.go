package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"snapfile-go/internal/config"
	"snapfile-go/internal/engine"
	"snapfile-go/internal/history"
	"snapfile-go/internal/job"
	"snapfile-go/internal/report"
	"snapfile-go/internal/sniffer"
	"snapfile-go/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// multipart bodies beyond this are spooled to disk by net/http
const formMemory = 32 << 20

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	engine     *engine.Engine
	history    *history.Store
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	maxUpload  int64
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// BatchView is the JSON form of a live batch.
type BatchView struct {
	ID         string                  `json:"id"`
	Tier       string                  `json:"tier"`
	CreatedAt  time.Time               `json:"created_at"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	Summary    statistics.BatchSummary `json:"summary"`
	Jobs       []job.Snapshot          `json:"jobs,omitempty"`
}

// NewServer builds the HTTP API around a running engine. hist may be nil
// when history is disabled.
func NewServer(cfg *config.Config, log *logrus.Logger, eng *engine.Engine, hist *history.Store) (*Server, error) {
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		log:       log,
		engine:    eng,
		history:   hist,
		router:    mux.NewRouter(),
		maxUpload: maxUpload,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/tiers", s.handleTiers).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/history/{id}", s.handleHistoryBatch).Methods("GET")

	api.HandleFunc("/batches", s.handleSubmit).Methods("POST")
	api.HandleFunc("/batches", s.handleListBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", s.handleGetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}", s.handleReleaseBatch).Methods("DELETE")
	api.HandleFunc("/batches/{id}/cancel", s.handleCancelBatch).Methods("POST")
	api.HandleFunc("/batches/{id}/report.xlsx", s.handleReport).Methods("GET")
	api.HandleFunc("/batches/{id}/jobs/{jobID}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/batches/{id}/jobs/{jobID}/cancel", s.handleCancelJob).Methods("POST")
	api.HandleFunc("/batches/{id}/jobs/{jobID}/output", s.handleOutput).Methods("GET")
	api.HandleFunc("/batches/{id}/jobs/{jobID}/source", s.handleSource).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.log.Infof("Starting web server on http://%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	batches := s.engine.Batches()
	active := 0
	for _, b := range batches {
		if b.FinishedAt().IsZero() {
			active++
		}
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"workers":        s.engine.Workers(),
			"queued":         s.engine.QueueLen(),
			"batches":        len(batches),
			"active_batches": active,
			"history":        s.history != nil,
		},
	})
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	tiers := make([]engine.TierConfig, 0, len(s.cfg.Tiers))
	for _, name := range s.cfg.TierNames() {
		t, err := s.cfg.Tier(name)
		if err != nil {
			s.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		tiers = append(tiers, t)
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"default": s.cfg.DefaultTier,
			"tiers":   tiers,
		},
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		s.writeError(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	tier, err := s.cfg.Tier(r.FormValue("tier"))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var quality float64
	if q := r.FormValue("quality"); q != "" {
		quality, err = strconv.ParseFloat(q, 64)
		if err != nil {
			s.writeError(w, "Quality must be a number", http.StatusBadRequest)
			return
		}
	}
	target := r.FormValue("target_format")

	headers := r.MultipartForm.File["files"]
	items := make([]engine.Item, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			s.writeError(w, fmt.Sprintf("Failed to read %s: %v", fh.Filename, err), http.StatusBadRequest)
			return
		}
		items = append(items, engine.Item{
			Name:         fh.Filename,
			Data:         data,
			Quality:      quality,
			TargetFormat: target,
		})
	}

	b, err := s.engine.Submit(r.Context(), engine.BatchSubmission{Items: items, Tier: tier})
	if err != nil {
		var adm *engine.AdmissionError
		switch {
		case errors.As(err, &adm):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err.Error(), Data: adm})
		case errors.Is(err, engine.ErrEngineClosed):
			s.writeError(w, err.Error(), http.StatusServiceUnavailable)
		default:
			s.writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Location", "/api/batches/"+b.ID)
	s.writeJSONStatus(w, http.StatusAccepted, APIResponse{
		Success: true,
		Message: "Batch accepted",
		Data:    batchView(b, true),
	})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches := s.engine.Batches()
	views := make([]BatchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, batchView(b, false))
	}
	s.writeJSON(w, APIResponse{Success: true, Data: views})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: batchView(b, true)})
}

func (s *Server) handleReleaseBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Release(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Batch released"})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	b.CancelAll()
	s.writeJSON(w, APIResponse{Success: true, Message: "Cancellation requested"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	snap, err := b.Job(mux.Vars(r)["jobID"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: snap})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	if err := b.Cancel(mux.Vars(r)["jobID"]); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Cancellation requested"})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	jobID := mux.Vars(r)["jobID"]
	snap, err := b.Job(jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out, err := b.Output(jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeFile(w, snap.OutputName, out.MIME, out.Data)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	jobID := mux.Vars(r)["jobID"]
	snap, err := b.Job(jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	data, err := b.Source(jobID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeFile(w, snap.Name, sniffer.Detect(data).MIME, data)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	data, err := report.BuildXLSX(b.ID, b.Jobs())
	if err != nil {
		s.log.WithError(err).WithField("batch_id", b.ID).Error("Failed to build report")
		s.writeError(w, "Failed to build report", http.StatusInternalServerError)
		return
	}
	s.writeFile(w, "batch-"+b.ID+".xlsx", report.ContentType, data)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, "History is disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.history.List(limit)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	batches, original, output, err := s.history.Totals()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"batches": records,
			"totals": map[string]int64{
				"batches":        batches,
				"original_bytes": original,
				"output_bytes":   output,
				"saved_bytes":    original - output,
			},
		},
	})
}

func (s *Server) handleHistoryBatch(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, "History is disabled", http.StatusNotFound)
		return
	}
	rec, err := s.history.Get(mux.Vars(r)["id"])
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: rec})
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) (*engine.Batch, bool) {
	b, err := s.engine.Batch(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return nil, false
	}
	return b, true
}

func batchView(b *engine.Batch, withJobs bool) BatchView {
	v := BatchView{
		ID:        b.ID,
		Tier:      b.Tier.Name,
		CreatedAt: b.CreatedAt,
		Summary:   b.Summary(),
	}
	if t := b.FinishedAt(); !t.IsZero() {
		v.FinishedAt = &t
	}
	if withJobs {
		v.Jobs = b.Jobs()
	}
	return v
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrBatchNotFound), errors.Is(err, job.ErrNotFound):
		s.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrBatchActive), errors.Is(err, engine.ErrJobFinished), errors.Is(err, job.ErrNoOutput):
		s.writeError(w, err.Error(), http.StatusConflict)
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeFile(w http.ResponseWriter, name, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if _, err := w.Write(data); err != nil {
		s.log.Debugf("Download write failed: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
