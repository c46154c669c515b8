package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Brownie44l1/cnn-lens/internal/pipeline"
)

type Handler struct {
	service   *pipeline.Service
	log       *zap.SugaredLogger
	maxUpload int64
}

func NewHandler(service *pipeline.Service, log *zap.SugaredLogger, maxUpload int64) *Handler {
	return &Handler{
		service:   service,
		log:       log,
		maxUpload: maxUpload,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code pipeline.Code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: string(code)})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Models lists every model with its selectable layers.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Models())
}

// Process takes a multipart form with an image under "file" plus the
// "model", "layer", "heatmap" and optional "class" fields.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > h.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "", "Upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "", "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "", "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "No file uploaded. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "Failed to read upload")
		return
	}

	req := pipeline.Request{
		Image:   raw,
		Model:   r.FormValue("model"),
		Layer:   r.FormValue("layer"),
		Heatmap: strings.EqualFold(r.FormValue("heatmap"), "true"),
	}
	if v := r.FormValue("class"); v != "" {
		class, err := strconv.Atoi(v)
		if err != nil || class < 0 {
			writeError(w, http.StatusBadRequest, "", "class must be a non-negative integer")
			return
		}
		req.TargetClass = &class
	}

	h.log.Debugw("Received upload", "filename", header.Filename, "size", header.Size,
		"model", req.Model, "layer", req.Layer, "heatmap", req.Heatmap)

	res, err := h.service.Explain(r.Context(), req)
	if err != nil {
		var pe *pipeline.Error
		if !errors.As(err, &pe) {
			pe = &pipeline.Error{Code: pipeline.CodeInternal, Err: err}
		}
		status := http.StatusBadRequest
		if pe.Code == pipeline.CodeInternal {
			status = http.StatusInternalServerError
			h.log.Errorw("Explain failed", "error", err)
		}
		writeError(w, status, pe.Code, message(pe))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func message(e *pipeline.Error) string {
	switch e.Code {
	case pipeline.CodeInvalidModel:
		return "Invalid model name"
	case pipeline.CodeInvalidLayer, pipeline.CodeNotVisualizable:
		return "Invalid layer selection: " + e.Err.Error()
	case pipeline.CodeDecodeError:
		return "Invalid image format. Supported: JPEG, PNG, GIF"
	}
	return e.Err.Error()
}

// CORS allows browser frontends served from another origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Routes wires the API onto a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/api/models", h.Models)
	mux.HandleFunc("/api/process", h.Process)
	return CORS(mux)
}
