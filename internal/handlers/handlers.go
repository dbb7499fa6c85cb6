package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/osteovision/koa-api/internal/model"
	"github.com/osteovision/koa-api/internal/overlay"
	"github.com/osteovision/koa-api/internal/preprocess"
	"github.com/osteovision/koa-api/internal/report"
)

const maxUploadBytes = 10 << 20

// PredictionResponse is the JSON payload the UI renders: the top
// class, the full per-class breakdown and the Grad-CAM overlay as a
// base64 PNG.
type PredictionResponse struct {
	Class      string         `json:"class"`
	Confidence float64        `json:"confidence"`
	Ranking    []report.Entry `json:"ranking"`
	OverlayPNG string         `json:"overlay_png"`
}

type Handler struct {
	session *model.Session
	alpha   float64
}

func NewHandler(session *model.Session, alpha float64) *Handler {
	return &Handler{
		session: session,
		alpha:   alpha,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// PredictFromImage runs the full pipeline on an uploaded X-ray:
// preprocess, infer, Grad-CAM, overlay, confidence report. Query
// parameters: class (optional explicit Grad-CAM target, default the
// predicted class) and alpha (optional blend strength, default 0.4).
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	log.Printf("Received file: %s, size: %d bytes", header.Filename, header.Size)

	raw, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read uploaded image", http.StatusBadRequest)
		return
	}

	targetClass, hasClass, alpha, err := h.parseOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tensor, orig, err := preprocess.Image(raw)
	if err != nil {
		var decErr *preprocess.DecodeError
		if errors.As(err, &decErr) {
			http.Error(w, "Invalid image format, please upload a PNG or JPEG X-ray", http.StatusBadRequest)
			return
		}
		log.Printf("Preprocessing error: %v", err)
		http.Error(w, "Failed to preprocess image", http.StatusInternalServerError)
		return
	}

	probs, err := h.session.Infer(tensor)
	if err != nil {
		log.Printf("Inference error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	if !hasClass {
		targetClass = model.Argmax(probs)
	}
	heatmap, err := h.session.Explain(tensor, targetClass)
	if err != nil {
		if errors.Is(err, model.ErrInvalidClass) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("Grad-CAM error: %v", err)
		http.Error(w, "Failed to compute explanation", http.StatusInternalServerError)
		return
	}

	blended, err := overlay.Render(orig, heatmap, alpha)
	if err != nil {
		if errors.Is(err, overlay.ErrInvalidAlpha) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("Overlay error: %v", err)
		http.Error(w, "Failed to render overlay", http.StatusInternalServerError)
		return
	}

	ranking, err := report.Make(probs)
	if err != nil {
		log.Printf("Ranking error: %v", err)
		http.Error(w, "Failed to build confidence report", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, blended); err != nil {
		log.Printf("PNG encode error: %v", err)
		http.Error(w, "Failed to encode overlay", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PredictionResponse{
		Class:      ranking.Top.Class,
		Confidence: ranking.Top.Percent,
		Ranking:    ranking.Entries,
		OverlayPNG: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// parseOptions reads the optional class and alpha query parameters.
// Only syntax is validated here; Session.Explain owns the label-space
// range check and Render owns the alpha range check.
func (h *Handler) parseOptions(r *http.Request) (targetClass int, hasClass bool, alpha float64, err error) {
	if v := r.URL.Query().Get("class"); v != "" {
		targetClass, err = strconv.Atoi(v)
		if err != nil {
			return 0, false, 0, fmt.Errorf("invalid class parameter %q", v)
		}
		hasClass = true
	}

	alpha = h.alpha
	if v := r.URL.Query().Get("alpha"); v != "" {
		alpha, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, 0, fmt.Errorf("invalid alpha parameter %q", v)
		}
	}
	return targetClass, hasClass, alpha, nil
}
