package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osteovision/koa-api/internal/handlers"
	"github.com/osteovision/koa-api/internal/model"
	"github.com/osteovision/koa-api/internal/overlay"
	"github.com/osteovision/koa-api/internal/provision"
)

const (
	defaultModelPath = "models/osteovision.ovm"
	defaultModelURL  = "https://osteovision-models.s3.us-west-2.amazonaws.com/osteovision.ovm"
)

var (
	requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"},
	)
)

func init() {
	prometheus.MustRegister(requestCount, requestDuration)
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func withMetrics(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)
		duration := time.Since(start)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.statusCode, duration)
		requestCount.WithLabelValues(r.URL.Path, r.Method, fmt.Sprintf("%d", rec.statusCode)).Inc()
		requestDuration.WithLabelValues(r.URL.Path).Observe(duration.Seconds())
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	modelPath := envOr("MODEL_PATH", defaultModelPath)
	modelURL := envOr("MODEL_URL", defaultModelURL)

	if err := provision.EnsureModel(modelPath, modelURL); err != nil {
		log.Fatalf("Failed to provision model: %v", err)
	}

	session, err := model.NewSession(modelPath)
	if err != nil {
		log.Fatalf("Failed to initialize inference session: %v", err)
	}
	defer session.Close()

	handler := handlers.NewHandler(session, overlay.DefaultAlpha)

	http.HandleFunc("/health", enableCORS(withMetrics(handler.Health)))
	http.HandleFunc("/predict/image", enableCORS(withMetrics(handler.PredictFromImage)))
	http.Handle("/metrics", promhttp.Handler())

	port := envOr("PORT", "8080")

	log.Printf("Server starting on port %s", port)
	log.Printf("Model loaded: %s", modelPath)
	log.Printf("Classes: %v", model.ClassNames)
	log.Println("Endpoints:")
	log.Println("  GET  /health        - Health check")
	log.Println("  POST /predict/image - KL-grade prediction with Grad-CAM overlay")
	log.Println("  GET  /metrics       - Prometheus metrics")
	log.Printf("\n💡 Upload test: curl -X POST -F \"image=@knee.png\" http://localhost:%s/predict/image\n\n", port)

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
