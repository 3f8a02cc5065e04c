// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/newsdesk/pubengine/internal/analytics"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/promotion"
	"github.com/newsdesk/pubengine/internal/publication"
	"github.com/sirupsen/logrus"
)

// PrivilegedHeader marks a request as coming from an editor allowed to
// restore archived publications.
const PrivilegedHeader = "X-Editor-Privileged"

const maxBodyBytes = 1 << 20

// Server wires HTTP routes onto the engine's services
type Server struct {
	publications *publication.Service
	ledger       *promotion.Ledger
	engine       *analytics.Engine
	reports      *analytics.ReportService
	started      time.Time
}

// NewServer creates the HTTP handlers
func NewServer(pubs *publication.Service, ledger *promotion.Ledger, engine *analytics.Engine, reports *analytics.ReportService) *Server {
	return &Server{
		publications: pubs,
		ledger:       ledger,
		engine:       engine,
		reports:      reports,
		started:      time.Now(),
	}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", s.health).Methods("GET")
	router.HandleFunc("/s/{id}", s.followShareLink).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	s.publicationRoutes(v1)
	s.promotionRoutes(v1)
	s.analyticsRoutes(v1)

	return router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logrus.WithField("path", r.URL.Path).Errorf("Request failed: %v", err)
	}

	resp := errorResponse{Error: err.Error()}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("body", "invalid JSON body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation(key, "%s must be an integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
