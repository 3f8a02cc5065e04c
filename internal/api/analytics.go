package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/newsdesk/pubengine/internal/analytics"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/export"
	"github.com/newsdesk/pubengine/internal/models"
)

const maxTrackBatch = 500

func (s *Server) analyticsRoutes(r *mux.Router) {
	r.HandleFunc("/track", s.track).Methods("POST")
	r.HandleFunc("/analytics/overview", s.overview).Methods("GET")
	r.HandleFunc("/analytics/daily", s.dailySeries).Methods("GET")
	r.HandleFunc("/analytics/hourly", s.hourlySeries).Methods("GET")
	r.HandleFunc("/analytics/breakdown/{dimension}", s.breakdown).Methods("GET")
	r.HandleFunc("/analytics/content", s.contentPerformance).Methods("GET")
	r.HandleFunc("/analytics/realtime", s.realtime).Methods("GET")
	r.HandleFunc("/analytics/compare/targets", s.compareTargets).Methods("GET")
	r.HandleFunc("/analytics/compare/periods", s.comparePeriods).Methods("GET")
	r.HandleFunc("/analytics/rollups/{kind}/{target}/{date}", s.rollup).Methods("GET")
	r.HandleFunc("/analytics/export", s.exportAnalytics).Methods("GET")
	r.HandleFunc("/analytics/reports", s.generateReport).Methods("POST")
	r.HandleFunc("/analytics/reports/{id}", s.getReport).Methods("GET")
	r.HandleFunc("/analytics/reports/{id}/download", s.downloadReport).Methods("GET")
	r.HandleFunc("/analytics/deadletters", s.deadLetters).Methods("GET")
}

type trackRequest struct {
	Event  *models.EngagementEvent  `json:"event,omitempty"`
	Events []models.EngagementEvent `json:"events,omitempty"`
}

// track accepts one event or a batch. Readers always get 202: invalid events
// and events past the batch limit are dead-lettered rather than reported back.
func (s *Server) track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		if sink := s.engine.DeadLetters(); sink != nil {
			sink.Record("undecodable tracking payload: "+err.Error(), nil)
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": 0})
		return
	}

	events := req.Events
	if req.Event != nil {
		events = append(events, *req.Event)
	}
	if len(events) > maxTrackBatch {
		overflow := events[maxTrackBatch:]
		events = events[:maxTrackBatch]
		if sink := s.engine.DeadLetters(); sink != nil {
			for i := range overflow {
				sink.Record(fmt.Sprintf("batch limit of %d events exceeded", maxTrackBatch), &overflow[i])
			}
		}
	}

	accepted := 0
	for _, res := range s.engine.IngestBatch(r.Context(), events) {
		if res.Status == analytics.IngestAccepted || res.Status == analytics.IngestDeduplicated {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": accepted})
}

func parsePeriod(r *http.Request, prefix string) (analytics.Period, error) {
	q := r.URL.Query()
	return analytics.ParsePeriod(q.Get(prefix+"period"), q.Get(prefix+"start"), q.Get(prefix+"end"))
}

// parseTarget reads "kind:id". A bare id names a content item.
func parseTarget(s string) (models.Target, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return models.Target{Kind: models.TargetContentItem, ID: s}, nil
	}
	target := models.Target{Kind: models.TargetKind(strings.ToLower(kind)), ID: id}
	switch target.Kind {
	case models.TargetPublication, models.TargetContentItem:
	default:
		return models.Target{}, apperr.Validation("target.kind", "unknown target kind %q", kind)
	}
	if target.ID == "" {
		return models.Target{}, apperr.Validation("target.id", "target id is required")
	}
	return target, nil
}

func parseFilter(r *http.Request) analytics.Filter {
	q := r.URL.Query()
	return analytics.Filter{
		Category:   q.Get("category"),
		Author:     q.Get("author"),
		Article:    q.Get("article"),
		Country:    q.Get("country"),
		DeviceType: q.Get("device"),
		Referrer:   q.Get("referrer"),
	}
}

func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	overview, err := s.engine.Overview(r.Context(), period, parseFilter(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) dailySeries(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	points, err := s.engine.DailySeries(r.Context(), period, parseFilter(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"period": period, "series": points})
}

func (s *Server) hourlySeries(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	points, err := s.engine.HourlySeries(r.Context(), date, parseFilter(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"date": date, "series": points})
}

func (s *Server) breakdown(w http.ResponseWriter, r *http.Request) {
	dimension, err := analytics.ParseDimension(mux.Vars(r)["dimension"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	period, err := parsePeriod(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.engine.Breakdown(r.Context(), period, dimension, parseFilter(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dimension": dimension, "rows": rows})
}

func (s *Server) contentPerformance(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := s.engine.ContentPerformance(r.Context(), period, parseFilter(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func (s *Server) realtime(w http.ResponseWriter, r *http.Request) {
	minutes, err := queryInt(r, "minutes", 30)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.engine.Realtime(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) compareTargets(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var targets []models.Target
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		target, err := parseTarget(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		targets = append(targets, target)
	}
	out, err := s.engine.CompareTargets(r.Context(), targets, period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": out})
}

// comparePeriods reads current_period/current_start/current_end and the
// matching previous_* parameters.
func (s *Server) comparePeriods(w http.ResponseWriter, r *http.Request) {
	current, err := parsePeriod(r, "current_")
	if err != nil {
		writeError(w, r, err)
		return
	}
	previous, err := parsePeriod(r, "previous_")
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.engine.ComparePeriods(r.Context(), current, previous, parseFilter(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) rollup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	target, err := parseTarget(vars["kind"] + ":" + vars["target"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	rollup, err := s.engine.Cache().Get(r.Context(), target, vars["date"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (s *Server) exportAnalytics(w http.ResponseWriter, r *http.Request) {
	format, err := parseFormat(r, export.FormatCSV)
	if err != nil {
		writeError(w, r, err)
		return
	}
	kind, err := analytics.ParseExportKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	period, err := parsePeriod(r, "")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.engine.Export(r.Context(), &buf, format, kind, period, parseFilter(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeFile(w, format, "analytics-"+string(kind)+"-"+period.Name, buf.Bytes())
}

type reportRequest struct {
	Period string           `json:"period"`
	Start  string           `json:"start,omitempty"`
	End    string           `json:"end,omitempty"`
	Format string           `json:"format,omitempty"`
	Kind   string           `json:"kind,omitempty"`
	Filter analytics.Filter `json:"filter"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	period, err := analytics.ParsePeriod(req.Period, req.Start, req.End)
	if err != nil {
		writeError(w, r, err)
		return
	}
	kind, err := analytics.ParseExportKind(req.Kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.reports.GenerateReport(r.Context(), analytics.ReportRequest{
		Period: period,
		Filter: req.Filter,
		Format: export.Format(strings.ToLower(req.Format)),
		Kind:   kind,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) downloadReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	data, format, err := s.reports.Download(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeFile(w, format, "report-"+id, data)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	if s.engine.DeadLetters() == nil {
		writeError(w, r, apperr.NotFound("dead-letter sink", "default"))
		return
	}
	letters := s.engine.DeadLetters().Recent()
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": letters, "count": len(letters)})
}
