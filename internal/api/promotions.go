package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/export"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/promotion"
)

func (s *Server) promotionRoutes(r *mux.Router) {
	r.HandleFunc("/promotions", s.issueCode).Methods("POST")
	r.HandleFunc("/promotions", s.listCodes).Methods("GET")
	r.HandleFunc("/promotions/bulk", s.bulkUpdateCodes).Methods("POST")
	r.HandleFunc("/promotions/export", s.exportCodes).Methods("GET")
	r.HandleFunc("/promotions/codes/{code}", s.getCodeByValue).Methods("GET")
	r.HandleFunc("/promotions/codes/{code}/click", s.resolveClick).Methods("POST")
	r.HandleFunc("/promotions/codes/{code}/conversions", s.recordConversion).Methods("POST")
	r.HandleFunc("/promotions/codes/{code}/rate", s.conversionRate).Methods("GET")
	r.HandleFunc("/promotions/{id}", s.getCode).Methods("GET")
	r.HandleFunc("/promotions/{id}/active", s.setCodeActive).Methods("PUT")
	r.HandleFunc("/promotions/{id}/links", s.issueShareLink).Methods("POST")
	r.HandleFunc("/promotions/{id}/links", s.listShareLinks).Methods("GET")
	r.HandleFunc("/links/{id}/active", s.setShareLinkActive).Methods("PUT")
}

type issueCodeRequest struct {
	Target  models.Target `json:"target"`
	Channel string        `json:"channel"`
	promotion.IssueOptions
}

func (s *Server) issueCode(w http.ResponseWriter, r *http.Request) {
	var req issueCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	code, err := s.ledger.IssueCode(r.Context(), req.Target, req.Channel, req.IssueOptions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

func codeFilter(r *http.Request) promotion.ListFilter {
	q := r.URL.Query()
	return promotion.ListFilter{
		TargetID:   q.Get("target_id"),
		Channel:    q.Get("channel"),
		ActiveOnly: queryBool(r, "active"),
	}
}

func (s *Server) listCodes(w http.ResponseWriter, r *http.Request) {
	codes := s.ledger.List(r.Context(), codeFilter(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{"codes": codes, "count": len(codes)})
}

func (s *Server) getCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *Server) getCodeByValue(w http.ResponseWriter, r *http.Request) {
	code, err := s.ledger.GetByCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *Server) setCodeActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Active == nil {
		writeError(w, r, apperr.Validation("active", "active is required"))
		return
	}
	code, err := s.ledger.SetActive(r.Context(), mux.Vars(r)["id"], *req.Active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *Server) bulkUpdateCodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []promotion.CodeUpdate `json:"updates"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": s.ledger.BulkUpdate(r.Context(), req.Updates),
	})
}

func (s *Server) exportCodes(w http.ResponseWriter, r *http.Request) {
	format, err := parseFormat(r, export.FormatCSV)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := s.ledger.Export(r.Context(), &buf, format, codeFilter(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeFile(w, format, "promotion-codes", buf.Bytes())
}

func (s *Server) resolveClick(w http.ResponseWriter, r *http.Request) {
	result, err := s.ledger.ResolveClick(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) recordConversion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Weight int64 `json:"weight"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Weight == 0 {
		req.Weight = 1
	}
	code, err := s.ledger.RecordConversion(r.Context(), mux.Vars(r)["code"], req.Weight)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (s *Server) conversionRate(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	rate, err := s.ledger.ConversionRate(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": code, "conversion_rate": rate})
}

func (s *Server) issueShareLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetURL string `json:"target_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	link, err := s.ledger.IssueShareLink(r.Context(), mux.Vars(r)["id"], req.TargetURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) listShareLinks(w http.ResponseWriter, r *http.Request) {
	links := s.ledger.ShareLinks(r.Context(), mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]interface{}{"links": links, "count": len(links)})
}

func (s *Server) setShareLinkActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Active == nil {
		writeError(w, r, apperr.Validation("active", "active is required"))
		return
	}
	link, err := s.ledger.SetShareLinkActive(r.Context(), mux.Vars(r)["id"], *req.Active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// followShareLink redirects a visitor. Unusable codes still redirect, just
// without attribution.
func (s *Server) followShareLink(w http.ResponseWriter, r *http.Request) {
	redirect, err := s.ledger.FollowShareLink(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("X-Attribution", strconv.FormatBool(redirect.Attributed))
	http.Redirect(w, r, redirect.Location, http.StatusFound)
}

func parseFormat(r *http.Request, def export.Format) (export.Format, error) {
	v := r.URL.Query().Get("format")
	if v == "" {
		return def, nil
	}
	f, err := export.ParseFormat(v)
	if err != nil {
		return "", apperr.Validation("format", "%v", err)
	}
	return f, nil
}

func writeFile(w http.ResponseWriter, format export.Format, name string, data []byte) {
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"."+string(format)+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
