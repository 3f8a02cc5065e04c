package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/publication"
)

func (s *Server) publicationRoutes(r *mux.Router) {
	r.HandleFunc("/publications", s.createPublication).Methods("POST")
	r.HandleFunc("/publications", s.listPublications).Methods("GET")
	r.HandleFunc("/publications/bulk", s.bulkPublications).Methods("POST")
	r.HandleFunc("/publications/{id}", s.getPublication).Methods("GET")
	r.HandleFunc("/publications/{id}", s.deletePublication).Methods("DELETE")
	r.HandleFunc("/publications/{id}/editing", s.editPublication).Methods("GET")
	r.HandleFunc("/publications/{id}/members", s.updateMembers).Methods("PUT")
	r.HandleFunc("/publications/{id}/order", s.reorderMembers).Methods("PUT")
	r.HandleFunc("/publications/{id}/duplicate", s.duplicatePublication).Methods("POST")
	r.HandleFunc("/publications/{id}/schedule", s.schedulePublication).Methods("POST")
	r.HandleFunc("/publications/{id}/restore", s.restorePublication).Methods("POST")
	r.HandleFunc("/publications/{id}/{action:publish|unpublish|expire|archive}", s.transitionPublication).Methods("POST")
}

type createPublicationRequest struct {
	Title   string                  `json:"title"`
	Members []publication.MemberRef `json:"members"`
	publication.AssembleOptions
}

func (s *Server) createPublication(w http.ResponseWriter, r *http.Request) {
	var req createPublicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pub, err := s.publications.Assemble(r.Context(), req.Title, req.Members, req.AssembleOptions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pub)
}

func (s *Server) listPublications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pubs, err := s.publications.List(r.Context(), publication.ListFilter{
		State:          models.PublicationState(q.Get("state")),
		TitleContains:  q.Get("q"),
		IncludeDeleted: queryBool(r, "include_deleted"),
		FeaturedOnly:   queryBool(r, "featured"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publications": pubs, "count": len(pubs)})
}

func (s *Server) getPublication(w http.ResponseWriter, r *http.Request) {
	pub, err := s.publications.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) editPublication(w http.ResponseWriter, r *http.Request) {
	view, err := s.publications.GetForEditing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deletePublication(w http.ResponseWriter, r *http.Request) {
	if err := s.publications.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateMembers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Members []publication.MemberRef `json:"members"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pub, err := s.publications.UpdateMembers(r.Context(), mux.Vars(r)["id"], req.Members)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) reorderMembers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []string `json:"order"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pub, err := s.publications.Reorder(r.Context(), mux.Vars(r)["id"], req.Order)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) duplicatePublication(w http.ResponseWriter, r *http.Request) {
	pub, err := s.publications.Duplicate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pub)
}

func (s *Server) schedulePublication(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ScheduledAt == nil {
		writeError(w, r, apperr.Validation("scheduled_at", "scheduled_at is required"))
		return
	}
	pub, err := s.publications.Schedule(r.Context(), mux.Vars(r)["id"], *req.ScheduledAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) restorePublication(w http.ResponseWriter, r *http.Request) {
	privileged, _ := strconv.ParseBool(r.Header.Get(PrivilegedHeader))
	pub, err := s.publications.Restore(r.Context(), mux.Vars(r)["id"], privileged)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) transitionPublication(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var (
		pub *models.Publication
		err error
	)
	switch vars["action"] {
	case "publish":
		pub, err = s.publications.Publish(r.Context(), id)
	case "unpublish":
		pub, err = s.publications.Unpublish(r.Context(), id)
	case "expire":
		pub, err = s.publications.Expire(r.Context(), id)
	case "archive":
		pub, err = s.publications.Archive(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) bulkPublications(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action publication.BulkAction `json:"action"`
		IDs    []string               `json:"ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, apperr.Validation("ids", "at least one id is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": s.publications.Bulk(r.Context(), req.Action, req.IDs),
	})
}
