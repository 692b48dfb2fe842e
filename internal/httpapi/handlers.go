package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

const maxLimit = 1000

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	q := storage.Query{Order: storage.OrderNewestFirst}
	switch r.URL.Query().Get("order") {
	case "", "desc":
	case "asc":
		q.Order = storage.OrderOldestFirst
	default:
		writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = min(n, maxLimit)
	}

	rows, err := s.reader.Query(r.Context(), q)
	if err != nil {
		s.log.Warn("alert query failed", logx.Err(err))
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rec, ok, err := s.reader.Get(r.Context(), id)
	if err != nil {
		s.log.Warn("alert lookup failed", logx.Int64("id", id), logx.Err(err))
		writeError(w, storeStatus(err), err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.reader.Stats()
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type unreadBody struct {
	Unread int64 `json:"unread"`
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	var n int64
	if s.unread != nil {
		n = s.unread.Value()
	}
	writeJSON(w, http.StatusOK, unreadBody{Unread: n})
}

// mutate forwards to the provider, which always refuses.
func (s *Server) mutate(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		switch op {
		case "insert":
			err = s.reader.Insert(r.Context(), nil)
		case "update":
			err = s.reader.Update(r.Context(), storage.Query{}, nil)
		default:
			err = s.reader.Delete(r.Context(), storage.Query{})
		}
		if err == nil {
			err = storage.ErrUnsupportedMutation
		}
		s.log.Error("generic mutation refused",
			logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, err.Error())
	}
}
