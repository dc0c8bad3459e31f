package api

import (
	"fmt"
	"net/http"

	"github.com/nerrad567/iotagent-core/internal/dispatch"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// handleUpdate serves an update (or command) forwarded by the broker in the
// dialect of a.
func (s *Server) handleUpdate(a ngsi.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := a.ParseUpdate(r)
		if err != nil {
			s.writeNGSIError(w, r, a, ngsi.OpUpdate, err)
			return
		}

		rc := dispatch.NewRequestContext(req.Tenant, requestID(r.Context()))
		if err := s.dispatcher.Update(r.Context(), rc, *req); err != nil {
			s.writeNGSIError(w, r, a, ngsi.OpUpdate, err)
			return
		}
		a.WriteUpdateResponse(w, req.Entities)
	}
}

// handleQuery serves a lazy attribute query forwarded by the broker.
func (s *Server) handleQuery(a ngsi.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := a.ParseQuery(r)
		if err != nil {
			s.writeNGSIError(w, r, a, ngsi.OpQuery, err)
			return
		}

		rc := dispatch.NewRequestContext(req.Tenant, requestID(r.Context()))
		entities, err := s.dispatcher.Query(r.Context(), rc, *req)
		if err != nil {
			s.writeNGSIError(w, r, a, ngsi.OpQuery, err)
			return
		}
		a.WriteQueryResponse(w, entities)
	}
}

// handleNotify serves subscription notifications sent by the broker.
func (s *Server) handleNotify(a ngsi.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := a.ParseNotification(r)
		if err != nil {
			s.writeNGSIError(w, r, a, ngsi.OpNotify, err)
			return
		}

		rc := dispatch.NewRequestContext(n.Tenant, requestID(r.Context()))
		if err := s.dispatcher.Notify(r.Context(), rc, *n); err != nil {
			s.writeNGSIError(w, r, a, ngsi.OpNotify, err)
			return
		}
		a.WriteNotificationResponse(w)
	}
}

// handleLDUnsupported answers NGSI-LD operations a context source does not
// implement.
func (s *Server) handleLDUnsupported(w http.ResponseWriter, r *http.Request) {
	err := fmt.Errorf("%w: %s %s", ngsi.ErrMethodNotSupported, r.Method, r.URL.Path)
	s.writeNGSIError(w, r, s.ld, ngsi.OpUpdate, err)
}

func (s *Server) writeNGSIError(w http.ResponseWriter, r *http.Request, a ngsi.Adapter, op ngsi.Operation, err error) {
	name, code := ngsi.Classify(err)
	args := []any{
		"version", a.Version(),
		"operation", op.String(),
		"name", name,
		"code", code,
		"error", err,
		"correlator", requestID(r.Context()),
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("north-bound request failed", args...)
	} else {
		s.logger.Warn("north-bound request rejected", args...)
	}
	a.WriteError(w, r, op, err)
}
