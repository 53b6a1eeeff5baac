package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/txqueue/internal/queue"
	"github.com/cmatc13/txqueue/internal/status"
	"github.com/cmatc13/txqueue/internal/submit"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
)

// SubmitRequest is the body of POST /submissions.
type SubmitRequest struct {
	Signer    string `json:"signer"`
	Operation string `json:"operation"`
	Args      []any  `json:"args"`
}

// SubmitResponse is returned for an accepted submission.
type SubmitResponse struct {
	ID        queue.ID `json:"id"`
	Signer    string   `json:"signer"`
	Operation string   `json:"operation"`
}

// handleListTransactions lists queued transactions, optionally filtered by
// account and status.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	var want status.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		want = status.Normalize(raw)
	}

	records := make([]queue.Record, 0)
	for _, rec := range s.queue.Snapshot() {
		if account != "" && rec.AccountID != account {
			continue
		}
		if want != "" && rec.Status != want {
			continue
		}
		records = append(records, rec)
	}

	s.renderJSON(w, Response{
		Success: true,
		Data: map[string]interface{}{
			"transactions": records,
			"count":        len(records),
		},
	}, http.StatusOK)
}

// handleGetTransaction looks a transaction up in the queue, then in the
// archive.
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.renderError(w, apperrors.NewAPIError(apperrors.APIErrBadRequest, "invalid transaction id", err))
		return
	}

	if rec, ok := s.queue.Get(queue.ID(id)); ok {
		s.renderJSON(w, Response{Success: true, Data: rec}, http.StatusOK)
		return
	}
	if s.archive == nil {
		s.renderError(w, apperrors.APIErrorf(apperrors.APIErrNotFound, "transaction not found: %d", id))
		return
	}

	rec, err := s.archive.Get(r.Context(), queue.ID(id))
	if err != nil {
		s.renderError(w, err)
		return
	}
	s.renderJSON(w, Response{Success: true, Data: rec}, http.StatusOK)
}

// handleAccountTransactions pages through the archived history of an account.
func (s *Server) handleAccountTransactions(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.renderError(w, apperrors.NewAPIError(apperrors.APIErrServiceUnavailable, "transaction archive is disabled", nil))
		return
	}

	limit := int64(10)
	offset := int64(0)
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.ParseInt(v, 10, 64); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.ParseInt(v, 10, 64); err == nil && o >= 0 {
			offset = o
		}
	}

	account := chi.URLParam(r, "account")
	records, err := s.archive.ListByAccount(r.Context(), account, limit, offset)
	if err != nil {
		s.renderError(w, err)
		return
	}

	s.renderJSON(w, Response{
		Success: true,
		Data: map[string]interface{}{
			"account":      account,
			"transactions": records,
			"pagination": map[string]interface{}{
				"limit":  limit,
				"offset": offset,
			},
		},
	}, http.StatusOK)
}

// handleSending lists the signers that have a submission in flight.
func (s *Server) handleSending(w http.ResponseWriter, r *http.Request) {
	signers := s.board.Sending()
	if signers == nil {
		signers = []string{}
	}
	sort.Strings(signers)
	s.renderJSON(w, Response{Success: true, Data: map[string]interface{}{"sending": signers}}, http.StatusOK)
}

// handleSubmit submits an operation for a signer. A "signer" claim in the
// token pins the signer the caller may submit for.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.renderError(w, apperrors.NewAPIError(apperrors.APIErrBadRequest, "invalid request body", err))
		return
	}

	if s.tokenAuth != nil {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil {
			s.renderError(w, apperrors.NewAPIError(apperrors.APIErrUnauthorized, "authentication error", err))
			return
		}
		if pinned, ok := claims["signer"].(string); ok && pinned != "" {
			if req.Signer != "" && req.Signer != pinned {
				s.renderError(w, apperrors.APIErrorf(apperrors.APIErrUnauthorized, "token does not allow signing as %s", req.Signer))
				return
			}
			req.Signer = pinned
		}
	}

	id, err := s.board.Submit(req.Signer, submit.Call(req.Operation, req.Args...))
	if err != nil {
		s.renderError(w, err)
		return
	}

	s.renderJSON(w, Response{
		Success: true,
		Message: "Submission accepted",
		Data:    SubmitResponse{ID: id, Signer: req.Signer, Operation: req.Operation},
	}, http.StatusAccepted)
}
