package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/intelboard/chatguard/internal/apperr"
)

// Response is the envelope of every API reply.
type Response struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeOK(w http.ResponseWriter, r *http.Request, status int, res Response) {
	res.Success = true
	render.Status(r, status)
	render.JSON(w, r, res)
}

func writeID(w http.ResponseWriter, r *http.Request, status int, id string) {
	writeOK(w, r, status, Response{ID: id})
}

func writeData(w http.ResponseWriter, r *http.Request, data any) {
	writeOK(w, r, http.StatusOK, Response{Data: data})
}

// writeError maps err onto its status code and envelope. Unclassified
// errors are reported as transient store failures without their details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	entry := log.WithFields(log.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"code":       kind,
	}).WithError(err)
	if kind == apperr.TransientStoreFailure {
		entry.Warn("[http] request failed")
	} else {
		entry.Debug("[http] request rejected")
	}

	if d := apperr.RetryAfterOf(err); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
	}
	render.Status(r, kind.HTTPStatus())
	render.JSON(w, r, Response{Error: apperr.MessageOf(err), Code: string(kind)})
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		msg := "invalid request body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = "request body too large"
		}
		writeError(w, r, apperr.Wrap(apperr.ValidationFailed, msg, err))
		return false
	}
	return true
}
