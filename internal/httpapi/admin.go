package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/moderation"
	"github.com/intelboard/chatguard/internal/sanction"
)

type sanctionRequest struct {
	Reason any `json:"reason"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type chatRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// sanction returns the handler for one privileged transition. Privilege and
// hierarchy checks live in sanction.Service.
func (a *api) sanction(action sanction.Action) http.HandlerFunc {
	apply := map[sanction.Action]func(ctx context.Context, actor, target, reason string) error{
		sanction.ActionBan:         a.Sanctions.Ban,
		sanction.ActionUnban:       a.Sanctions.Unban,
		sanction.ActionShadowban:   a.Sanctions.Shadowban,
		sanction.ActionUnshadowban: a.Sanctions.Unshadowban,
	}[action]

	return func(w http.ResponseWriter, r *http.Request) {
		var req sanctionRequest
		if r.ContentLength != 0 && !decode(w, r, &req) {
			return
		}
		reason := moderation.SanitizeValue(req.Reason, moderation.MaxReasonChars)
		target := chi.URLParam(r, "uid")

		if err := apply(r.Context(), auth.FromContext(r.Context()).UID, target, reason); err != nil {
			writeError(w, r, err)
			return
		}
		writeID(w, r, http.StatusOK, target)
	}
}

func (a *api) setRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	role, ok := account.ParseRole(req.Role)
	if !ok {
		writeError(w, r, apperr.New(apperr.ValidationFailed, "role must be one of user, mod, admin"))
		return
	}
	target := chi.URLParam(r, "uid")
	if err := a.Sanctions.SetRole(r.Context(), auth.FromContext(r.Context()).UID, target, role); err != nil {
		writeError(w, r, err)
		return
	}
	writeID(w, r, http.StatusOK, target)
}

func (a *api) sanctionHistory(w http.ResponseWriter, r *http.Request) {
	u, err := a.viewer(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !u.Role.Privileged() {
		writeError(w, r, apperr.New(apperr.AccessDenied, "moderator role required"))
		return
	}
	entries, err := a.Sanctions.History(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, entries)
}

func (a *api) createChat(w http.ResponseWriter, r *http.Request) {
	u, err := a.viewer(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if u.Role != account.RoleAdmin {
		writeError(w, r, apperr.New(apperr.AccessDenied, "admin role required"))
		return
	}
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := a.Chats.CreateChat(r.Context(), req.ID, req.Title, u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, r, http.StatusCreated, Response{ID: c.ID, Data: c})
}
