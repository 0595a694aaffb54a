package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intelboard/chatguard/internal/account"
	"github.com/intelboard/chatguard/internal/apperr"
	"github.com/intelboard/chatguard/internal/auth"
	"github.com/intelboard/chatguard/internal/pipeline"
	"github.com/intelboard/chatguard/internal/policy"
	"github.com/intelboard/chatguard/internal/protocol"
	"github.com/intelboard/chatguard/internal/savedconfig"
)

// viewer loads the caller's record for read paths, which reject banned
// accounts like the write pipeline does.
func (a *api) viewer(ctx context.Context) (*account.User, error) {
	id := auth.FromContext(ctx)
	if id.UID == "" {
		return nil, apperr.New(apperr.AuthRequired, "authentication required")
	}
	u, err := a.Accounts.Get(ctx, id.UID)
	if err != nil {
		return nil, err
	}
	if u.Banned {
		return nil, apperr.New(apperr.AccountSuspended, "account suspended")
	}
	return u, nil
}

func (a *api) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, apperr.New(apperr.ValidationFailed, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	msgs, err := a.Pipeline.ListMessages(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "chatID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]protocol.MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, protocol.ViewOf(&msgs[i]))
	}
	writeData(w, r, views)
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Pipeline.SendMessage(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "chatID"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeID(w, r, http.StatusCreated, res.ID)
}

func (a *api) reportMessage(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ReportRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Pipeline.ReportMessage(r.Context(), auth.FromContext(r.Context()),
		chi.URLParam(r, "chatID"), chi.URLParam(r, "messageID"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeID(w, r, http.StatusCreated, res.ID)
}

type configList struct {
	Configs []savedconfig.Config `json:"configs"`
	Used    int                  `json:"used"`
	Limit   int                  `json:"limit"`
}

func (a *api) listConfigs(w http.ResponseWriter, r *http.Request) {
	u, err := a.viewer(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	configs, err := a.Configs.ListByOwner(r.Context(), u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, configList{
		Configs: configs,
		Used:    len(configs),
		Limit:   policy.Quota(policy.ResourceConfig, policy.ClassOf(u)),
	})
}

func (a *api) getConfig(w http.ResponseWriter, r *http.Request) {
	u, err := a.viewer(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.Configs.Get(r.Context(), chi.URLParam(r, "configID"), u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, c)
}

func (a *api) createConfig(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SaveConfigRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Pipeline.SaveConfig(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if req.ConfigID != "" {
		status = http.StatusOK
	}
	writeID(w, r, status, res.ID)
}

func (a *api) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SaveConfigRequest
	if !decode(w, r, &req) {
		return
	}
	req.ConfigID = chi.URLParam(r, "configID")
	res, err := a.Pipeline.SaveConfig(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeID(w, r, http.StatusOK, res.ID)
}

func (a *api) deleteConfig(w http.ResponseWriter, r *http.Request) {
	res, err := a.Pipeline.DeleteConfig(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "configID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeID(w, r, http.StatusOK, res.ID)
}

func (a *api) saveSettings(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SettingsRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Pipeline.SaveSettings(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeID(w, r, http.StatusOK, res.ID)
}

// profile is the caller's own view of their record. Sanction fields are
// left out so a shadowbanned user cannot learn about it.
type profile struct {
	ID        string           `json:"id"`
	Role      account.Role     `json:"role"`
	Tier      account.Tier     `json:"subscription_tier"`
	Settings  account.Settings `json:"settings"`
	CreatedAt time.Time        `json:"created_at"`
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	u, err := a.viewer(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, profile{ID: u.ID, Role: u.Role, Tier: u.Tier, Settings: u.Settings, CreatedAt: u.CreatedAt})
}

func (a *api) revokeTokens(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if err := a.Accounts.RevokeTokens(r.Context(), id.UID); err != nil {
		writeError(w, r, err)
		return
	}
	writeID(w, r, http.StatusOK, id.UID)
}
