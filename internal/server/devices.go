package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loykin/devisr/internal/store"
	"github.com/loykin/devisr/internal/supervisor"
)

type createReq struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret"`
}

type webhookReq struct {
	WebhookURL    *string `json:"webhook_url"`
	WebhookSecret *string `json:"webhook_secret"`
}

// deviceView is a registry record with the supervisor's live view attached.
type deviceView struct {
	store.Device
	PID     int  `json:"pid"`
	Running bool `json:"running"`
}

func validWebhook(u string) bool {
	if u == "" {
		return true
	}
	p, err := url.Parse(u)
	return err == nil && (p.Scheme == "http" || p.Scheme == "https") && p.Host != ""
}

func (r *Router) handleCreate(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !isSafeName(req.ID) {
		badRequest(c, "invalid id: allowed [A-Za-z0-9._-] and no '..'")
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if !validWebhook(req.WebhookURL) {
		badRequest(c, "invalid webhook_url: must be an absolute http(s) URL")
		return
	}

	p, err := r.d.Ports.Next()
	if err != nil {
		r.writeError(c, err)
		return
	}
	dev, err := r.d.Store.Create(c.Request.Context(), store.Device{
		ID:            req.ID,
		Name:          req.Name,
		Port:          p,
		Status:        store.StatusRegistered,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
	})
	if err != nil {
		r.d.Ports.Release(p)
		r.writeError(c, err)
		return
	}
	r.d.Log.Info("device registered", "device", dev.ID, "port", dev.Port)
	writeJSON(c, http.StatusCreated, deviceView{Device: dev})
}

func (r *Router) handleList(c *gin.Context) {
	devs, err := r.d.Store.GetAll(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	live := make(map[string]supervisor.Record)
	for _, rec := range r.d.Supervisor.List(c.Request.Context()) {
		live[rec.DeviceID] = rec
	}
	out := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		v := deviceView{Device: d}
		if rec, ok := live[d.ID]; ok {
			v.PID, v.Running = rec.PID, rec.Running
		}
		out = append(out, v)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	id, ok := r.deviceID(c)
	if !ok {
		return
	}
	dev, err := r.d.Store.Get(c.Request.Context(), id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	v := deviceView{Device: dev}
	if rec, err := r.d.Supervisor.Status(c.Request.Context(), id); err == nil {
		v.PID, v.Running = rec.PID, rec.Running
	}
	writeJSON(c, http.StatusOK, v)
}

// handleDelete removes the registry row first so no new start can succeed,
// then stops the worker, frees the port and removes the session. When the
// worker survives its kill the port stays reserved.
func (r *Router) handleDelete(c *gin.Context) {
	id, ok := r.deviceID(c)
	if !ok {
		return
	}
	opts, ok := r.stopOptions(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	dev, err := r.d.Store.Get(ctx, id)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if err := r.d.Store.Delete(ctx, id); err != nil {
		r.writeError(c, err)
		return
	}
	if err := r.d.Supervisor.Remove(ctx, id, opts); err != nil {
		r.d.Log.Error("device deleted but worker still running", "device", id, "port", dev.Port, "error", err)
		r.writeError(c, err)
		return
	}
	r.d.Ports.Release(dev.Port)
	if err := r.d.Sessions.Remove(id); err != nil {
		r.d.Log.Warn("session cleanup failed", "device", id, "error", err)
	}
	r.d.Log.Info("device removed", "device", id, "port", dev.Port)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWebhook(c *gin.Context) {
	id, ok := r.deviceID(c)
	if !ok {
		return
	}
	var req webhookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.WebhookURL != nil && !validWebhook(*req.WebhookURL) {
		badRequest(c, "invalid webhook_url: must be an absolute http(s) URL")
		return
	}
	dev, err := r.d.Store.Update(c.Request.Context(), id, store.Patch{WebhookURL: req.WebhookURL, WebhookSecret: req.WebhookSecret})
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, deviceView{Device: dev})
}
