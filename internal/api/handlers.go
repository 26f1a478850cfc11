package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/racecomms/internal/encpkg"
	"github.com/starford/racecomms/internal/models"
	"github.com/starford/racecomms/internal/plugin"
	"github.com/starford/racecomms/internal/sdk"
)

// Manager is the channel manager surface the API drives.
type Manager interface {
	Channels() map[string]models.ChannelStatus
	ActivateChannel(h sdk.Handle, channelGID, roleName string) models.PluginResponse
	DeactivateChannel(h sdk.Handle, channelGID string) models.PluginResponse
	Links() []plugin.LinkInfo
	CreateLink(h sdk.Handle, channelGID string) models.PluginResponse
	LoadLinkAddress(h sdk.Handle, channelGID, linkAddress string) models.PluginResponse
	CreateLinkFromAddress(h sdk.Handle, channelGID, linkAddress string) models.PluginResponse
	DestroyLink(h sdk.Handle, linkID string) models.PluginResponse
	OpenConnection(h sdk.Handle, linkType models.LinkType, linkID, linkHints string) models.PluginResponse
	CloseConnection(h sdk.Handle, connectionID string) models.PluginResponse
	SendPackage(h sdk.Handle, connectionID string, pkg encpkg.Package, timeoutTimestamp float64, batchID uint64) models.PluginResponse
}

// Host mints tracked handles and exposes the inbox.
type Host interface {
	Begin() sdk.Handle
	Finish(h sdk.Handle) sdk.Outcome
	Received(limit int) []sdk.ReceivedPackage
}

// Handler holds API route handlers.
type Handler struct {
	mgr  Manager
	host Host
}

// NewHandler creates a new Handler.
func NewHandler(mgr Manager, host Host) *Handler {
	return &Handler{mgr: mgr, host: host}
}

// call runs one channel manager entry point under a tracked handle.
// PLUGIN_OK maps to okStatus, anything else to 422.
func (h *Handler) call(w http.ResponseWriter, okStatus int, op string, fn func(sdk.Handle) models.PluginResponse) {
	handle := h.host.Begin()
	resp := fn(handle)
	out := ActionResponse{Handle: handle, Response: resp.String(), Outcome: h.host.Finish(handle)}
	if resp != models.PluginOK {
		slog.Warn("channel manager call failed", slog.String("op", op), slog.String("response", out.Response))
		writeJSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	writeJSON(w, okStatus, out)
}

// tailID extracts an ID from the catch-all route segment.
// Supports encoded slashes from OpenAPI clients.
func tailID(r *http.Request) string {
	return unescape(strings.TrimPrefix(chi.URLParam(r, "*"), "/"))
}

func unescape(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListChannels handles GET /api/channels.
//
//	@Summary		List channels and their status
//	@Tags			channels
//	@Produce		json
//	@Success		200	{array}	ChannelResponse
//	@Security		BearerAuth
//	@Router			/channels [get]
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	statuses := h.mgr.Channels()
	out := make([]ChannelResponse, 0, len(statuses))
	for gid, s := range statuses {
		out = append(out, ChannelResponse{ChannelGID: gid, Status: s.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelGID < out[j].ChannelGID })
	writeJSON(w, http.StatusOK, out)
}

// ActivateChannel handles POST /api/channels/{gid}/activate.
//
// Direct activation completes asynchronously once user input is answered;
// watch /events for the channel.status change.
//
//	@Summary		Activate a channel
//	@Tags			channels
//	@Accept			json
//	@Produce		json
//	@Param			gid		path		string					true	"Channel GID"
//	@Param			body	body		ActivateChannelRequest	false	"Role"
//	@Success		202		{object}	ActionResponse
//	@Failure		422		{object}	ActionResponse
//	@Security		BearerAuth
//	@Router			/channels/{gid}/activate [post]
func (h *Handler) ActivateChannel(w http.ResponseWriter, r *http.Request) {
	gid := chi.URLParam(r, "gid")
	var req ActivateChannelRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	h.call(w, http.StatusAccepted, "activate", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.ActivateChannel(hd, gid, req.Role)
	})
}

// DeactivateChannel handles POST /api/channels/{gid}/deactivate.
func (h *Handler) DeactivateChannel(w http.ResponseWriter, r *http.Request) {
	gid := chi.URLParam(r, "gid")
	h.call(w, http.StatusOK, "deactivate", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.DeactivateChannel(hd, gid)
	})
}

// ListLinks handles GET /api/links.
//
//	@Summary		List registered links
//	@Tags			links
//	@Produce		json
//	@Success		200	{array}	LinkInfo
//	@Security		BearerAuth
//	@Router			/links [get]
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Links())
}

// CreateLink handles POST /api/links.
//
//	@Summary		Create a link with a fresh local address
//	@Tags			links
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateLinkRequest	true	"Channel"
//	@Success		201		{object}	ActionResponse
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	ActionResponse
//	@Security		BearerAuth
//	@Router			/links [post]
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	h.call(w, http.StatusCreated, "create_link", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.CreateLink(hd, req.ChannelGID)
	})
}

// LoadLinkAddress handles POST /api/links/load.
//
//	@Summary		Load a peer's link address
//	@Tags			links
//	@Accept			json
//	@Produce		json
//	@Param			body	body		LinkAddressRequest	true	"Channel and address"
//	@Success		201		{object}	ActionResponse
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	ActionResponse
//	@Security		BearerAuth
//	@Router			/links/load [post]
func (h *Handler) LoadLinkAddress(w http.ResponseWriter, r *http.Request) {
	var req LinkAddressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	h.call(w, http.StatusCreated, "load_link_address", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.LoadLinkAddress(hd, req.ChannelGID, req.Address)
	})
}

// CreateLinkFromAddress handles POST /api/links/from-address.
func (h *Handler) CreateLinkFromAddress(w http.ResponseWriter, r *http.Request) {
	var req LinkAddressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	h.call(w, http.StatusCreated, "create_link_from_address", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.CreateLinkFromAddress(hd, req.ChannelGID, req.Address)
	})
}

// DestroyLink handles DELETE /api/links/*.
//
//	@Summary		Destroy a link and close its connections
//	@Tags			links
//	@Produce		json
//	@Param			id	path		string	true	"Link ID"
//	@Success		200	{object}	ActionResponse
//	@Failure		422	{object}	ActionResponse
//	@Security		BearerAuth
//	@Router			/links/{id} [delete]
func (h *Handler) DestroyLink(w http.ResponseWriter, r *http.Request) {
	id := tailID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("link id is required"))
		return
	}
	h.call(w, http.StatusOK, "destroy_link", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.DestroyLink(hd, id)
	})
}

// OpenConnection handles POST /api/connections.
//
//	@Summary		Open a connection on a link
//	@Tags			connections
//	@Accept			json
//	@Produce		json
//	@Param			body	body		OpenConnectionRequest	true	"Link and direction"
//	@Success		201		{object}	ActionResponse
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	ActionResponse
//	@Security		BearerAuth
//	@Router			/connections [post]
func (h *Handler) OpenConnection(w http.ResponseWriter, r *http.Request) {
	var req OpenConnectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if req.Hints == "" {
		req.Hints = "{}"
	}
	h.call(w, http.StatusCreated, "open_connection", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.OpenConnection(hd, req.LinkType, req.LinkID, req.Hints)
	})
}

// CloseConnection handles DELETE /api/connections/*.
func (h *Handler) CloseConnection(w http.ResponseWriter, r *http.Request) {
	id := tailID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("connection id is required"))
		return
	}
	h.call(w, http.StatusOK, "close_connection", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.CloseConnection(hd, id)
	})
}

// SendPackage handles POST /api/connections/{id}/packages.
//
//	@Summary		Send an encrypted package on a connection
//	@Tags			connections
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Connection ID, path-escaped"
//	@Param			body	body		SendPackageRequest	true	"Package"
//	@Success		200		{object}	ActionResponse
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	ActionResponse
//	@Security		BearerAuth
//	@Router			/connections/{id}/packages [post]
func (h *Handler) SendPackage(w http.ResponseWriter, r *http.Request) {
	id := unescape(chi.URLParam(r, "id"))
	var req SendPackageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	pkg := encpkg.Package{
		TraceID:    req.TraceID,
		SpanID:     req.SpanID,
		Type:       encpkg.Type(req.Type),
		Ciphertext: req.Ciphertext,
	}
	h.call(w, http.StatusOK, "send_package", func(hd sdk.Handle) models.PluginResponse {
		return h.mgr.SendPackage(hd, id, pkg, req.Timeout, req.BatchID)
	})
}

// ReceivedPackages handles GET /api/packages.
//
//	@Summary		List the most recently received packages
//	@Tags			packages
//	@Produce		json
//	@Param			limit	query	int	false	"Max entries"
//	@Success		200		{array}	ReceivedPackage
//	@Security		BearerAuth
//	@Router			/packages [get]
func (h *Handler) ReceivedPackages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.host.Received(limit))
}
