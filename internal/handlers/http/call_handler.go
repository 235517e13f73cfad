package http

import (
	"net/http"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/signal"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// SessionResolver returns the call this node is serving.
type SessionResolver func() (*services.CallSession, error)

// StatsSource reports per-peer receive statistics.
type StatsSource interface {
	Stats() []webrtcinfra.PeerMediaStats
}

type CallHandler struct {
	sessions SessionResolver
	stats    StatsSource
	bridge   *signal.EventBridge
}

func NewCallHandler(sessions SessionResolver, stats StatsSource, bridge *signal.EventBridge) *CallHandler {
	return &CallHandler{
		sessions: sessions,
		stats:    stats,
		bridge:   bridge,
	}
}

func (h *CallHandler) SetupRoutes(api gin.IRoutes) {
	api.GET("/call", h.GetCall)
	api.POST("/call/mute", h.Mute)
	api.POST("/call/video", h.Video)
	api.POST("/call/camera/switch", h.SwitchCamera)
	api.POST("/call/leave", h.Leave)
	if h.bridge != nil {
		api.GET("/call/events", h.Events)
	}
}

type CallView struct {
	GroupID      domain.GroupID               `json:"group_id"`
	Kind         domain.CallKind              `json:"kind"`
	State        domain.CallState             `json:"state"`
	Self         signal.WireParticipant       `json:"self"`
	Participants []signal.WireParticipant     `json:"participants"`
	Links        []services.PeerLinkInfo      `json:"links"`
	Media        []webrtcinfra.PeerMediaStats `json:"media,omitempty"`
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type videoRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *CallHandler) GetCall(c *gin.Context) {
	session, err := h.sessions()
	if err != nil {
		_ = c.Error(err)
		return
	}

	participants := session.Participants()
	view := CallView{
		GroupID:      session.GroupID(),
		Kind:         session.Kind(),
		State:        session.State(),
		Self:         signal.NewWireParticipant(session.Self()),
		Participants: make([]signal.WireParticipant, 0, len(participants)),
		Links:        session.PeerLinks(),
	}
	for _, p := range participants {
		view.Participants = append(view.Participants, signal.NewWireParticipant(p))
	}
	if view.Links == nil {
		view.Links = []services.PeerLinkInfo{}
	}
	if h.stats != nil {
		view.Media = h.stats.Stats()
	}
	c.JSON(http.StatusOK, view)
}

func (h *CallHandler) Mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("body must be {\"muted\": bool}"))
		return
	}
	session, err := h.sessions()
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := session.ToggleMute(c.Request.Context(), *req.Muted); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": *req.Muted})
}

func (h *CallHandler) Video(c *gin.Context) {
	var req videoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("body must be {\"enabled\": bool}"))
		return
	}
	session, err := h.sessions()
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := session.ToggleVideo(c.Request.Context(), *req.Enabled); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (h *CallHandler) SwitchCamera(c *gin.Context) {
	session, err := h.sessions()
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := session.SwitchCamera(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "switched"})
}

func (h *CallHandler) Leave(c *gin.Context) {
	session, err := h.sessions()
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := session.Leave(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *CallHandler) Events(c *gin.Context) {
	h.bridge.HandleWebSocket(c.Writer, c.Request)
}

// Controller adapts the resolver for the websocket bridge.
func (h *CallHandler) Controller() (signal.Controller, error) {
	session, err := h.sessions()
	if err != nil {
		return nil, err
	}
	return session, nil
}
