package httpserver

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/telecaller/internal/agent"
	"github.com/chadiek/telecaller/internal/chat"
	"github.com/chadiek/telecaller/internal/speech"
	"github.com/chadiek/telecaller/internal/telephony"
)

const (
	recognizedPlaceholder = "Nothing yet..."
	responsePlaceholder   = "Waiting for response..."
)

// CallPage is the call page controller as seen by the HTTP layer.
type CallPage interface {
	Start(ctx context.Context) (agent.Snapshot, error)
	End(ctx context.Context) (agent.Snapshot, error)
	Snapshot() agent.Snapshot
	ToggleChat() agent.Snapshot
	PopupSubmit(ctx context.Context, text string) (chat.Message, error)
	PopupMessages() ([]chat.Message, error)
}

// Dialer places outbound phone calls.
type Dialer interface {
	Dial(ctx context.Context, r *http.Request, to string) (string, error)
}

type Options struct {
	Password string
	Call     CallPage
	Chats    *chat.Registry
	Hub      *Hub
	// Telephony is optional; without it phone routes are not mounted.
	Telephony *telephony.Service
}

// Server bundles the Echo router and its dependencies.
type Server struct {
	Echo *echo.Echo

	call   CallPage
	chats  *chat.Registry
	hub    *Hub
	dialer Dialer
}

// New constructs the HTTP server with routes.
func New(opts Options) *Server {
	e := NewRouter()
	s := &Server{Echo: e, call: opts.Call, chats: opts.Chats, hub: opts.Hub}
	if s.hub == nil {
		s.hub = NewHub()
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/", s.callPage)
	e.GET("/chatbot", s.chatPage)

	api := e.Group("/api", requirePassword(opts.Password))
	api.POST("/call/start", s.startCall)
	api.POST("/call/end", s.endCall)
	api.GET("/call/events", s.callEvents)
	api.POST("/call/chatbot/toggle", s.toggleChat)
	api.GET("/call/chatbot/messages", s.popupMessages)
	api.POST("/call/chatbot/messages", s.popupSubmit)
	api.POST("/chatbot/conversations", s.createConversation)
	api.GET("/chatbot/conversations/:id", s.getConversation)
	api.DELETE("/chatbot/conversations/:id", s.deleteConversation)
	api.POST("/chatbot/conversations/:id/messages", s.submitMessage)
	api.POST("/telecalls", s.dial)

	if opts.Telephony != nil {
		opts.Telephony.Register(e)
		s.dialer = opts.Telephony
	}
	return s
}

// callPageView is the call page: status line, texts and controls.
type callPageView struct {
	Title          string            `json:"title"`
	Status         string            `json:"status"`
	RecognizedText string            `json:"recognizedText"`
	ResponseText   string            `json:"responseText"`
	CallButton     string            `json:"callButton"`
	CallActive     bool              `json:"callActive"`
	ChatOpen       bool              `json:"chatOpen"`
	Chat           []chat.Message    `json:"chat,omitempty"`
	Links          map[string]string `json:"links"`
}

func (s *Server) callPage(c echo.Context) error {
	snap := s.call.Snapshot()
	view := callPageView{
		Title:          "Virtual Telecaller",
		Status:         snap.Status,
		RecognizedText: orPlaceholder(snap.RecognizedText, recognizedPlaceholder),
		ResponseText:   orPlaceholder(snap.ResponseText, responsePlaceholder),
		CallButton:     "Start Call",
		CallActive:     snap.CallActive,
		ChatOpen:       snap.ChatOpen,
		Links:          map[string]string{"chatbot": "/chatbot", "events": "/api/call/events"},
	}
	if snap.CallActive {
		view.CallButton = "End Call"
	}
	if snap.ChatOpen {
		if msgs, err := s.call.PopupMessages(); err == nil {
			view.Chat = msgs
		}
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) chatPage(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"title":    "Chatbot",
		"greeting": chat.Greeting,
		"links": map[string]string{
			"call":          "/",
			"conversations": "/api/chatbot/conversations",
		},
	})
}

func (s *Server) startCall(c echo.Context) error {
	snap, err := s.call.Start(c.Request().Context())
	if err != nil {
		return callError(err, snap)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) endCall(c echo.Context) error {
	snap, err := s.call.End(c.Request().Context())
	if err != nil && errors.Is(err, agent.ErrNoActiveCall) {
		return callError(err, snap)
	}
	if err != nil {
		log.Printf("end call: %v", err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) callEvents(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return nil
	}
	s.hub.serve(conn, s.call.Snapshot)
	return nil
}

func (s *Server) toggleChat(c echo.Context) error {
	return c.JSON(http.StatusOK, s.call.ToggleChat())
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) popupMessages(c echo.Context) error {
	msgs, err := s.call.PopupMessages()
	if err != nil {
		return chatError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) popupSubmit(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	msg, err := s.call.PopupSubmit(c.Request().Context(), req.Text)
	if err != nil {
		return chatError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

type conversationView struct {
	ID       string         `json:"id"`
	Messages []chat.Message `json:"messages"`
	Loading  bool           `json:"loading"`
}

func (s *Server) createConversation(c echo.Context) error {
	id, conv := s.chats.Create()
	return c.JSON(http.StatusCreated, conversationView{ID: id, Messages: conv.Messages(), Loading: conv.Loading()})
}

func (s *Server) getConversation(c echo.Context) error {
	id := c.Param("id")
	conv, err := s.chats.Get(id)
	if err != nil {
		return chatError(err)
	}
	return c.JSON(http.StatusOK, conversationView{ID: id, Messages: conv.Messages(), Loading: conv.Loading()})
}

func (s *Server) deleteConversation(c echo.Context) error {
	if err := s.chats.Delete(c.Param("id")); err != nil {
		return chatError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) submitMessage(c echo.Context) error {
	conv, err := s.chats.Get(c.Param("id"))
	if err != nil {
		return chatError(err)
	}
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	msg, err := conv.Submit(c.Request().Context(), req.Text)
	if err != nil {
		return chatError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

type dialRequest struct {
	To string `json:"to"`
}

func (s *Server) dial(c echo.Context) error {
	if s.dialer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "telephony not configured")
	}
	var req dialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	sid, err := s.dialer.Dial(c.Request().Context(), c.Request(), req.To)
	if err != nil {
		if errors.Is(err, telephony.ErrInvalidNumber) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		log.Printf("dial %s: %v", req.To, err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to place call")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"callSid": sid})
}

func callError(err error, snap agent.Snapshot) error {
	switch {
	case errors.Is(err, speech.ErrUnsupported):
		return echo.NewHTTPError(http.StatusPreconditionFailed, "Speech recognition not supported")
	case errors.Is(err, agent.ErrCallActive):
		return echo.NewHTTPError(http.StatusConflict, "a call is already active")
	case errors.Is(err, agent.ErrNoActiveCall):
		return echo.NewHTTPError(http.StatusConflict, "no active call")
	case errors.Is(err, agent.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	default:
		return echo.NewHTTPError(http.StatusBadGateway, snap.Status).SetInternal(err)
	}
}

func chatError(err error) error {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, "message is empty")
	case errors.Is(err, chat.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, "waiting for the previous reply")
	case errors.Is(err, chat.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	case errors.Is(err, agent.ErrChatClosed):
		return echo.NewHTTPError(http.StatusConflict, "chat widget is closed")
	default:
		return err
	}
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}
