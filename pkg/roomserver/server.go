package roomserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/matrix-org/meshcall/pkg/store"
	"github.com/sirupsen/logrus"
)

// Server exposes a backing store over HTTP to the participants of a call.
type Server struct {
	backing store.Store
	issuer  *store.TokenIssuer
	logger  *logrus.Entry
}

func NewServer(backing store.Store, issuer *store.TokenIssuer, logger *logrus.Entry) *Server {
	return &Server{backing: backing, issuer: issuer, logger: logger}
}

// Router returns the HTTP handler of the room server.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/auth/login", s.login)

	rooms := api.Group("/rooms", bearerAuth(s.issuer))
	rooms.POST("", s.createRoom)
	rooms.POST("/:roomId/join", s.joinRoom)
	rooms.POST("/:roomId/leave", s.leaveRoom)
	rooms.POST("/:roomId/signals", s.sendSignal)
	rooms.GET("/:roomId/signals", s.getSignals)

	return router
}

// Any user name is accepted, the room server only needs to know who is talking to it.
func (s *Server) login(c *gin.Context) {
	var request store.LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, store.ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := s.issuer.Issue(request.Username)
	if err != nil {
		s.logger.WithError(err).Error("failed to issue token")
		c.JSON(http.StatusInternalServerError, store.ErrorResponse{Error: "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, store.LoginResponse{Token: token, UserID: request.Username})
}

func (s *Server) createRoom(c *gin.Context) {
	room, err := s.backing.CreateRoom(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"room_id": room.RoomID,
		"user_id": c.GetString(userIDKey),
	}).Info("room created")

	c.JSON(http.StatusCreated, store.CreateRoomResponse{
		RoomID:        room.RoomID,
		ParticipantID: room.ParticipantID,
		CreatedAt:     room.CreatedAt.UnixMilli(),
	})
}

func (s *Server) joinRoom(c *gin.Context) {
	membership, err := s.backing.JoinRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, store.JoinRoomResponse{
		ParticipantID: membership.ParticipantID,
		JoinedAt:      membership.JoinedAt.UnixMilli(),
	})
}

func (s *Server) leaveRoom(c *gin.Context) {
	var request store.LeaveRoomRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, store.ErrorResponse{Error: "participantId required"})
		return
	}

	if err := s.backing.LeaveRoom(c.Request.Context(), c.Param("roomId"), request.ParticipantID); err != nil {
		s.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) sendSignal(c *gin.Context) {
	var envelope store.Envelope
	if err := c.ShouldBindJSON(&envelope); err != nil || envelope.Type == "" || envelope.Sender == "" {
		c.JSON(http.StatusBadRequest, store.ErrorResponse{Error: "invalid envelope"})
		return
	}

	roomID := c.Param("roomId")
	envelope.RoomID = roomID

	if err := s.backing.SendSignal(c.Request.Context(), roomID, envelope); err != nil {
		s.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) getSignals(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, store.ErrorResponse{Error: "invalid since"})
		return
	}

	envelopes, err := s.backing.GetSignals(c.Request.Context(), c.Param("roomId"), since)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, store.SignalsResponse{Signals: envelopes})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrNotMember):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrInvalidRequest):
		status = http.StatusBadRequest
	default:
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("store operation failed")
	}

	c.JSON(status, store.ErrorResponse{Error: err.Error()})
}
