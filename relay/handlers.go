package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	osignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/formacademy/liveclass/config"
	"github.com/formacademy/liveclass/signal"
	"github.com/formacademy/liveclass/whiteboard"
)

// Server wires the REST and WebSocket surface of the relay.
type Server struct {
	cfg   *config.Config
	store *Store
	bus   *Bus
	hub   *Hub
	tasks *asynq.Client
	log   *logrus.Logger

	upgrader websocket.Upgrader

	subMu sync.Mutex
	subs  map[string]context.CancelFunc
}

func NewServer(cfg *config.Config, store *Store, bus *Bus, hub *Hub, tasks *asynq.Client, log *logrus.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		bus:   bus,
		hub:   hub,
		tasks: tasks,
		log:   log,
		subs:  make(map[string]context.CancelFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	hub.OnEnvelope = s.onClientEnvelope
	hub.OnDetach = s.onClientDetach
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Routes registers all endpoints on the router.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/sessions", s.createSession)
		api.GET("/sessions/:id", s.getSession)
		api.POST("/sessions/:id/join", s.joinSession)
		api.POST("/sessions/:id/leave", s.leaveSession)
		api.POST("/sessions/:id/flags", s.updateFlags)
		api.GET("/sessions/:id/participants", s.listParticipants)
		api.GET("/sessions/:id/strokes", s.listStrokes)
		api.POST("/sessions/:id/strokes", s.addStroke)
		api.POST("/sessions/:id/clear", s.clearBoard)
	}

	r.GET("/ws/:id", s.attachWS)
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then drains
// in-flight requests.
func (s *Server) Run() error {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	s.Routes(r)

	srv := &http.Server{Addr: s.cfg.Addr(), Handler: r}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr()).Info("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	osignal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) createSession(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	row, err := s.store.CreateSession(c.Request.Context(), uuid.NewString(), body.Name)
	if err != nil {
		s.log.WithError(err).Error("create session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (s *Server) getSession(c *gin.Context) {
	row, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err == ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("get session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load session"})
		return
	}
	c.JSON(http.StatusOK, row)
}

type userBody struct {
	UserID string `json:"userId" binding:"required"`
}

func (s *Server) joinSession(c *gin.Context) {
	var body userBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if err := s.store.UpsertParticipant(ctx, sessionID, body.UserID); err != nil {
		s.log.WithError(err).Error("join session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not join session"})
		return
	}
	if err := s.bus.MarkPresent(ctx, sessionID, body.UserID); err != nil {
		s.log.WithError(err).Warn("presence update failed")
	}
	s.publishRoster(ctx, sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

func (s *Server) leaveSession(c *gin.Context) {
	var body userBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if err := s.store.MarkParticipantLeft(ctx, sessionID, body.UserID); err != nil {
		if err == ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
			return
		}
		s.log.WithError(err).Error("leave session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not leave session"})
		return
	}
	if err := s.bus.MarkAbsent(ctx, sessionID, body.UserID); err != nil {
		s.log.WithError(err).Warn("presence update failed")
	}
	s.publishRoster(ctx, sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (s *Server) updateFlags(c *gin.Context) {
	var body struct {
		UserID string       `json:"userId" binding:"required"`
		Flags  signal.Flags `json:"flags"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if err := s.store.PatchFlags(ctx, sessionID, body.UserID, body.Flags); err != nil {
		if err == ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "participant not found"})
			return
		}
		s.log.WithError(err).Error("update flags")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update flags"})
		return
	}
	s.publishRoster(ctx, sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) listParticipants(c *gin.Context) {
	rows, err := s.store.Participants(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("list participants")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load participants"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) listStrokes(c *gin.Context) {
	strokes, err := s.store.Strokes(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.log.WithError(err).Error("list strokes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load strokes"})
		return
	}
	c.JSON(http.StatusOK, strokes)
}

func (s *Server) addStroke(c *gin.Context) {
	var body struct {
		UserID string        `json:"userId" binding:"required"`
		Op     whiteboard.Op `json:"op"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := body.Op.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	stroke, err := s.store.AppendStroke(ctx, c.Param("id"), body.UserID, body.Op)
	if err != nil {
		s.log.WithError(err).Error("append stroke")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save stroke"})
		return
	}
	s.publishStroke(ctx, stroke)
	c.JSON(http.StatusCreated, stroke)
}

func (s *Server) clearBoard(c *gin.Context) {
	var body userBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	stroke, err := s.store.AppendStroke(ctx, sessionID, body.UserID, whiteboard.Op{Kind: whiteboard.KindClear})
	if err != nil {
		s.log.WithError(err).Error("clear board")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not clear board"})
		return
	}
	s.publishStroke(ctx, stroke)

	if s.tasks != nil {
		task, err := NewCompactBoardTask(sessionID, stroke.ID)
		if err == nil {
			_, err = s.tasks.EnqueueContext(ctx, task,
				asynq.Queue(QueueMaintenance),
				asynq.MaxRetry(3),
				asynq.ProcessIn(time.Minute))
		}
		if err != nil {
			s.log.WithError(err).Warn("could not enqueue board compaction")
		}
	}
	c.JSON(http.StatusCreated, stroke)
}

func (s *Server) attachWS(c *gin.Context) {
	sessionID := c.Param("id")
	userID := c.Query("user")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.ensureSubscribed(sessionID)
	s.hub.Register(sessionID, userID, conn)
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	}).Info("websocket attached")
}

// onClientEnvelope handles inbound messages from a client socket. Only
// directed signals come up the wire; the sender identity is taken from the
// socket, not the payload.
func (s *Server) onClientEnvelope(c *Client, env *signal.Envelope) {
	if env.Kind != signal.KindSignal || env.Signal == nil {
		s.log.WithField("kind", env.Kind).Debug("ignoring unexpected client envelope")
		return
	}
	if c.UserID == "" {
		return
	}
	env.SessionID = c.SessionID
	env.Signal.SessionID = c.SessionID
	env.Signal.From = c.UserID
	env.Signal.CreatedAt = time.Now().UTC()

	ctx := context.Background()
	if err := s.store.SaveSignal(ctx, env.Signal); err != nil {
		s.log.WithError(err).Warn("could not archive signal")
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.WithError(err).Error("could not route signal")
	}
}

func (s *Server) onClientDetach(c *Client) {
	if !s.hub.SessionActive(c.SessionID) {
		s.subMu.Lock()
		if cancel, ok := s.subs[c.SessionID]; ok {
			cancel()
			delete(s.subs, c.SessionID)
		}
		s.subMu.Unlock()
	}
}

// ensureSubscribed starts the Bus consumer for the session exactly once
// per instance while local clients are attached.
func (s *Server) ensureSubscribed(sessionID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.subs[sessionID] = cancel
	s.bus.Subscribe(ctx, sessionID, s.hub.Deliver)
}

func (s *Server) publishRoster(ctx context.Context, sessionID string) {
	participants, err := s.store.Participants(ctx, sessionID)
	if err != nil {
		s.log.WithError(err).Error("could not load roster")
		return
	}
	env := &signal.Envelope{
		Kind:         signal.KindRoster,
		SessionID:    sessionID,
		Participants: participants,
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.WithError(err).Error("could not publish roster")
	}
}

func (s *Server) publishStroke(ctx context.Context, stroke *whiteboard.Stroke) {
	data, err := json.Marshal(stroke)
	if err != nil {
		s.log.WithError(err).Error("encode stroke")
		return
	}
	env := &signal.Envelope{
		Kind:      signal.KindStroke,
		SessionID: stroke.SessionID,
		UserID:    stroke.UserID,
		Stroke:    data,
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.WithError(err).Error("could not publish stroke")
	}
}
