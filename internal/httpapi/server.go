package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/taskboard/internal/board"
	"github.com/agentworkforce/taskboard/internal/protocol"
)

const internalErrorMessage = "Internal server error"

type ServerConfig struct {
	JWTSecret     string
	MaxFrameBytes int64
	SendBuffer    int
	WriteTimeout  time.Duration
	// OriginPatterns restricts browser origins for the websocket handshake.
	// Empty accepts any origin.
	OriginPatterns []string
	// DisableSiblingBroadcast stops task:moved events for tasks whose
	// position changed as a side effect of a move or delete.
	DisableSiblingBroadcast bool
	Broadcaster             Broadcaster
	Logger                  logrus.FieldLogger
}

type Server struct {
	store       *board.Store
	cfg         ServerConfig
	logger      logrus.FieldLogger
	hub         *hub
	broadcaster Broadcaster

	baseCtx context.Context
	stop    context.CancelFunc

	// sessionsMu orders wg.Add in handleWebsocket against wg.Wait in Close.
	sessionsMu sync.Mutex
	closing    bool
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error

	locksMu sync.Mutex
	locks   map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func NewServer(store *board.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *board.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewLocalBroadcaster()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Server{
		store:       store,
		cfg:         cfg,
		logger:      logger,
		hub:         newHub(logger),
		broadcaster: broadcaster,
		baseCtx:     baseCtx,
		stop:        stop,
		locks:       map[string]*ownerLock{},
	}
}

// Start subscribes to the broadcaster. It must be called before serving.
func (s *Server) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(s.baseCtx)
	context.AfterFunc(ctx, cancel)
	if err := s.broadcaster.Subscribe(subCtx, s.hub.deliver); err != nil {
		cancel()
		return err
	}
	return nil
}

// Close ends every session and the broadcaster subscription. Later calls
// return the first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.sessionsMu.Lock()
		s.closing = true
		s.sessionsMu.Unlock()
		s.stop()
		s.hub.closeAll()
		s.wg.Wait()
		s.closeErr = s.broadcaster.Close()
	})
	return s.closeErr
}

// trackSession reserves a slot for one websocket session, failing once Close
// has started.
func (s *Server) trackSession() bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/ws" && r.Method == http.MethodGet:
		s.handleWebsocket(w, r)
	case r.URL.Path == "/v1/tasks" && r.Method == http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeRequest(r, s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	tasks, err := s.store.Fetch(r.Context(), claims.OwnerID)
	if err != nil {
		s.logger.WithError(err).WithField("owner", claims.OwnerID).Error("fetch tasks failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	if tasks == nil {
		tasks = []board.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeRequest(r, s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !s.trackSession() {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down", getCorrelationID(r))
		return
	}
	defer s.wg.Done()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.cfg.OriginPatterns,
		InsecureSkipVerify: len(s.cfg.OriginPatterns) == 0,
	})
	if err != nil {
		s.logger.WithError(err).Warn("ws accept failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	stopOnShutdown := context.AfterFunc(s.baseCtx, cancel)
	defer stopOnShutdown()

	id := uuid.NewString()
	sess := &session{
		id:           id,
		owner:        claims.OwnerID,
		conn:         conn,
		send:         make(chan []byte, s.cfg.SendBuffer),
		writeTimeout: s.cfg.WriteTimeout,
		logger:       s.logger.WithFields(logrus.Fields{"owner": claims.OwnerID, "session": id}),
		cancel:       cancel,
	}
	s.hub.register(sess)
	defer func() {
		s.hub.unregister(sess)
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	go sess.writePump(ctx)
	sess.readPump(ctx, func(ctx context.Context, frame []byte) {
		s.handleFrame(ctx, sess, frame)
	})
}

// handleFrame runs one client request against the store. Results go to every
// connection of the owner; snapshots and errors go to the issuer only.
func (s *Server) handleFrame(ctx context.Context, sess *session, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		message := "Invalid payload"
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			message = verr.Message
		}
		sess.logger.WithError(err).Debug("rejected frame")
		sess.reply(&protocol.Error{Message: message})
		return
	}
	owner := sess.owner
	logger := sess.logger.WithField("event", msg.Event())

	unlock := s.lockOwner(owner)
	defer unlock()

	switch msg := msg.(type) {
	case *protocol.Fetch:
		tasks, err := s.store.Fetch(ctx, owner)
		if err != nil {
			s.replyError(sess, logger, msg, err)
			return
		}
		sess.reply(&protocol.Initial{Tasks: tasks})
	case *protocol.Add:
		task, err := s.store.Add(ctx, owner, msg.Request())
		if err != nil {
			s.replyError(sess, logger, msg, err)
			return
		}
		s.publish(ctx, owner, &protocol.Added{Task: task})
	case *protocol.Move:
		result, err := s.store.Move(ctx, owner, msg.Request())
		if err != nil {
			s.replyError(sess, logger, msg, err)
			return
		}
		if !result.Found {
			logger.WithField("task", msg.ID).Debug("move of unknown task ignored")
			return
		}
		s.publish(ctx, owner, &protocol.Moved{Task: result.Task})
		s.publishShifted(ctx, owner, result.Shifted)
	case *protocol.Update:
		task, found, err := s.store.Update(ctx, owner, msg.Request())
		if err != nil {
			s.replyError(sess, logger, msg, err)
			return
		}
		if !found {
			logger.WithField("task", msg.ID).Debug("update of unknown task ignored")
			return
		}
		s.publish(ctx, owner, &protocol.Updated{Task: task})
	case *protocol.Delete:
		result, err := s.store.Delete(ctx, owner, msg.ID)
		if err != nil {
			s.replyError(sess, logger, msg, err)
			return
		}
		s.publish(ctx, owner, &protocol.Deleted{ID: result.ID})
		s.publishShifted(ctx, owner, result.Shifted)
	default:
		sess.reply(&protocol.Error{Message: "Unexpected event " + string(msg.Event())})
	}
}

func (s *Server) replyError(sess *session, logger logrus.FieldLogger, msg protocol.Message, err error) {
	if errors.Is(err, board.ErrInvalidInput) {
		message := err.Error()
		var verr *board.ValidationError
		if errors.As(err, &verr) {
			message = verr.Error()
		}
		if msg.Event() == protocol.EventAdd {
			message = protocol.InvalidTaskPayload
		}
		logger.WithError(err).Debug("request rejected")
		sess.reply(&protocol.Error{Message: message})
		return
	}
	logger.WithError(err).Error("request failed")
	sess.reply(&protocol.Error{Message: internalErrorMessage})
}

func (s *Server) publishShifted(ctx context.Context, owner string, shifted []board.Task) {
	if s.cfg.DisableSiblingBroadcast {
		return
	}
	for _, task := range shifted {
		s.publish(ctx, owner, &protocol.Moved{Task: task})
	}
}

// publish falls back to local delivery when the broadcaster fails so the
// issuer still learns the outcome.
func (s *Server) publish(ctx context.Context, owner string, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.WithError(err).WithField("event", msg.Event()).Error("encode broadcast failed")
		return
	}
	if err := s.broadcaster.Publish(ctx, owner, frame); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"owner": owner, "event": msg.Event()}).Warn("broadcast failed, delivering locally")
		s.hub.deliver(owner, frame)
	}
}

// lockOwner serializes request handling per owner so broadcasts leave in the
// order the store applied them.
func (s *Server) lockOwner(ownerID string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[ownerID]
	if !ok {
		lock = &ownerLock{}
		s.locks[ownerID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, ownerID)
		}
		s.locksMu.Unlock()
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
