package clientsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/taskboard/internal/board"
	"github.com/agentworkforce/taskboard/internal/localcache"
	"github.com/agentworkforce/taskboard/internal/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Queue is the durable outbox the manager replays on connect.
type Queue interface {
	Enqueue(ctx context.Context, ownerID string, m board.Mutation) (int64, error)
	LoadQueueForOwner(ctx context.Context, ownerID string) ([]localcache.QueueItem, error)
	RemoveQueueItem(ctx context.Context, seq int64) error
	QueueDepth(ctx context.Context, ownerID string) (int, error)
}

type ManagerOptions struct {
	Engine *Engine
	Queue  Queue
	Dialer Dialer
	Logger logrus.FieldLogger

	// WriteTimeout bounds one frame write. Zero means 10s.
	WriteTimeout time.Duration
	// ReconnectBaseDelay and ReconnectMaxDelay shape the backoff after a lost
	// transport. Zero values mean 500ms and 30s.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectJitter    float64
	DisableReconnect   bool

	// OnStateChange may run while a replay is in progress; it must not call
	// Emit.
	OnStateChange func(State)
	OnServerError func(message string)
}

// Manager owns the connection lifecycle. It sends mutations when the link is
// up and durably queues them otherwise, and replays the queue in FIFO order
// every time a session is established.
type Manager struct {
	engine        *Engine
	queue         Queue
	dialer        Dialer
	logger        logrus.FieldLogger
	writeTimeout  time.Duration
	backoff       backoff
	reconnect     bool
	onStateChange func(State)
	onServerError func(string)

	reachable atomic.Bool

	// sendMu orders every transmission: replay holds it for the whole queue
	// so later emissions cannot overtake queued ones.
	sendMu sync.Mutex

	mu           sync.Mutex
	state        State
	token        string
	owner        string
	authFailed   bool
	conn         Conn
	generation   uint64
	reconnecting bool
	closed       bool
	notices      []State

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	rngMu     sync.Mutex
	rng       *rand.Rand
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine:       opts.Engine,
		queue:        opts.Queue,
		dialer:       opts.Dialer,
		logger:       logger,
		writeTimeout: writeTimeout,
		backoff: backoff{
			baseDelay:   opts.ReconnectBaseDelay,
			maxDelay:    opts.ReconnectMaxDelay,
			jitterRatio: opts.ReconnectJitter,
		},
		reconnect:     !opts.DisableReconnect,
		onStateChange: opts.OnStateChange,
		onServerError: opts.OnServerError,
		runCtx:        runCtx,
		runCancel:     cancel,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.reachable.Store(true)
	return m, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

func (m *Manager) Reachable() bool {
	return m.reachable.Load()
}

// Pending reports how many mutations wait in the durable queue for the
// current owner.
func (m *Manager) Pending(ctx context.Context) (int, error) {
	owner := m.Owner()
	if owner == "" {
		return 0, nil
	}
	return m.queue.QueueDepth(ctx, owner)
}

// SetIdentity installs token and connects when the network is reachable. A
// token for a different owner ends the current session first.
func (m *Manager) SetIdentity(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	owner, err := OwnerFromToken(token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.owner != owner || m.token != token {
		m.dropSessionLocked()
	}
	m.token = token
	m.owner = owner
	m.authFailed = false
	m.unlock()

	m.engine.SetOwner(owner)
	m.logger.WithField("owner", owner).Info("identity set")
	if !m.Reachable() {
		return nil
	}
	return m.connect(ctx)
}

// Logout closes the session and clears in-memory board state. Queued
// mutations stay in the durable cache for the next login of the same owner.
func (m *Manager) Logout() {
	m.mu.Lock()
	owner := m.owner
	m.dropSessionLocked()
	m.token = ""
	m.owner = ""
	m.authFailed = false
	m.unlock()
	m.engine.Reset()
	if owner != "" {
		m.logger.WithField("owner", owner).Info("logged out")
	}
}

// NetworkChanged records reachability. Regaining the network replays the
// queue on a live session or starts a new one.
func (m *Manager) NetworkChanged(ctx context.Context, reachable bool) error {
	m.reachable.Store(reachable)
	if !reachable {
		return nil
	}
	switch m.State() {
	case StateConnected:
		return m.replayConnected(ctx)
	case StateDisconnected:
		return m.connect(ctx)
	default:
		return nil
	}
}

// Emit transmits m when connected and reachable, otherwise appends it to the
// durable queue. A failed transmission queues m and drops the session.
func (m *Manager) Emit(ctx context.Context, mutation board.Mutation) error {
	msg, err := protocol.FromMutation(mutation)
	if err != nil {
		return err
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	owner, state, conn, gen := m.owner, m.state, m.conn, m.generation
	m.mu.Unlock()
	if owner == "" {
		return ErrNoIdentity
	}
	if state == StateConnected && conn != nil && m.Reachable() {
		sendErr := m.send(ctx, conn, msg)
		if sendErr == nil {
			return nil
		}
		m.logger.WithError(sendErr).WithFields(logrus.Fields{"owner": owner, "event": msg.Event()}).Warn("send failed, queueing")
		defer m.transportLost(gen, sendErr)
	}
	seq, err := m.queue.Enqueue(ctx, owner, mutation)
	if err != nil {
		return fmt.Errorf("queue %s: %w", mutation.Kind, err)
	}
	m.logger.WithFields(logrus.Fields{"owner": owner, "seq": seq, "event": msg.Event()}).Debug("mutation queued")
	return nil
}

// Fetch asks the server for a full snapshot.
func (m *Manager) Fetch(ctx context.Context) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.mu.Lock()
	state, conn := m.state, m.conn
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return &TransportError{Op: "fetch", Err: errors.New("not connected")}
	}
	return m.send(ctx, conn, &protocol.Fetch{})
}

// Close ends the session and stops reconnect attempts. Engine state is left
// alone.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.dropSessionLocked()
	m.unlock()
	m.runCancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected || m.token == "" || m.authFailed {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen, token, owner := m.generation, m.token, m.owner
	m.setStateLocked(StateConnecting)
	m.unlock()

	conn, err := m.dialer.Dial(ctx, token)
	if err != nil {
		m.mu.Lock()
		if m.generation == gen {
			m.setStateLocked(StateDisconnected)
			if errors.Is(err, ErrAuth) {
				m.authFailed = true
			}
		}
		m.unlock()
		m.logger.WithError(err).WithField("owner", owner).Warn("connect failed")
		if !errors.Is(err, ErrAuth) {
			m.scheduleReconnect()
		}
		return err
	}

	m.sendMu.Lock()
	m.mu.Lock()
	if m.generation != gen || m.closed {
		m.mu.Unlock()
		m.sendMu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.conn = conn
	m.setStateLocked(StateConnected)
	m.unlock()

	m.wg.Add(1)
	go m.receiveLoop(gen, owner, conn)

	err = m.replayLocked(ctx, owner, conn)
	if err != nil && !errors.Is(err, ErrTransport) {
		m.logger.WithError(err).WithField("owner", owner).Error("replay halted, queue kept for the next attempt")
		err = nil
	}
	if err == nil {
		err = m.send(ctx, conn, &protocol.Fetch{})
	}
	m.sendMu.Unlock()
	if err != nil {
		m.transportLost(gen, err)
		return err
	}
	m.logger.WithField("owner", owner).Info("connected")
	return nil
}

func (m *Manager) replayConnected(ctx context.Context) error {
	m.sendMu.Lock()
	m.mu.Lock()
	owner, conn, gen, state := m.owner, m.conn, m.generation, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		m.sendMu.Unlock()
		return nil
	}
	err := m.replayLocked(ctx, owner, conn)
	m.sendMu.Unlock()
	if errors.Is(err, ErrTransport) {
		m.transportLost(gen, err)
	} else if err != nil {
		m.logger.WithError(err).WithField("owner", owner).Error("replay halted, queue kept for the next attempt")
	}
	return err
}

// replayLocked sends the owner's queue oldest first, removing each item only
// after it was written. Only write failures wrap ErrTransport. sendMu must be
// held.
func (m *Manager) replayLocked(ctx context.Context, owner string, conn Conn) error {
	items, err := m.queue.LoadQueueForOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	for _, item := range items {
		msg, err := protocol.FromMutation(item.Mutation)
		if err != nil {
			return fmt.Errorf("encode queue item %d: %w", item.Seq, err)
		}
		if err := m.send(ctx, conn, msg); err != nil {
			return err
		}
		if err := m.queue.RemoveQueueItem(ctx, item.Seq); err != nil {
			return fmt.Errorf("remove queue item %d: %w", item.Seq, err)
		}
		m.logger.WithFields(logrus.Fields{"owner": owner, "seq": item.Seq, "event": msg.Event()}).Debug("replayed")
	}
	return nil
}

func (m *Manager) send(ctx context.Context, conn Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, frame); err != nil {
		if errors.Is(err, ErrTransport) {
			return err
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (m *Manager) receiveLoop(gen uint64, owner string, conn Conn) {
	defer m.wg.Done()
	for {
		frame, err := conn.Read(m.runCtx)
		if err != nil {
			m.transportLost(gen, err)
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			m.logger.WithError(err).WithField("owner", owner).Warn("discarding invalid frame")
			continue
		}
		if !m.current(gen) {
			return
		}
		m.dispatch(owner, msg)
	}
}

func (m *Manager) dispatch(owner string, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.Initial:
		m.engine.hydrateFor(owner, msg.Tasks)
	case *protocol.Added:
		m.engine.mergeFor(owner, msg.Task)
	case *protocol.Moved:
		m.engine.mergeFor(owner, msg.Task)
	case *protocol.Updated:
		m.engine.mergeFor(owner, msg.Task)
	case *protocol.Deleted:
		m.engine.removeFor(owner, msg.ID)
	case *protocol.Error:
		m.logger.WithField("owner", owner).Warnf("server error: %s", msg.Message)
		if m.onServerError != nil {
			m.onServerError(msg.Message)
		}
	default:
		m.logger.WithFields(logrus.Fields{"owner": owner, "event": msg.Event()}).Debug("ignoring client event from server")
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen && m.state == StateConnected
}

// transportLost tears down session gen and schedules a reconnect. Stale
// generations are ignored.
func (m *Manager) transportLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.generation != gen || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.dropSessionLocked()
	owner := m.owner
	m.unlock()
	m.logger.WithError(cause).WithField("owner", owner).Warn("transport lost")
	m.scheduleReconnect()
}

// dropSessionLocked closes the live connection, if any, and invalidates its
// generation. m.mu must be held.
func (m *Manager) dropSessionLocked() {
	m.generation++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateDisconnected)
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.notices = append(m.notices, state)
}

// unlock releases m.mu and then reports state transitions made while it was
// held, so callbacks may call back into the manager.
func (m *Manager) unlock() {
	notices := m.notices
	m.notices = nil
	m.mu.Unlock()
	if m.onStateChange == nil {
		return
	}
	for _, state := range notices {
		m.onStateChange(state)
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if !m.reconnect || m.closed || m.reconnecting || m.token == "" || m.authFailed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.reconnecting = false
			lost := !m.closed && m.token != "" && !m.authFailed && m.state == StateDisconnected
			m.mu.Unlock()
			if lost && m.runCtx.Err() == nil {
				m.scheduleReconnect()
			}
		}()
		for attempt := 1; ; attempt++ {
			if err := waitWithContext(m.runCtx, m.backoff.delay(attempt, m.sample())); err != nil {
				return
			}
			m.mu.Lock()
			done := m.closed || m.token == "" || m.authFailed || m.state != StateDisconnected
			m.mu.Unlock()
			if done {
				return
			}
			if !m.Reachable() {
				continue
			}
			err := m.connectOnce()
			if err == nil || errors.Is(err, ErrAuth) {
				return
			}
		}
	}()
}

// connectOnce is connect without scheduling a further reconnect loop; the
// caller already is one.
func (m *Manager) connectOnce() error {
	ctx, cancel := context.WithTimeout(m.runCtx, 30*time.Second)
	defer cancel()
	err := m.connect(ctx)
	if err == nil && m.State() != StateConnected {
		return &TransportError{Op: "reconnect", Err: errors.New("session ended during handshake")}
	}
	return err
}

func (m *Manager) sample() float64 {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Float64()
}
