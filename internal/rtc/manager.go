// Package rtc owns the connection to a media-server room: the state
// machine, connect retries, liveness checking, teardown, track publication
// and screen sharing.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/apperr"
	"github.com/aminelahmer1/livestream-core/internal/config"
	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/probe"
	"github.com/aminelahmer1/livestream-core/internal/retry"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
	"github.com/aminelahmer1/livestream-core/internal/token"
)

var (
	// ErrConnectInProgress rejects a connect issued while another is running.
	ErrConnectInProgress = errors.New("connection attempt already in progress")
	// ErrNotConnected is returned by operations that need an established room.
	ErrNotConnected = errors.New("not connected to a room")
	errLiveness     = errors.New("connection lost during liveness check")
	errSuperseded   = errors.New("connection attempt cancelled by disconnect")
)

// Prober is the connectivity pre-check run before connecting.
type Prober interface {
	TestConnection(ctx context.Context) probe.Report
}

// Options configures a Manager. Zero values take defaults; a negative
// GracePeriod skips the liveness wait.
type Options struct {
	ServerURL             string
	Transport             Transport
	Prober                Prober // nil skips the pre-check
	Capturer              ScreenCapturer
	ICE                   config.ICEConfig
	PublishDefaults       PublishDefaults
	MaxAttempts           int
	AttemptTimeout        time.Duration
	RetryDelay            time.Duration
	GracePeriod           time.Duration
	UnpublishTimeout      time.Duration
	PeerConnectionTimeout time.Duration
	SignalingTimeout      time.Duration
	HistorySize           int
	Logger                *zap.Logger
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	d := DefaultPublishDefaults()
	d.VideoBitrate = cfg.Media.VideoBitrate
	d.AudioBitrate = cfg.Media.AudioBitrate
	return Options{
		ServerURL:        cfg.LiveKit.URL,
		ICE:              cfg.ICE,
		PublishDefaults:  d,
		MaxAttempts:      cfg.Connection.MaxAttempts,
		AttemptTimeout:   cfg.Connection.AttemptTimeout,
		RetryDelay:       cfg.Connection.RetryDelay,
		GracePeriod:      cfg.Connection.GracePeriod,
		UnpublishTimeout: cfg.Connection.UnpublishTimeout,
	}
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 45 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	switch {
	case o.GracePeriod == 0:
		o.GracePeriod = time.Second
	case o.GracePeriod < 0:
		o.GracePeriod = 0
	}
	if o.UnpublishTimeout <= 0 {
		o.UnpublishTimeout = 5 * time.Second
	}
	if o.PeerConnectionTimeout <= 0 {
		o.PeerConnectionTimeout = 45 * time.Second
	}
	if o.SignalingTimeout <= 0 {
		o.SignalingTimeout = 30 * time.Second
	}
	if o.PublishDefaults == (PublishDefaults{}) {
		o.PublishDefaults = DefaultPublishDefaults()
	}
}

// attempt is the state of one ConnectToRoom call.
type attempt struct {
	id      string
	room    string
	token   string
	role    Role
	start   time.Time
	tries   int
	lastErr error
}

// Manager drives one room connection at a time. All exported methods are
// safe for concurrent use; state and metrics are exposed as copies.
type Manager struct {
	opts   Options
	logger *zap.Logger

	connecting atomic.Bool
	screenMu   sync.Mutex

	mu       sync.Mutex
	state    State
	room     Room
	roomName string
	role     Role
	activeID string // identifies the room whose events are honored
	metrics  ConnectionMetrics
	screen   ScreenCapture

	// Events from the try in flight, held until its room is committed.
	pendingID           string
	pendingLost         string
	pendingReconnecting bool

	history *eventHistory
	stream  *stateStream

	// onRetry observes inter-attempt waits.
	onRetry func(attempt int, wait time.Duration)
}

// NewManager returns a disconnected Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("rtc: transport is required")
	}
	if opts.ServerURL == "" {
		return nil, errors.New("rtc: server url is required")
	}
	opts.setDefaults()

	return &Manager{
		opts:    opts,
		logger:  logging.Or(opts.Logger, "rtc-manager"),
		state:   Disconnected,
		metrics: ConnectionMetrics{Quality: QualityUnknown},
		history: newEventHistory(opts.HistorySize),
		stream:  newStateStream(),
	}, nil
}

// ConnectToRoom joins roomName with tok. Any failure leaves the manager
// Disconnected and returns an error tagged with the role.
func (m *Manager) ConnectToRoom(ctx context.Context, roomName, tok string, role Role) error {
	const op = "rtc.connect"

	if roomName == "" {
		return apperr.New(op, apperr.Validation, "room name is required")
	}
	claims, err := token.Inspect(tok)
	if err != nil {
		m.countFailure()
		return apperr.Wrap(op, apperr.Validation, role.String()+" connection failed: invalid token", err)
	}
	if claims.Room != roomName {
		m.countFailure()
		return apperr.New(op, apperr.Validation,
			fmt.Sprintf("%s connection failed: token is bound to room %q, not %q", role, claims.Room, roomName))
	}

	if !m.connecting.CompareAndSwap(false, true) {
		return apperr.Wrap(op, apperr.Validation, role.String()+" connection rejected", ErrConnectInProgress)
	}
	defer m.connecting.Store(false)

	if m.State() != Disconnected {
		m.logger.Info("replacing existing connection", zap.String("room", m.RoomName()))
		if err := m.DisconnectFromRoom(ctx); err != nil {
			m.logger.Warn("disconnect before reconnect failed", zap.Error(err))
		}
	}

	a := &attempt{id: uuid.NewString(), room: roomName, token: tok, role: role, start: time.Now()}
	log := m.logger.With(zap.String("attempt", a.id), zap.String("room", roomName), zap.Stringer("role", role))

	m.mu.Lock()
	m.roomName = roomName
	m.role = role
	m.transitionLocked(Connecting, "connect requested")
	m.mu.Unlock()

	if m.opts.Prober != nil {
		if report := m.opts.Prober.TestConnection(ctx); !report.OK {
			log.Warn("connectivity pre-check failed, connecting anyway",
				zap.Strings("failed", report.Failed),
				zap.Duration("latency", report.Latency))
		}
	}

	room, tryID, err := m.connectWithRetry(ctx, a, m.connectOptions(role), log)
	if err != nil {
		return m.failAttempt(op, a, err, log)
	}

	if err := m.checkLiveness(ctx, room); err != nil {
		room.Close()
		return m.failAttempt(op, a, err, log)
	}

	latency := time.Since(a.start)

	m.mu.Lock()
	if m.state != Connecting || m.pendingID != tryID {
		m.mu.Unlock()
		room.Close()
		return m.failAttempt(op, a, errSuperseded, log)
	}
	if lost := m.pendingLost; lost != "" {
		m.mu.Unlock()
		room.Close()
		return m.failAttempt(op, a, fmt.Errorf("%w: %s", errLiveness, lost), log)
	}
	reconnecting := m.pendingReconnecting
	m.clearPendingLocked()
	m.room = room
	m.activeID = tryID
	m.metrics.LastLatency = latency
	m.metrics.LastConnectedAt = time.Now()
	m.metrics.ReconnectAttempts = 0
	m.metrics.Quality = classify(latency, 0)
	m.transitionLocked(Connected, fmt.Sprintf("connected after %d attempt(s)", a.tries))
	if reconnecting {
		m.metrics.ReconnectAttempts++
		m.metrics.Quality = classify(latency, m.metrics.ReconnectAttempts)
		m.transitionLocked(Reconnecting, "transport reconnecting")
	}
	m.mu.Unlock()

	log.Info("connected", zap.Duration("latency", latency), zap.Int("attempts", a.tries))
	return nil
}

// connectWithRetry runs up to MaxAttempts tries with linear backoff, each
// raced against AttemptTimeout. A room that arrives after its try timed out
// is closed.
func (m *Manager) connectWithRetry(ctx context.Context, a *attempt, opts ConnectOptions, log *zap.Logger) (Room, string, error) {
	var (
		room  Room
		tryID string
	)

	operation := func() error {
		a.tries++
		id := fmt.Sprintf("%s/%d", a.id, a.tries)

		m.mu.Lock()
		m.clearPendingLocked()
		m.pendingID = id
		m.mu.Unlock()

		r, err := timeout.Run(ctx, m.opts.AttemptTimeout, func(ctx context.Context) (Room, error) {
			return m.opts.Transport.Connect(ctx, m.opts.ServerURL, a.token, opts, m.eventsFor(id))
		}, func(late Room) {
			log.Warn("closing room that connected after its attempt timed out", zap.String("try", id))
			late.Close()
		})
		if err != nil {
			a.lastErr = err
			log.Warn("connect attempt failed", zap.Int("try", a.tries), zap.Error(err))
			return err
		}
		room, tryID = r, id
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Debug("retrying connect", zap.Int("next_try", a.tries+1), zap.Duration("wait", wait))
		if m.onRetry != nil {
			m.onRetry(a.tries, wait)
		}
	}

	b := retry.Attempts(ctx, retry.NewLinear(m.opts.RetryDelay), m.opts.MaxAttempts)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if a.lastErr != nil && !errors.Is(err, a.lastErr) {
			err = fmt.Errorf("%w (last attempt: %v)", err, a.lastErr)
		}
		return nil, "", fmt.Errorf("%d attempt(s) exhausted: %w", a.tries, err)
	}
	return room, tryID, nil
}

// checkLiveness waits GracePeriod and confirms the room is still usable.
func (m *Manager) checkLiveness(ctx context.Context, room Room) error {
	if m.opts.GracePeriod > 0 {
		t := time.NewTimer(m.opts.GracePeriod)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !room.Connected() || room.EngineClosed() {
		return errLiveness
	}
	return nil
}

func (m *Manager) failAttempt(op string, a *attempt, cause error, log *zap.Logger) error {
	m.mu.Lock()
	m.clearPendingLocked()
	m.metrics.ReconnectAttempts++
	m.metrics.Quality = QualityPoor
	m.transitionLocked(Disconnected, cause.Error())
	m.roomName = ""
	m.mu.Unlock()

	log.Error("connection failed", zap.Int("attempts", a.tries), zap.Error(cause))

	kind := apperr.KindOf(cause)
	if kind == apperr.Unknown {
		kind = apperr.Transient
	}
	return apperr.Wrap(op, kind, a.role.String()+" connection failed", cause)
}

func (m *Manager) countFailure() {
	m.mu.Lock()
	m.metrics.ReconnectAttempts++
	m.mu.Unlock()
}

// connectOptions builds the role policy: producers publish at a fixed
// rate without simulcast, viewers adapt their downlink.
func (m *Manager) connectOptions(role Role) ConnectOptions {
	o := ConnectOptions{
		Role:                  role,
		AutoSubscribe:         true,
		ICEServers:            probe.ICEServers(m.opts.ICE),
		PeerConnectionTimeout: m.opts.PeerConnectionTimeout,
		SignalingTimeout:      m.opts.SignalingTimeout,
		BundlePolicy:          webrtc.BundlePolicyMaxCompat,
	}
	if role == Producer {
		d := m.opts.PublishDefaults
		d.Simulcast = false
		o.Publish = &d
		o.AdaptiveStream = false
	} else {
		o.AdaptiveStream = true
	}
	return o
}

func (m *Manager) eventsFor(id string) TransportEvents {
	return TransportEvents{
		OnReconnecting: func() { m.onTransportEvent(id, Reconnecting, "transport reconnecting") },
		OnReconnected:  func() { m.onTransportEvent(id, Connected, "transport reconnected") },
		OnDisconnected: func(reason string) { m.onTransportEvent(id, Disconnected, reason) },
	}
}

func (m *Manager) onTransportEvent(id string, to State, reason string) {
	m.mu.Lock()
	if id != m.activeID {
		if id == m.pendingID && m.state == Connecting {
			m.holdPendingLocked(to, reason)
			m.mu.Unlock()
			m.logger.Debug("holding event from connecting room", zap.String("try", id), zap.Stringer("state", to))
			return
		}
		m.mu.Unlock()
		m.logger.Debug("ignoring event from inactive room", zap.String("try", id), zap.Stringer("state", to))
		return
	}

	var (
		dropped Room
		capture ScreenCapture
	)
	switch to {
	case Reconnecting:
		m.metrics.ReconnectAttempts++
		m.metrics.Quality = classify(m.metrics.LastLatency, m.metrics.ReconnectAttempts)
	case Disconnected:
		dropped, capture = m.room, m.screen
		m.room, m.screen, m.activeID, m.roomName = nil, nil, "", ""
	}
	m.transitionLocked(to, reason)
	m.mu.Unlock()

	if dropped != nil {
		dropped.Close()
	}
	if capture != nil {
		capture.Stop()
	}
}

// holdPendingLocked records an event from the try in flight. A loss is
// sticky; reconnecting is cleared by a later reconnected.
func (m *Manager) holdPendingLocked(to State, reason string) {
	switch to {
	case Disconnected:
		if reason == "" {
			reason = "transport disconnected"
		}
		m.pendingLost = reason
	case Reconnecting:
		m.pendingReconnecting = true
	case Connected:
		m.pendingReconnecting = false
	}
}

func (m *Manager) clearPendingLocked() {
	m.pendingID, m.pendingLost, m.pendingReconnecting = "", "", false
}

// transitionLocked applies an edge of the state machine. m.mu must be held.
func (m *Manager) transitionLocked(to State, reason string) bool {
	from := m.state
	if from == to {
		return false
	}
	if !canTransition(from, to) {
		m.logger.Warn("rejected state transition",
			zap.Stringer("from", from), zap.Stringer("to", to), zap.String("reason", reason))
		return false
	}
	m.state = to

	ev := ConnectionEvent{From: from, To: to, Room: m.roomName, Reason: reason, Timestamp: time.Now()}
	m.history.add(ev)
	m.stream.publish(ev)
	m.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to), zap.String("reason", reason))
	return true
}

// DisconnectFromRoom unpublishes local tracks within UnpublishTimeout,
// closes the room and always ends Disconnected. When already disconnected
// it only stops a leftover screen capture.
func (m *Manager) DisconnectFromRoom(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Disconnected && m.room == nil {
		capture := m.screen
		m.screen = nil
		m.mu.Unlock()
		if capture != nil {
			capture.Stop()
		}
		return nil
	}
	room, capture, roomName := m.room, m.screen, m.roomName
	m.room, m.screen, m.activeID = nil, nil, ""
	m.mu.Unlock()

	log := m.logger.With(zap.String("room", roomName))

	if room != nil {
		pubs := room.Publications()
		err := timeout.Do(ctx, m.opts.UnpublishTimeout, func(context.Context) error {
			for _, p := range pubs {
				if err := room.Unpublish(p.SID); err != nil {
					log.Warn("unpublish failed", zap.String("sid", p.SID), zap.Stringer("source", p.Source), zap.Error(err))
				}
			}
			return nil
		})
		if err != nil {
			log.Warn("unpublish batch abandoned", zap.Int("tracks", len(pubs)), zap.Error(err))
		}

		if err := timeout.Do(ctx, m.opts.UnpublishTimeout, func(context.Context) error {
			room.Close()
			return nil
		}); err != nil {
			log.Warn("room close abandoned", zap.Error(err))
		}
	}
	if capture != nil {
		capture.Stop()
	}

	m.mu.Lock()
	m.transitionLocked(Disconnected, "disconnect requested")
	m.roomName = ""
	m.mu.Unlock()

	log.Info("disconnected")
	return nil
}

// Publish publishes track under source. Producers get the capped publish
// resolution; simulcast stays off.
func (m *Manager) Publish(ctx context.Context, track webrtc.TrackLocal, source Source) (Publication, error) {
	const op = "rtc.publish"
	if track == nil {
		return Publication{}, apperr.New(op, apperr.Validation, "track is required")
	}

	room, role, err := m.connectedRoom()
	if err != nil {
		return Publication{}, apperr.Wrap(op, apperr.Validation, "cannot publish", err)
	}

	opts := PublishOptions{Name: source.String(), Source: source}
	if role == Producer && track.Kind() == webrtc.RTPCodecTypeVideo {
		opts.VideoWidth = m.opts.PublishDefaults.MaxWidth
		opts.VideoHeight = m.opts.PublishDefaults.MaxHeight
	}

	pub, err := m.publishBounded(ctx, room, track, opts)
	if err != nil {
		return Publication{}, apperr.Wrap(op, apperr.Transient, "failed to publish "+source.String(), err)
	}
	m.logger.Info("track published", zap.String("sid", pub.SID), zap.Stringer("source", source))
	return pub, nil
}

// publishBounded publishes within SignalingTimeout. A publication that
// lands after the deadline is withdrawn.
func (m *Manager) publishBounded(ctx context.Context, room Room, track webrtc.TrackLocal, opts PublishOptions) (Publication, error) {
	return timeout.Run(ctx, m.opts.SignalingTimeout, func(context.Context) (Publication, error) {
		return room.Publish(track, opts)
	}, func(late Publication) {
		if err := room.Unpublish(late.SID); err != nil {
			m.logger.Warn("failed to withdraw late publication", zap.String("sid", late.SID), zap.Error(err))
		}
	})
}

// Unpublish removes one publication.
func (m *Manager) Unpublish(ctx context.Context, sid string) error {
	const op = "rtc.unpublish"
	room, _, err := m.connectedRoom()
	if err != nil {
		return apperr.Wrap(op, apperr.Validation, "cannot unpublish", err)
	}
	if err := timeout.Do(ctx, m.opts.UnpublishTimeout, func(context.Context) error {
		return room.Unpublish(sid)
	}); err != nil {
		return apperr.Wrap(op, apperr.Transient, "failed to unpublish", err)
	}
	return nil
}

// Publications lists the local publications of the current room.
func (m *Manager) Publications() []Publication {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == nil {
		return nil
	}
	return room.Publications()
}

func (m *Manager) connectedRoom() (Room, Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.room == nil {
		return nil, m.role, ErrNotConnected
	}
	return m.room, m.role, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RoomName returns the room being connected or connected to.
func (m *Manager) RoomName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomName
}

// Metrics returns a snapshot of the connection metrics.
func (m *Manager) Metrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// History returns up to n recent transitions, oldest first.
func (m *Manager) History(n int) []ConnectionEvent {
	return m.history.recent(n)
}

// Subscribe streams every subsequent transition in order. Call cancel to
// stop; the channel is then closed.
func (m *Manager) Subscribe() (<-chan ConnectionEvent, func()) {
	return m.stream.subscribe()
}

// Cleanup disconnects and resets metrics and history.
func (m *Manager) Cleanup(ctx context.Context) {
	if err := m.DisconnectFromRoom(ctx); err != nil {
		m.logger.Warn("cleanup disconnect failed", zap.Error(err))
	}
	m.mu.Lock()
	m.metrics = ConnectionMetrics{Quality: QualityUnknown}
	m.mu.Unlock()
	m.history.clear()
}
