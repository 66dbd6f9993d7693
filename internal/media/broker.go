package media

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

const hintTimeout = time.Second

// hintRefresher is implemented by stores whose flag expires unless it is
// rewritten.
type hintRefresher interface {
	RefreshInterval() time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithHints sets the cross-process hint store.
func WithHints(h HintStore) Option {
	return func(b *Broker) { b.hints = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.logger = logging.Or(l, "media-broker") }
}

// Broker owns at most one device track per kind and hands out clones of
// it. Device tracks are stopped only when the session count returns to
// zero or Cleanup is called.
type Broker struct {
	dev    Device
	hints  HintStore
	logger *zap.Logger

	mu       sync.Mutex
	held     map[Kind]SourceTrack
	sessions int
	ready    bool

	refreshStop chan struct{}
	refreshDone chan struct{}
}

func NewBroker(dev Device, opts ...Option) *Broker {
	b := &Broker{
		dev:    dev,
		logger: logging.Or(nil, "media-broker"),
		held:   make(map[Kind]SourceTrack),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// GetSharedVideoStream returns a stream holding a fresh clone of the
// camera track, acquiring the camera first if needed. It returns nil when
// no camera could be opened.
func (b *Broker) GetSharedVideoStream(ctx context.Context) *Stream {
	return b.shared(ctx, KindVideo)
}

// GetSharedAudioStream is GetSharedVideoStream for the microphone.
func (b *Broker) GetSharedAudioStream(ctx context.Context) *Stream {
	return b.shared(ctx, KindAudio)
}

func (b *Broker) shared(ctx context.Context, kind Kind) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.held[kind]
	if src == nil || !src.Live() {
		if src != nil {
			src.Stop()
			delete(b.held, kind)
		}
		if !b.ready {
			b.checkForeignHolder(ctx)
		}
		src = b.acquire(ctx, kind)
		if src == nil {
			return nil
		}
		b.held[kind] = src
		if !b.ready {
			b.ready = true
			b.hint(true)
			b.startRefreshLocked()
		}
	}

	clone, err := src.Clone()
	if err != nil {
		b.logger.Warn("failed to clone device track", zap.Stringer("kind", kind), zap.Error(err))
		return nil
	}
	return newStream(clone)
}

// acquire walks the ladder for kind. Tier failures are logged only.
func (b *Broker) acquire(ctx context.Context, kind Kind) SourceTrack {
	for _, c := range ladderFor(kind) {
		if ctx.Err() != nil {
			break
		}
		src, err := b.dev.Acquire(ctx, kind, c)
		if err != nil {
			b.logger.Debug("acquisition tier failed",
				zap.Stringer("kind", kind), zap.String("tier", c.Tier), zap.Error(err))
			continue
		}
		b.logger.Info("device acquired",
			zap.Stringer("kind", kind), zap.String("tier", c.Tier), zap.Stringer("resolution", c.Resolution))
		return src
	}
	b.logger.Warn("device unavailable", zap.Stringer("kind", kind))
	return nil
}

// IncrementSessionCount registers a consumer.
func (b *Broker) IncrementSessionCount() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions++
}

// DecrementSessionCount releases a consumer. The last release stops every
// device track; extra releases are ignored.
func (b *Broker) DecrementSessionCount() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessions == 0 {
		b.logger.Warn("session count already zero")
		return
	}
	b.sessions--
	if b.sessions == 0 {
		b.teardownLocked()
	}
}

// SessionCount returns the number of registered consumers.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions
}

// Ready reports whether a device track is held.
func (b *Broker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Cleanup stops every device track regardless of outstanding sessions.
func (b *Broker) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = 0
	b.teardownLocked()
}

func (b *Broker) teardownLocked() {
	for kind, src := range b.held {
		src.Stop()
		delete(b.held, kind)
	}
	b.stopRefreshLocked()
	if b.ready {
		b.ready = false
		b.hint(false)
	}
	b.logger.Info("device tracks released")
}

// checkForeignHolder logs when another process reports active streams;
// its devices may refuse a second open.
func (b *Broker) checkForeignHolder(ctx context.Context) {
	if b.hints == nil {
		return
	}
	active, err := timeout.Run(ctx, hintTimeout, b.hints.Active, nil)
	if err != nil {
		b.logger.Debug("streams-active hint not read", zap.Error(err))
		return
	}
	if active {
		b.logger.Info("another process reports active streams, devices may be busy")
	}
}

// startRefreshLocked keeps an expiring hint alive while devices are held.
func (b *Broker) startRefreshLocked() {
	r, ok := b.hints.(hintRefresher)
	if !ok || r.RefreshInterval() <= 0 || b.refreshStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	b.refreshStop, b.refreshDone = stop, done

	go func(every time.Duration) {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				b.hint(true)
			}
		}
	}(r.RefreshInterval())
}

// stopRefreshLocked waits for the refresh loop so a late refresh cannot
// land after the hint is cleared.
func (b *Broker) stopRefreshLocked() {
	if b.refreshStop == nil {
		return
	}
	close(b.refreshStop)
	<-b.refreshDone
	b.refreshStop, b.refreshDone = nil, nil
}

func (b *Broker) hint(active bool) {
	if b.hints == nil {
		return
	}
	err := timeout.Do(context.Background(), hintTimeout, func(ctx context.Context) error {
		return b.hints.SetActive(ctx, active)
	})
	if err != nil {
		b.logger.Debug("streams-active hint not written", zap.Bool("active", active), zap.Error(err))
	}
}
