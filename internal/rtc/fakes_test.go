package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/webrtc/v4"

	"github.com/aminelahmer1/livestream-core/internal/probe"
)

func roomToken(t *testing.T, room string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "producer-1",
		"video": map[string]interface{}{"room": room, "roomJoin": true},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

type fakeRoom struct {
	name string

	mu        sync.Mutex
	pubs      map[string]Publication
	published []PublishOptions
	seq       int

	connected    atomic.Bool
	engineClosed atomic.Bool
	closed       atomic.Bool

	hangUnpublish chan struct{} // when set, Unpublish blocks until closed
	hangPublish   chan struct{} // when set, Publish blocks until closed
	unpublishErr  error

	onEngineCheck func() // runs inside EngineClosed before it answers
}

func newFakeRoom(name string) *fakeRoom {
	r := &fakeRoom{name: name, pubs: make(map[string]Publication)}
	r.connected.Store(true)
	return r
}

func (r *fakeRoom) Name() string       { return r.name }
func (r *fakeRoom) Connected() bool    { return r.connected.Load() }

func (r *fakeRoom) EngineClosed() bool {
	if r.onEngineCheck != nil {
		r.onEngineCheck()
	}
	return r.engineClosed.Load()
}

func (r *fakeRoom) Publish(track webrtc.TrackLocal, opts PublishOptions) (Publication, error) {
	if r.hangPublish != nil {
		<-r.hangPublish
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.published = append(r.published, opts)
	p := Publication{SID: fmt.Sprintf("TR_%d", r.seq), Name: opts.Name, Source: opts.Source, Kind: track.Kind()}
	r.pubs[p.SID] = p
	return p, nil
}

func (r *fakeRoom) Unpublish(sid string) error {
	if r.hangUnpublish != nil {
		<-r.hangUnpublish
	}
	if r.unpublishErr != nil {
		return r.unpublishErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pubs[sid]; !ok {
		return errors.New("unknown track")
	}
	delete(r.pubs, sid)
	return nil
}

func (r *fakeRoom) Publications() []Publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Publication, 0, len(r.pubs))
	for _, p := range r.pubs {
		out = append(out, p)
	}
	return out
}

func (r *fakeRoom) Close() {
	r.closed.Store(true)
	r.engineClosed.Store(true)
	r.connected.Store(false)
}

func (r *fakeRoom) lastPublished() PublishOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published[len(r.published)-1]
}

func (r *fakeRoom) count(source Source) int {
	n := 0
	for _, p := range r.Publications() {
		if p.Source == source {
			n++
		}
	}
	return n
}

// fakeTransport hands out rooms according to dial, which receives the
// 1-based call number.
type fakeTransport struct {
	dial func(ctx context.Context, n int) (Room, error)

	mu     sync.Mutex
	calls  int
	opts   []ConnectOptions
	events []TransportEvents
}

func (f *fakeTransport) Connect(ctx context.Context, url, token string, opts ConnectOptions, events TransportEvents) (Room, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.opts = append(f.opts, opts)
	f.events = append(f.events, events)
	f.mu.Unlock()
	return f.dial(ctx, n)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) eventsAt(i int) TransportEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[i]
}

func (f *fakeTransport) optsAt(i int) ConnectOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[i]
}

func alwaysRoom(r *fakeRoom) func(context.Context, int) (Room, error) {
	return func(context.Context, int) (Room, error) { return r, nil }
}

type fakeProber struct {
	calls  atomic.Int32
	report probe.Report
}

func (p *fakeProber) TestConnection(context.Context) probe.Report {
	p.calls.Add(1)
	return p.report
}

type fakeCapture struct {
	video, audio webrtc.TrackLocal
	stopped      atomic.Bool
}

func (c *fakeCapture) VideoTrack() webrtc.TrackLocal { return c.video }
func (c *fakeCapture) AudioTrack() webrtc.TrackLocal { return c.audio }
func (c *fakeCapture) Stop()                         { c.stopped.Store(true) }

type fakeCapturer struct {
	calls   atomic.Int32
	capture func() (ScreenCapture, error)
}

func (f *fakeCapturer) CaptureScreen(context.Context) (ScreenCapture, error) {
	f.calls.Add(1)
	return f.capture()
}

func sampleTrack(t *testing.T, mime, id string) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream-"+id)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	return tr
}

func newTestManager(t *testing.T, tr Transport, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		ServerURL:        "ws://media.test",
		Transport:        tr,
		RetryDelay:       10 * time.Millisecond,
		AttemptTimeout:   time.Second,
		GracePeriod:      5 * time.Millisecond,
		UnpublishTimeout: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
