package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/aminelahmer1/livestream-core/internal/apperr"
	"github.com/aminelahmer1/livestream-core/internal/config"
	"github.com/aminelahmer1/livestream-core/internal/probe"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

func nextEvent(t *testing.T, ch <-chan ConnectionEvent) ConnectionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state event")
	}
	return ConnectionEvent{}
}

func TestNewManagerRequiresTransportAndURL(t *testing.T) {
	if _, err := NewManager(Options{ServerURL: "ws://x"}); err == nil {
		t.Fatal("expected error without transport")
	}
	if _, err := NewManager(Options{Transport: &fakeTransport{}}); err == nil {
		t.Fatal("expected error without server url")
	}
}

func TestConnectToRoom(t *testing.T) {
	room := newFakeRoom("room-a")
	tr := &fakeTransport{dial: alwaysRoom(room)}
	m := newTestManager(t, tr, nil)

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Producer); err != nil {
		t.Fatalf("ConnectToRoom: %v", err)
	}

	if got := m.State(); got != Connected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := m.RoomName(); got != "room-a" {
		t.Fatalf("room = %q", got)
	}

	want := []struct{ from, to State }{{Disconnected, Connecting}, {Connecting, Connected}}
	for i, w := range want {
		ev := nextEvent(t, events)
		if ev.From != w.from || ev.To != w.to {
			t.Fatalf("event %d = %s->%s, want %s->%s", i, ev.From, ev.To, w.from, w.to)
		}
		if ev.Room != "room-a" {
			t.Fatalf("event %d room = %q", i, ev.Room)
		}
	}

	if h := m.History(0); len(h) != 2 {
		t.Fatalf("history has %d events, want 2", len(h))
	}

	mt := m.Metrics()
	if mt.ReconnectAttempts != 0 {
		t.Fatalf("reconnect attempts = %d", mt.ReconnectAttempts)
	}
	if mt.Quality != QualityExcellent {
		t.Fatalf("quality = %s", mt.Quality)
	}
	if mt.LastConnectedAt.IsZero() || mt.LastLatency <= 0 {
		t.Fatalf("latency metrics not recorded: %+v", mt)
	}
}

func TestConnectToRoomRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		room  string
		token string
	}{
		{name: "empty room", room: "", token: "a.b.c"},
		{name: "empty token", room: "room-a", token: ""},
		{name: "malformed token", room: "room-a", token: "not-a-jwt"},
		{name: "token for another room", room: "room-a", token: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{dial: alwaysRoom(newFakeRoom("room-a"))}
			m := newTestManager(t, tr, nil)

			tok := tt.token
			if tok == "other" {
				tok = roomToken(t, "room-b")
			}

			err := m.ConnectToRoom(context.Background(), tt.room, tok, Viewer)
			if !apperr.Is(err, apperr.Validation) {
				t.Fatalf("err = %v, want validation", err)
			}
			if tr.callCount() != 0 {
				t.Fatalf("transport called %d times", tr.callCount())
			}
			if m.State() != Disconnected {
				t.Fatalf("state = %s", m.State())
			}
			if len(m.History(0)) != 0 {
				t.Fatal("rejected input must not record transitions")
			}
		})
	}
}

func TestConnectToRoomExhaustsRetries(t *testing.T) {
	tr := &fakeTransport{dial: func(context.Context, int) (Room, error) {
		return nil, errors.New("signal connection refused")
	}}
	m := newTestManager(t, tr, nil)

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	m.onRetry = func(_ int, d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
	}

	err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Producer)
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperr.Is(err, apperr.Transient) {
		t.Fatalf("kind = %s, want transient", apperr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "producer connection failed") {
		t.Fatalf("error %q does not name the role", err)
	}
	if !strings.Contains(err.Error(), "signal connection refused") {
		t.Fatalf("error %q lost the cause", err)
	}
	if got := tr.callCount(); got != 3 {
		t.Fatalf("transport called %d times, want 3", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(waits) != 2 || waits[0] != 10*time.Millisecond || waits[1] != 20*time.Millisecond {
		t.Fatalf("waits = %v, want [10ms 20ms]", waits)
	}

	if m.State() != Disconnected || m.RoomName() != "" {
		t.Fatalf("state = %s room = %q after failure", m.State(), m.RoomName())
	}
	mt := m.Metrics()
	if mt.ReconnectAttempts != 1 || mt.Quality != QualityPoor {
		t.Fatalf("metrics = %+v", mt)
	}
}

func TestConnectToRoomRetriesThenSucceeds(t *testing.T) {
	room := newFakeRoom("room-a")
	tr := &fakeTransport{dial: func(_ context.Context, n int) (Room, error) {
		if n < 3 {
			return nil, errors.New("ice failed")
		}
		return room, nil
	}}
	m := newTestManager(t, tr, nil)

	if err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Viewer); err != nil {
		t.Fatalf("ConnectToRoom: %v", err)
	}
	if tr.callCount() != 3 {
		t.Fatalf("transport called %d times", tr.callCount())
	}
	if m.State() != Connected {
		t.Fatalf("state = %s", m.State())
	}
	if m.Metrics().ReconnectAttempts != 0 {
		t.Fatalf("reconnect attempts = %d", m.Metrics().ReconnectAttempts)
	}
}

func TestConnectToRoomAttemptTimeoutClosesLateRoom(t *testing.T) {
	late := newFakeRoom("room-a")
	tr := &fakeTransport{dial: func(context.Context, int) (Room, error) {
		time.Sleep(80 * time.Millisecond)
		return late, nil
	}}
	m := newTestManager(t, tr, func(o *Options) {
		o.MaxAttempts = 1
		o.AttemptTimeout = 20 * time.Millisecond
	})

	err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Producer)
	if !errors.Is(err, timeout.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}
	eventually(t, late.closed.Load, "late room was never closed")
}

func TestConnectToRoomRejectsConcurrentConnect(t *testing.T) {
	release := make(chan struct{})
	room := newFakeRoom("room-a")
	tr := &fakeTransport{dial: func(context.Context, int) (Room, error) {
		<-release
		return room, nil
	}}
	m := newTestManager(t, tr, nil)
	tok := roomToken(t, "room-a")

	first := make(chan error, 1)
	go func() { first <- m.ConnectToRoom(context.Background(), "room-a", tok, Producer) }()
	eventually(t, func() bool { return tr.callCount() == 1 }, "first connect never reached the transport")

	err := m.ConnectToRoom(context.Background(), "room-a", tok, Producer)
	if !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("err = %v, want ErrConnectInProgress", err)
	}
	if !apperr.Is(err, apperr.Validation) {
		t.Fatalf("kind = %s", apperr.KindOf(err))
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if tr.callCount() != 1 {
		t.Fatalf("transport called %d times", tr.callCount())
	}
}

func TestConnectToRoomLivenessCheck(t *testing.T) {
	tests := []struct {
		name  string
		spoil func(*fakeRoom)
	}{
		{name: "dropped during grace", spoil: func(r *fakeRoom) { r.connected.Store(false) }},
		{name: "engine closed", spoil: func(r *fakeRoom) { r.engineClosed.Store(true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := newFakeRoom("room-a")
			tt.spoil(room)
			m := newTestManager(t, &fakeTransport{dial: alwaysRoom(room)}, func(o *Options) { o.MaxAttempts = 1 })

			err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Viewer)
			if !errors.Is(err, errLiveness) {
				t.Fatalf("err = %v, want liveness failure", err)
			}
			if !strings.Contains(err.Error(), "viewer connection failed") {
				t.Fatalf("error %q does not name the role", err)
			}
			if !room.closed.Load() {
				t.Fatal("room not closed after liveness failure")
			}
			if m.State() != Disconnected {
				t.Fatalf("state = %s", m.State())
			}
		})
	}
}

func TestConnectToRoomReplacesExistingConnection(t *testing.T) {
	var rooms []*fakeRoom
	tr := &fakeTransport{dial: func(context.Context, int) (Room, error) {
		r := newFakeRoom("room-a")
		rooms = append(rooms, r)
		return r, nil
	}}
	m := newTestManager(t, tr, nil)
	tok := roomToken(t, "room-a")

	for i := 0; i < 2; i++ {
		if err := m.ConnectToRoom(context.Background(), "room-a", tok, Producer); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if !rooms[0].closed.Load() {
		t.Fatal("first room not closed on reconnect")
	}
	if rooms[1].closed.Load() || m.State() != Connected {
		t.Fatal("second connection not active")
	}
}

func TestDisconnectFromRoomConvergesWhenUnpublishHangs(t *testing.T) {
	room := newFakeRoom("room-a")
	m := newTestManager(t, &fakeTransport{dial: alwaysRoom(room)}, func(o *Options) {
		o.UnpublishTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	if err := m.ConnectToRoom(ctx, "room-a", roomToken(t, "room-a"), Producer); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Publish(ctx, sampleTrack(t, webrtc.MimeTypeVP8, "cam"), SourceCamera); err != nil {
		t.Fatalf("publish: %v", err)
	}

	hang := make(chan struct{})
	room.hangUnpublish = hang
	t.Cleanup(func() { close(hang) })

	start := time.Now()
	if err := m.DisconnectFromRoom(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("disconnect took %s", d)
	}
	if m.State() != Disconnected || m.RoomName() != "" {
		t.Fatalf("state = %s room = %q", m.State(), m.RoomName())
	}
	if !room.closed.Load() {
		t.Fatal("room not closed")
	}

	n := len(m.History(0))
	if err := m.DisconnectFromRoom(ctx); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if len(m.History(0)) != n {
		t.Fatal("second disconnect recorded a transition")
	}
}

func TestTransportEvents(t *testing.T) {
	room := newFakeRoom("room-a")
	tr := &fakeTransport{dial: func(_ context.Context, n int) (Room, error) {
		if n == 1 {
			return nil, errors.New("first try fails")
		}
		return room, nil
	}}
	m := newTestManager(t, tr, nil)

	if err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Viewer); err != nil {
		t.Fatalf("connect: %v", err)
	}
	stale, active := tr.eventsAt(0), tr.eventsAt(1)

	stale.OnDisconnected("stale")
	if m.State() != Connected {
		t.Fatalf("stale event changed state to %s", m.State())
	}

	active.OnReconnecting()
	if m.State() != Reconnecting {
		t.Fatalf("state = %s, want reconnecting", m.State())
	}
	if mt := m.Metrics(); mt.ReconnectAttempts != 1 || mt.Quality != QualityGood {
		t.Fatalf("metrics = %+v", mt)
	}

	active.OnReconnected()
	if m.State() != Connected {
		t.Fatalf("state = %s, want connected", m.State())
	}

	active.OnDisconnected("server closed the connection")
	if m.State() != Disconnected || m.RoomName() != "" {
		t.Fatalf("state = %s room = %q", m.State(), m.RoomName())
	}
	if !room.closed.Load() {
		t.Fatal("room not closed on remote disconnect")
	}
	h := m.History(1)
	if len(h) != 1 || h[0].Reason != "server closed the connection" {
		t.Fatalf("last event = %+v", h)
	}

	active.OnReconnecting()
	if m.State() != Disconnected {
		t.Fatal("event after disconnect was honored")
	}
}

func TestConnectToRoomKeepsEventsFromConnectingRoom(t *testing.T) {
	t.Run("disconnect before commit fails the connect", func(t *testing.T) {
		room := newFakeRoom("room-a")
		tr := &fakeTransport{dial: alwaysRoom(room)}
		var once sync.Once
		room.onEngineCheck = func() {
			once.Do(func() { tr.eventsAt(0).OnDisconnected("peer connection failed") })
		}
		m := newTestManager(t, tr, func(o *Options) { o.MaxAttempts = 1 })

		err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Producer)
		if !errors.Is(err, errLiveness) {
			t.Fatalf("err = %v, want liveness failure", err)
		}
		if !strings.Contains(err.Error(), "peer connection failed") {
			t.Fatalf("error %q does not carry the disconnect reason", err)
		}
		if !apperr.Is(err, apperr.Transient) {
			t.Fatalf("kind = %s, want transient", apperr.KindOf(err))
		}
		if m.State() != Disconnected {
			t.Fatalf("state = %s, want disconnected", m.State())
		}
		if !room.closed.Load() {
			t.Fatal("room not closed")
		}
		for _, ev := range m.History(10) {
			if ev.To == Connected {
				t.Fatalf("connected published over a lost room: %+v", m.History(10))
			}
		}
	})

	t.Run("reconnecting before commit is replayed", func(t *testing.T) {
		room := newFakeRoom("room-a")
		tr := &fakeTransport{dial: alwaysRoom(room)}
		var once sync.Once
		room.onEngineCheck = func() {
			once.Do(func() { tr.eventsAt(0).OnReconnecting() })
		}
		m := newTestManager(t, tr, nil)

		if err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Viewer); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if m.State() != Reconnecting {
			t.Fatalf("state = %s, want reconnecting", m.State())
		}
		if mt := m.Metrics(); mt.ReconnectAttempts != 1 {
			t.Fatalf("metrics = %+v", mt)
		}

		tr.eventsAt(0).OnReconnected()
		if m.State() != Connected {
			t.Fatalf("state = %s, want connected", m.State())
		}
	})
}

func TestConnectOptionsByRole(t *testing.T) {
	ice := config.ICEConfig{
		STUNServers: []string{"stun:stun.example.org:3478"},
		TURN:        config.TURNConfig{URL: "turn:turn.example.org:3478", Username: "u", Credential: "p"},
	}
	tests := []struct {
		role         Role
		wantPublish  bool
		wantAdaptive bool
	}{
		{role: Producer, wantPublish: true, wantAdaptive: false},
		{role: Viewer, wantPublish: false, wantAdaptive: true},
	}

	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			tr := &fakeTransport{dial: alwaysRoom(newFakeRoom("room-a"))}
			m := newTestManager(t, tr, func(o *Options) { o.ICE = ice })

			if err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), tt.role); err != nil {
				t.Fatalf("connect: %v", err)
			}
			got := tr.optsAt(0)
			if got.Role != tt.role || !got.AutoSubscribe {
				t.Fatalf("opts = %+v", got)
			}
			if (got.Publish != nil) != tt.wantPublish {
				t.Fatalf("publish defaults present = %v", got.Publish != nil)
			}
			if got.Publish != nil && got.Publish.Simulcast {
				t.Fatal("producer simulcast must be off")
			}
			if got.AdaptiveStream != tt.wantAdaptive {
				t.Fatalf("adaptive stream = %v", got.AdaptiveStream)
			}
			if len(got.ICEServers) != 2 || got.ICEServers[1].Username != "u" {
				t.Fatalf("ice servers = %+v", got.ICEServers)
			}
			if got.BundlePolicy != webrtc.BundlePolicyMaxCompat {
				t.Fatalf("bundle policy = %s", got.BundlePolicy)
			}
		})
	}
}

func TestConnectToRoomIgnoresFailedPreCheck(t *testing.T) {
	p := &fakeProber{report: probe.Report{OK: false, Failed: []string{probe.CheckNameWebRTC}}}
	tr := &fakeTransport{dial: alwaysRoom(newFakeRoom("room-a"))}
	m := newTestManager(t, tr, func(o *Options) { o.Prober = p })

	if err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Producer); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("prober called %d times", p.calls.Load())
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		m := newTestManager(t, &fakeTransport{dial: alwaysRoom(newFakeRoom("room-a"))}, nil)
		_, err := m.Publish(ctx, sampleTrack(t, webrtc.MimeTypeVP8, "cam"), SourceCamera)
		if !errors.Is(err, ErrNotConnected) || !apperr.Is(err, apperr.Validation) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("producer video is capped", func(t *testing.T) {
		room := newFakeRoom("room-a")
		m := newTestManager(t, &fakeTransport{dial: alwaysRoom(room)}, nil)
		if err := m.ConnectToRoom(ctx, "room-a", roomToken(t, "room-a"), Producer); err != nil {
			t.Fatalf("connect: %v", err)
		}

		pub, err := m.Publish(ctx, sampleTrack(t, webrtc.MimeTypeVP8, "cam"), SourceCamera)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if pub.Source != SourceCamera || pub.Kind != webrtc.RTPCodecTypeVideo {
			t.Fatalf("publication = %+v", pub)
		}
		if o := room.lastPublished(); o.VideoWidth != 1280 || o.VideoHeight != 720 || o.Simulcast {
			t.Fatalf("publish options = %+v", o)
		}

		if _, err := m.Publish(ctx, sampleTrack(t, webrtc.MimeTypeOpus, "mic"), SourceMicrophone); err != nil {
			t.Fatalf("publish audio: %v", err)
		}
		if o := room.lastPublished(); o.VideoWidth != 0 {
			t.Fatalf("audio got video dimensions: %+v", o)
		}
		if len(m.Publications()) != 2 {
			t.Fatalf("publications = %d", len(m.Publications()))
		}

		if err := m.Unpublish(ctx, pub.SID); err != nil {
			t.Fatalf("unpublish: %v", err)
		}
		if len(m.Publications()) != 1 {
			t.Fatalf("publications after unpublish = %d", len(m.Publications()))
		}
	})
}

func TestCleanupResetsMetricsAndHistory(t *testing.T) {
	room := newFakeRoom("room-a")
	m := newTestManager(t, &fakeTransport{dial: alwaysRoom(room)}, nil)
	if err := m.ConnectToRoom(context.Background(), "room-a", roomToken(t, "room-a"), Producer); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m.Cleanup(context.Background())

	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}
	if !room.closed.Load() {
		t.Fatal("room not closed")
	}
	if mt := m.Metrics(); mt != (ConnectionMetrics{Quality: QualityUnknown}) {
		t.Fatalf("metrics = %+v", mt)
	}
	if len(m.History(0)) != 0 {
		t.Fatal("history not cleared")
	}
}
