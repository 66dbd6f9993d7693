package devices

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/media"
)

// fakeReader hands out one packet per Read until closed.
type fakeReader struct {
	mu     sync.Mutex
	closed bool
	reads  atomic.Int32
	closes atomic.Int32
}

func (r *fakeReader) Read() ([]*rtp.Packet, func(), error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, nil, io.EOF
	}
	r.reads.Add(1)
	time.Sleep(time.Millisecond)
	return []*rtp.Packet{{Header: rtp.Header{Version: 2, SequenceNumber: uint16(r.reads.Load())}}}, func() {}, nil
}

func (r *fakeReader) Close() error {
	r.closes.Add(1)
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestCloneForwardsUntilStopped(t *testing.T) {
	reader := &fakeReader{}
	var parentLive atomic.Bool
	parentLive.Store(true)

	var gotMime string
	c, err := newClone(media.KindVideo, func(mime string, _ uint32) (packetReader, error) {
		gotMime = mime
		return reader, nil
	}, parentLive.Load, zap.NewNop())
	if err != nil {
		t.Fatalf("newClone: %v", err)
	}

	if gotMime != webrtc.MimeTypeVP8 {
		t.Fatalf("reader opened for %q", gotMime)
	}
	if c.TrackLocal().Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("local kind = %s", c.TrackLocal().Kind())
	}
	if c.TrackLocal().ID() != c.ID() {
		t.Fatal("local track id differs from clone id")
	}
	if !c.Live() {
		t.Fatal("new clone not live")
	}

	deadline := time.Now().Add(time.Second)
	for reader.reads.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if reader.reads.Load() < 3 {
		t.Fatal("pump not reading")
	}

	c.Stop()
	c.Stop()
	if c.Live() {
		t.Fatal("stopped clone still live")
	}
	if reader.closes.Load() != 1 {
		t.Fatalf("reader closed %d times", reader.closes.Load())
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("pump did not exit")
	}
}

func TestCloneFollowsParent(t *testing.T) {
	var parentLive atomic.Bool
	parentLive.Store(true)

	c, err := newClone(media.KindAudio, func(string, uint32) (packetReader, error) {
		return &fakeReader{}, nil
	}, parentLive.Load, zap.NewNop())
	if err != nil {
		t.Fatalf("newClone: %v", err)
	}
	defer c.Stop()

	if c.TrackLocal().Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("kind = %s", c.TrackLocal().Kind())
	}
	parentLive.Store(false)
	if c.Live() {
		t.Fatal("clone live after its device ended")
	}
}

func TestCloneOpenFailure(t *testing.T) {
	_, err := newClone(media.KindVideo, func(string, uint32) (packetReader, error) {
		return nil, errors.New("no encoder")
	}, func() bool { return true }, zap.NewNop())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestVideoConstraints(t *testing.T) {
	var c mediadevices.MediaTrackConstraints
	videoConstraints(media.VideoLadder[1])(&c)
	if c.Width != prop.Int(640) || c.Height != prop.Int(480) || c.FrameRate != prop.Float(24) {
		t.Fatalf("constraints = %+v", c.MediaConstraints)
	}

	var open mediadevices.MediaTrackConstraints
	videoConstraints(media.VideoLadder[2])(&open)
	if open.Width != nil || open.Height != nil || open.FrameRate != nil {
		t.Fatal("minimal tier must be unconstrained")
	}
}

func TestAudioConstraints(t *testing.T) {
	var c mediadevices.MediaTrackConstraints
	audioConstraints(media.AudioLadder[0])(&c)
	if c.SampleRate != prop.Int(48000) || c.ChannelCount != prop.Int(1) {
		t.Fatalf("constraints = %+v", c.MediaConstraints)
	}

	var bare mediadevices.MediaTrackConstraints
	audioConstraints(media.AudioLadder[2])(&bare)
	if bare.SampleRate != nil || bare.ChannelCount != nil {
		t.Fatal("bare tier must not constrain the format")
	}
}
