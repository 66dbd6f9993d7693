package rtc

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role selects the publish and subscribe policy of a connection.
type Role int

const (
	Viewer Role = iota
	Producer
)

func (r Role) String() string {
	if r == Producer {
		return "producer"
	}
	return "viewer"
}

// Source tags a published track.
type Source int

const (
	SourceUnknown Source = iota
	SourceCamera
	SourceMicrophone
	SourceScreenShare
	SourceScreenShareAudio
)

func (s Source) String() string {
	switch s {
	case SourceCamera:
		return "camera"
	case SourceMicrophone:
		return "microphone"
	case SourceScreenShare:
		return "screen_share"
	case SourceScreenShareAudio:
		return "screen_share_audio"
	default:
		return "unknown"
	}
}

func (s Source) isScreen() bool {
	return s == SourceScreenShare || s == SourceScreenShareAudio
}

// PublishDefaults is the producer publish policy: predictable upload
// bandwidth over adaptivity.
type PublishDefaults struct {
	Simulcast    bool
	VideoBitrate int
	AudioBitrate int
	FrameRate    float64
	MaxWidth     int
	MaxHeight    int
}

// DefaultPublishDefaults caps producers at 720p30 and 1.5 Mbps.
func DefaultPublishDefaults() PublishDefaults {
	return PublishDefaults{
		Simulcast:    false,
		VideoBitrate: 1_500_000,
		AudioBitrate: 64_000,
		FrameRate:    30,
		MaxWidth:     1280,
		MaxHeight:    720,
	}
}

// ConnectOptions is everything a Transport needs to join a room.
type ConnectOptions struct {
	Role                  Role
	AdaptiveStream        bool
	AutoSubscribe         bool
	Publish               *PublishDefaults // nil for viewers
	ICEServers            []webrtc.ICEServer
	PeerConnectionTimeout time.Duration
	SignalingTimeout      time.Duration
	BundlePolicy          webrtc.BundlePolicy
}

// TransportEvents are registered with the transport before it connects.
type TransportEvents struct {
	OnReconnecting func()
	OnReconnected  func()
	OnDisconnected func(reason string)
}

// PublishOptions describes one track publication.
type PublishOptions struct {
	Name        string
	Source      Source
	Simulcast   bool
	VideoWidth  int
	VideoHeight int
}

// Publication is a local track associated with a room.
type Publication struct {
	SID    string
	Name   string
	Source Source
	Kind   webrtc.RTPCodecType
}

// Transport joins rooms on a media server.
type Transport interface {
	Connect(ctx context.Context, url, token string, opts ConnectOptions, events TransportEvents) (Room, error)
}

// Room is one joined media-server room.
type Room interface {
	Name() string
	// Connected reports whether the transport currently considers itself connected.
	Connected() bool
	// EngineClosed reports whether the underlying engine has shut down.
	EngineClosed() bool
	Publish(track webrtc.TrackLocal, opts PublishOptions) (Publication, error)
	Unpublish(sid string) error
	Publications() []Publication
	Close()
}
