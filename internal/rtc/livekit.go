package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/logging"
)

// LiveKitTransport joins rooms on a LiveKit server. Only AutoSubscribe is
// passed to the SDK. The rest of ConnectOptions is logged and enforced
// elsewhere:
//
//   - ICEServers: the server hands out ICE servers in its join response;
//     the configured list is exercised by the connectivity probe.
//   - PeerConnectionTimeout, SignalingTimeout: the join as a whole is bounded
//     by the manager's AttemptTimeout; SignalingTimeout also bounds
//     Manager.Publish.
//   - BundlePolicy, AdaptiveStream: negotiated by the server and the SDK's
//     own defaults.
type LiveKitTransport struct {
	logger *zap.Logger
}

func NewLiveKitTransport(logger *zap.Logger) *LiveKitTransport {
	return &LiveKitTransport{logger: logging.Or(logger, "livekit")}
}

func (t *LiveKitTransport) Connect(ctx context.Context, url, token string, opts ConnectOptions, events TransportEvents) (Room, error) {
	lr := &livekitRoom{
		pubs:   make(map[string]Publication),
		logger: t.logger,
	}

	cb := &lksdk.RoomCallback{
		OnReconnecting: func() {
			if events.OnReconnecting != nil {
				events.OnReconnecting()
			}
		},
		OnReconnected: func() {
			if events.OnReconnected != nil {
				events.OnReconnected()
			}
		},
		OnDisconnected: func() {
			lr.engineClosed.Store(true)
			if events.OnDisconnected != nil {
				events.OnDisconnected("server closed the connection")
			}
		},
	}

	room := lksdk.NewRoom(cb)
	lr.room = room

	t.logger.Debug("joining room",
		zap.String("url", url),
		zap.Stringer("role", opts.Role),
		zap.Bool("auto_subscribe", opts.AutoSubscribe),
		zap.Bool("adaptive_stream", opts.AdaptiveStream),
		zap.Int("ice_servers", len(opts.ICEServers)),
		zap.Duration("peer_connection_timeout", opts.PeerConnectionTimeout),
		zap.Duration("signaling_timeout", opts.SignalingTimeout),
		zap.Stringer("bundle_policy", opts.BundlePolicy))

	if err := room.JoinWithToken(url, token, lksdk.WithAutoSubscribe(opts.AutoSubscribe)); err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	if err := ctx.Err(); err != nil {
		room.Disconnect()
		return nil, err
	}
	lr.name = room.Name()
	return lr, nil
}

type livekitRoom struct {
	room   *lksdk.Room
	name   string
	logger *zap.Logger

	mu   sync.Mutex
	pubs map[string]Publication

	engineClosed atomic.Bool
	closeOnce    sync.Once
}

func (r *livekitRoom) Name() string { return r.name }

func (r *livekitRoom) Connected() bool {
	return r.room.ConnectionState() == lksdk.ConnectionStateConnected
}

func (r *livekitRoom) EngineClosed() bool { return r.engineClosed.Load() }

func (r *livekitRoom) Publish(track webrtc.TrackLocal, opts PublishOptions) (Publication, error) {
	pub, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:        opts.Name,
		Source:      trackSource(opts.Source),
		VideoWidth:  opts.VideoWidth,
		VideoHeight: opts.VideoHeight,
	})
	if err != nil {
		return Publication{}, fmt.Errorf("publish %s: %w", opts.Source, err)
	}

	p := Publication{SID: pub.SID(), Name: opts.Name, Source: opts.Source, Kind: track.Kind()}
	r.mu.Lock()
	r.pubs[p.SID] = p
	r.mu.Unlock()
	return p, nil
}

func (r *livekitRoom) Unpublish(sid string) error {
	if err := r.room.LocalParticipant.UnpublishTrack(sid); err != nil {
		return fmt.Errorf("unpublish %s: %w", sid, err)
	}
	r.mu.Lock()
	delete(r.pubs, sid)
	r.mu.Unlock()
	return nil
}

func (r *livekitRoom) Publications() []Publication {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Publication, 0, len(r.pubs))
	for _, p := range r.pubs {
		out = append(out, p)
	}
	return out
}

func (r *livekitRoom) Close() {
	r.closeOnce.Do(func() {
		r.engineClosed.Store(true)
		r.room.Disconnect()
	})
}

func trackSource(s Source) livekit.TrackSource {
	switch s {
	case SourceCamera:
		return livekit.TrackSource_CAMERA
	case SourceMicrophone:
		return livekit.TrackSource_MICROPHONE
	case SourceScreenShare:
		return livekit.TrackSource_SCREEN_SHARE
	case SourceScreenShareAudio:
		return livekit.TrackSource_SCREEN_SHARE_AUDIO
	default:
		return livekit.TrackSource_UNKNOWN
	}
}
