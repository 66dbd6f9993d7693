package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/screen" // registers screen adapters

	"github.com/aminelahmer1/livestream-core/internal/apperr"
	"github.com/aminelahmer1/livestream-core/internal/media"
	"github.com/aminelahmer1/livestream-core/internal/rtc"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

// ScreenCapturer captures the display. The screen driver yields video only,
// so captures never carry audio.
type ScreenCapturer struct {
	devices *MediaDevices
}

func NewScreenCapturer(d *MediaDevices) *ScreenCapturer {
	return &ScreenCapturer{devices: d}
}

// CaptureScreen implements rtc.ScreenCapturer.
func (s *ScreenCapturer) CaptureScreen(ctx context.Context) (rtc.ScreenCapture, error) {
	const op = "devices.capture_screen"

	stream, err := timeout.Run(ctx, acquireTimeout, func(context.Context) (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: videoConstraints(media.Constraints{FrameRate: 15}),
			Codec: s.devices.codecs,
		})
	}, closeStream)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		closeStream(stream)
		return nil, apperr.New(op, apperr.UserCancelled, "screen share cancelled")
	}

	s.devices.logger.Info("screen capture started", zap.String("track", tracks[0].ID()))
	return &screenCapture{stream: stream, video: tracks[0]}, nil
}

type screenCapture struct {
	stream mediadevices.MediaStream
	video  mediadevices.Track
	once   sync.Once
}

func (c *screenCapture) VideoTrack() webrtc.TrackLocal { return c.video }

func (c *screenCapture) AudioTrack() webrtc.TrackLocal { return nil }

func (c *screenCapture) Stop() {
	c.once.Do(func() { closeStream(c.stream) })
}
