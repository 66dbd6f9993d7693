// Package devices opens cameras, microphones and screens through
// pion/mediadevices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters

	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/media"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

const acquireTimeout = 10 * time.Second

var errNoTrack = errors.New("no track returned")

// Config configures the encoders attached to acquired tracks.
type Config struct {
	VideoBitrate int
	AudioBitrate int
	Logger       *zap.Logger
}

// MediaDevices implements media.Device.
type MediaDevices struct {
	codecs *mediadevices.CodecSelector
	logger *zap.Logger
}

// New builds the VP8 and Opus codec selector shared by every track.
func New(cfg Config) (*MediaDevices, error) {
	codecs, err := newCodecSelector(cfg.VideoBitrate, cfg.AudioBitrate)
	if err != nil {
		return nil, err
	}
	return &MediaDevices{codecs: codecs, logger: logging.Or(cfg.Logger, "devices")}, nil
}

func newCodecSelector(videoBitrate, audioBitrate int) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	if videoBitrate > 0 {
		vpxParams.BitRate = videoBitrate
	}
	vpxParams.RateControlEndUsage = vpx.RateControlCBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	if audioBitrate > 0 {
		opusParams.BitRate = audioBitrate
	}
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Acquire opens one device track under c. GetUserMedia does not take a
// context, so the call is raced against acquireTimeout and a stream that
// arrives late is closed.
func (d *MediaDevices) Acquire(ctx context.Context, kind media.Kind, c media.Constraints) (media.SourceTrack, error) {
	if err := ensurePermission(kind); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if kind == media.KindAudio {
		constraints.Audio = audioConstraints(c)
	} else {
		constraints.Video = videoConstraints(c)
	}

	stream, err := timeout.Run(ctx, acquireTimeout, func(context.Context) (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	}, closeStream)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, c.Tier, err)
	}

	var tracks []mediadevices.Track
	if kind == media.KindAudio {
		tracks = stream.GetAudioTracks()
	} else {
		tracks = stream.GetVideoTracks()
	}
	if len(tracks) == 0 {
		closeStream(stream)
		return nil, fmt.Errorf("%s %s: %w", kind, c.Tier, errNoTrack)
	}
	return newDeviceTrack(kind, tracks[0], d.logger), nil
}

func videoConstraints(c media.Constraints) mediadevices.MediaOption {
	return func(t *mediadevices.MediaTrackConstraints) {
		if c.Resolution.Width > 0 && c.Resolution.Height > 0 {
			t.Width = prop.Int(c.Resolution.Width)
			t.Height = prop.Int(c.Resolution.Height)
		}
		if c.FrameRate > 0 {
			t.FrameRate = prop.Float(c.FrameRate)
		}
	}
}

// audioConstraints maps the format fields. The processing flags have no
// driver-level equivalent and are left to the OS.
func audioConstraints(c media.Constraints) mediadevices.MediaOption {
	return func(t *mediadevices.MediaTrackConstraints) {
		if c.SampleRate > 0 {
			t.SampleRate = prop.Int(c.SampleRate)
		}
		if c.ChannelCount > 0 {
			t.ChannelCount = prop.Int(c.ChannelCount)
		}
		t.Latency = prop.Duration(20 * time.Millisecond)
	}
}

func closeStream(s mediadevices.MediaStream) {
	if s == nil {
		return
	}
	for _, t := range s.GetTracks() {
		_ = t.Close()
	}
}

// deviceTrack is the underlying track held by the broker.
type deviceTrack struct {
	kind   media.Kind
	track  mediadevices.Track
	logger *zap.Logger
	ended  atomic.Bool
}

func newDeviceTrack(kind media.Kind, t mediadevices.Track, logger *zap.Logger) *deviceTrack {
	d := &deviceTrack{kind: kind, track: t, logger: logger}
	t.OnEnded(func(err error) {
		d.ended.Store(true)
		if err != nil {
			logger.Warn("device track ended", zap.String("track", t.ID()), zap.Error(err))
		}
	})
	return d
}

func (d *deviceTrack) ID() string                    { return d.track.ID() }
func (d *deviceTrack) Kind() media.Kind              { return d.kind }
func (d *deviceTrack) Live() bool                    { return !d.ended.Load() }
func (d *deviceTrack) TrackLocal() webrtc.TrackLocal { return d.track }

func (d *deviceTrack) Stop() {
	if d.ended.Swap(true) {
		return
	}
	if err := d.track.Close(); err != nil {
		d.logger.Debug("close device track", zap.Error(err))
	}
}

func (d *deviceTrack) Clone() (media.Track, error) {
	if !d.Live() {
		return nil, errors.New("device track ended")
	}
	return newClone(d.kind, func(mime string, ssrc uint32) (packetReader, error) {
		return d.track.NewRTPReader(mime, ssrc, mtu)
	}, d.Live, d.logger)
}
