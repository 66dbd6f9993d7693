package rtc

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aminelahmer1/livestream-core/internal/apperr"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

// ScreenCapture is a live screen-capture stream. AudioTrack is nil when
// the capture carries no audio; a nil VideoTrack means the picker was
// dismissed.
type ScreenCapture interface {
	VideoTrack() webrtc.TrackLocal
	AudioTrack() webrtc.TrackLocal
	Stop()
}

// ScreenCapturer opens the OS screen picker. Screen audio must be captured
// without echo cancellation, noise suppression or gain control.
type ScreenCapturer interface {
	CaptureScreen(ctx context.Context) (ScreenCapture, error)
}

// StartScreenShare publishes the screen as a screen-share source and its
// audio, if any, as a separate screen-share-audio source. An existing
// screen publication is returned as is; if its audio publication went
// missing while the capture still has audio, the audio is republished.
// Losing the room while the picker is open stops the capture and fails
// with ErrNotConnected.
func (m *Manager) StartScreenShare(ctx context.Context) (Publication, error) {
	const op = "rtc.start_screen_share"

	m.screenMu.Lock()
	defer m.screenMu.Unlock()

	room, _, err := m.connectedRoom()
	if err != nil {
		return Publication{}, apperr.Wrap(op, apperr.Validation, "cannot share screen", err)
	}

	if video, audio, ok := screenPublications(room.Publications()); ok {
		m.mu.Lock()
		capture := m.screen
		m.mu.Unlock()

		if audio == nil && capture != nil && capture.AudioTrack() != nil {
			if _, err := m.publishBounded(ctx, room, capture.AudioTrack(), screenAudioOptions()); err != nil {
				m.logger.Warn("failed to republish screen audio", zap.Error(err))
			} else {
				m.logger.Info("republished missing screen audio")
			}
		}
		return video, nil
	}

	if m.opts.Capturer == nil {
		return Publication{}, apperr.New(op, apperr.DeviceUnavailable, "screen capture is not available")
	}

	capture, err := m.opts.Capturer.CaptureScreen(ctx)
	if err != nil {
		if apperr.Is(err, apperr.UserCancelled) {
			return Publication{}, err
		}
		return Publication{}, apperr.Wrap(op, apperr.DeviceUnavailable, "screen capture failed", err)
	}
	if capture == nil || capture.VideoTrack() == nil {
		if capture != nil {
			capture.Stop()
		}
		return Publication{}, apperr.New(op, apperr.UserCancelled, "screen share cancelled")
	}

	if !m.holdsRoom(room) {
		capture.Stop()
		return Publication{}, apperr.Wrap(op, apperr.Validation, "connection lost while choosing a screen", ErrNotConnected)
	}

	video, err := m.publishBounded(ctx, room, capture.VideoTrack(), PublishOptions{
		Name:      "screen",
		Source:    SourceScreenShare,
		Simulcast: false,
	})
	if err != nil {
		capture.Stop()
		return Publication{}, apperr.Wrap(op, apperr.Transient, "failed to publish screen", err)
	}
	published := []Publication{video}

	if at := capture.AudioTrack(); at != nil {
		if audio, err := m.publishBounded(ctx, room, at, screenAudioOptions()); err != nil {
			m.logger.Warn("screen audio not published", zap.Error(err))
		} else {
			published = append(published, audio)
		}
	}

	m.mu.Lock()
	if m.state != Connected || m.room != room {
		m.mu.Unlock()
		capture.Stop()
		m.withdraw(ctx, room, published)
		return Publication{}, apperr.Wrap(op, apperr.Validation, "connection lost while publishing screen", ErrNotConnected)
	}
	prev := m.screen
	m.screen = capture
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	m.logger.Info("screen share started", zap.String("sid", video.SID))
	return video, nil
}

// holdsRoom reports whether room is still the connected room.
func (m *Manager) holdsRoom(room Room) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected && m.room == room
}

// withdraw unpublishes pubs from a room that is no longer current.
func (m *Manager) withdraw(ctx context.Context, room Room, pubs []Publication) {
	err := timeout.Do(ctx, m.opts.UnpublishTimeout, func(context.Context) error {
		for _, p := range pubs {
			if err := room.Unpublish(p.SID); err != nil {
				m.logger.Debug("withdraw publication", zap.String("sid", p.SID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("withdraw abandoned", zap.Int("tracks", len(pubs)), zap.Error(err))
	}
}

// StopScreenShare unpublishes every screen-share publication concurrently.
// It is a no-op when nothing is shared.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	const op = "rtc.stop_screen_share"

	m.screenMu.Lock()
	defer m.screenMu.Unlock()

	m.mu.Lock()
	room, capture := m.room, m.screen
	m.screen = nil
	m.mu.Unlock()

	if capture != nil {
		defer capture.Stop()
	}
	if room == nil {
		return nil
	}

	var targets []Publication
	for _, p := range room.Publications() {
		if p.Source.isScreen() {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		errs = make([]error, len(targets))
	)
	for i, p := range targets {
		g.Go(func() error {
			if err := room.Unpublish(p.SID); err != nil {
				m.logger.Warn("screen unpublish failed", zap.String("sid", p.SID), zap.Error(err))
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return apperr.Wrap(op, apperr.Transient, "failed to stop screen share", err)
	}
	m.logger.Info("screen share stopped", zap.Int("tracks", len(targets)))
	return nil
}

func screenAudioOptions() PublishOptions {
	return PublishOptions{Name: "screen-audio", Source: SourceScreenShareAudio}
}

// screenPublications finds the screen video and audio publications.
func screenPublications(pubs []Publication) (video Publication, audio *Publication, ok bool) {
	for i := range pubs {
		switch pubs[i].Source {
		case SourceScreenShare:
			video, ok = pubs[i], true
		case SourceScreenShareAudio:
			a := pubs[i]
			audio = &a
		}
	}
	return video, audio, ok
}
