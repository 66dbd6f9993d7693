// Package media arbitrates camera and microphone access for the process.
// One device track per kind is held; consumers always receive clones.
package media

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a device track.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Track is a stoppable handle that can be published.
type Track interface {
	ID() string
	Kind() Kind
	Live() bool
	Stop()
	TrackLocal() webrtc.TrackLocal
}

// SourceTrack is the underlying device track. It is never handed to
// consumers; Clone produces an independently stoppable Track over it.
type SourceTrack interface {
	Track
	Clone() (Track, error)
}

// Device acquires device tracks under the given constraints.
type Device interface {
	Acquire(ctx context.Context, kind Kind, c Constraints) (SourceTrack, error)
}

// Stream groups the clones handed to one consumer.
type Stream struct {
	id     string
	tracks []Track
}

func newStream(tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns the stream's clones.
func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// Live reports whether any clone is still running.
func (s *Stream) Live() bool {
	for _, t := range s.tracks {
		if t.Live() {
			return true
		}
	}
	return false
}

// Stop stops every clone in the stream. The device keeps running.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
