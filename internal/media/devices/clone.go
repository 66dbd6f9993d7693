package devices

import (
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/media"
)

const mtu = 1200

// packetReader is the part of mediadevices.RTPReadCloser the pump uses.
type packetReader interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

// clone forwards the encoded output of a device track into its own local
// RTP track. Stopping it closes only its reader.
type clone struct {
	id     string
	kind   media.Kind
	local  *webrtc.TrackLocalStaticRTP
	reader packetReader
	parent func() bool
	logger *zap.Logger

	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func codecFor(kind media.Kind) webrtc.RTPCodecCapability {
	if kind == media.KindAudio {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func newClone(kind media.Kind, open func(mime string, ssrc uint32) (packetReader, error), parentLive func() bool, logger *zap.Logger) (*clone, error) {
	id := uuid.NewString()
	codec := codecFor(kind)

	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, "livestream-"+kind.String())
	if err != nil {
		return nil, err
	}
	reader, err := open(codec.MimeType, rand.Uint32())
	if err != nil {
		return nil, err
	}

	c := &clone{
		id:     id,
		kind:   kind,
		local:  local,
		reader: reader,
		parent: parentLive,
		logger: logger.With(zap.String("clone", id), zap.Stringer("kind", kind)),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

func (c *clone) pump() {
	defer close(c.done)
	for {
		packets, release, err := c.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.stopped.Load() {
				c.logger.Debug("clone reader ended", zap.Error(err))
			}
			c.stopped.Store(true)
			return
		}
		ok := c.forward(packets)
		if release != nil {
			release()
		}
		if !ok {
			return
		}
	}
}

func (c *clone) forward(packets []*rtp.Packet) bool {
	for _, p := range packets {
		if c.stopped.Load() {
			return false
		}
		if err := c.local.WriteRTP(p); err != nil {
			if strings.Contains(err.Error(), "closed") {
				return false
			}
			c.logger.Debug("write rtp failed", zap.Error(err))
		}
	}
	return true
}

func (c *clone) ID() string                    { return c.id }
func (c *clone) Kind() media.Kind              { return c.kind }
func (c *clone) TrackLocal() webrtc.TrackLocal { return c.local }

func (c *clone) Live() bool {
	return !c.stopped.Load() && c.parent()
}

func (c *clone) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		if err := c.reader.Close(); err != nil {
			c.logger.Debug("close clone reader", zap.Error(err))
		}
	})
}
