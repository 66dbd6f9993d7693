package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

// CheckWebRTC creates a throwaway peer connection with a data channel and
// a local offer. It succeeds once ICE reports connected/completed or a
// server-reflexive candidate is gathered: a lone offerer has no remote
// peer, so a reflexive candidate is the proof that STUN traversal works.
func (p *Prober) CheckWebRTC(ctx context.Context) bool {
	se := webrtc.SettingEngine{LoggerFactory: logging.PionFactory(p.logger)}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ICEServers(p.cfg.ICE)})
	if err != nil {
		p.logger.Warn("webrtc probe: peer connection failed", zap.Error(err))
		return false
	}
	defer func() {
		if err := pc.Close(); err != nil {
			p.logger.Debug("webrtc probe: close failed", zap.Error(err))
		}
	}()

	reached := make(chan string, 1)
	signal := func(how string) {
		select {
		case reached <- how:
		default:
		}
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil && c.Typ == webrtc.ICECandidateTypeSrflx {
			signal("srflx:" + c.Address)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted {
			signal(s.String())
		}
	})

	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		p.logger.Warn("webrtc probe: data channel failed", zap.Error(err))
		return false
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.logger.Warn("webrtc probe: offer failed", zap.Error(err))
		return false
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		p.logger.Warn("webrtc probe: local description failed", zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	select {
	case how := <-reached:
		p.logger.Debug("webrtc probe succeeded", zap.String("via", how))
		return true
	case <-ctx.Done():
		p.logger.Warn("webrtc probe timed out", zap.Duration("timeout", p.cfg.Timeout))
		return false
	}
}

// CheckSTUN sends a binding request to the first configured STUN server and
// returns the mapped address.
func (p *Prober) CheckSTUN(ctx context.Context) (bool, string) {
	if len(p.cfg.ICE.STUNServers) == 0 {
		return false, ""
	}
	raw := p.cfg.ICE.STUNServers[0]
	u, err := stun.ParseURI(raw)
	if err != nil {
		p.logger.Warn("stun probe: bad url", zap.String("url", raw), zap.Error(err))
		return false, ""
	}
	addr := net.JoinHostPort(u.Host, strconv.Itoa(u.Port))

	mapped, err := timeout.Run(ctx, p.cfg.Timeout, func(context.Context) (string, error) {
		c, err := stun.Dial("udp4", addr)
		if err != nil {
			return "", fmt.Errorf("dial %s: %w", addr, err)
		}
		defer c.Close()

		var (
			xorAddr stun.XORMappedAddress
			resErr  error
		)
		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		if err := c.Do(message, func(res stun.Event) {
			if res.Error != nil {
				resErr = res.Error
				return
			}
			resErr = xorAddr.GetFrom(res.Message)
		}); err != nil {
			return "", err
		}
		if resErr != nil {
			return "", resErr
		}
		return xorAddr.String(), nil
	}, nil)
	if err != nil {
		p.logger.Warn("stun probe failed", zap.String("server", addr), zap.Error(err))
		return false, ""
	}
	p.logger.Debug("stun probe succeeded", zap.String("server", addr), zap.String("mapped", mapped))
	return true, mapped
}

// CheckTURN allocates and immediately releases a relay with the configured
// credential.
func (p *Prober) CheckTURN(ctx context.Context) bool {
	cfg := p.cfg.ICE.TURN
	if !cfg.Enabled() {
		return false
	}
	u, err := stun.ParseURI(cfg.URL)
	if err != nil {
		p.logger.Warn("turn probe: bad url", zap.String("url", cfg.URL), zap.Error(err))
		return false
	}

	relay, err := timeout.Run(ctx, p.cfg.Timeout, func(ctx context.Context) (string, error) {
		return p.allocate(ctx, u, cfg.Username, cfg.Credential)
	}, nil)
	if err != nil {
		p.logger.Warn("turn probe failed", zap.String("url", cfg.URL), zap.Error(err))
		return false
	}
	p.logger.Debug("turn probe succeeded", zap.String("relay", relay))
	return true
}

func (p *Prober) allocate(ctx context.Context, u *stun.URI, username, password string) (string, error) {
	addr := net.JoinHostPort(u.Host, strconv.Itoa(u.Port))

	conn, err := turnConn(ctx, u, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr,
		TURNServerAddr: addr,
		Conn:           conn,
		Username:       username,
		Password:       password,
		LoggerFactory:  logging.PionFactory(p.logger),
	})
	if err != nil {
		return "", fmt.Errorf("turn client: %w", err)
	}
	defer client.Close()

	if err := client.Listen(); err != nil {
		return "", fmt.Errorf("turn listen: %w", err)
	}
	relayConn, err := client.Allocate()
	if err != nil {
		return "", fmt.Errorf("turn allocate: %w", err)
	}
	defer relayConn.Close()

	return relayConn.LocalAddr().String(), nil
}

// turnConn opens the transport named by the URL: UDP by default, TCP or
// TLS framed as STUN for ?transport=tcp and turns:.
func turnConn(ctx context.Context, u *stun.URI, addr string) (net.PacketConn, error) {
	var d net.Dialer
	switch {
	case u.Scheme == stun.SchemeTypeTURNS:
		raw, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		tc := tls.Client(raw, &tls.Config{ServerName: u.Host, MinVersion: tls.VersionTLS12})
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
		}
		return turn.NewSTUNConn(tc), nil
	case u.Proto == stun.ProtoTypeTCP:
		raw, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return turn.NewSTUNConn(raw), nil
	case u.Proto == stun.ProtoTypeUDP || u.Proto == stun.ProtoTypeUnknown:
		return net.ListenPacket("udp4", "0.0.0.0:0")
	default:
		return nil, errors.New("unsupported turn transport")
	}
}
