// Package probe runs best-effort reachability checks against the backend,
// the media server's signaling endpoint and a generic WebRTC path. No check
// returns an error; failures degrade to false and are logged.
package probe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aminelahmer1/livestream-core/internal/auth"
	"github.com/aminelahmer1/livestream-core/internal/config"
	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

const DefaultTimeout = 5 * time.Second

// Check names reported in Report.Failed.
const (
	CheckNameBackend   = "backend"
	CheckNameSignaling = "signaling"
	CheckNameWebRTC    = "webrtc"
)

// Config describes the endpoints to probe.
type Config struct {
	BackendURL   string
	SignalingURL string
	ICE          config.ICEConfig
	Timeout      time.Duration
	Tokens       auth.TokenProvider
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Report aggregates one TestConnection run. OK requires the backend,
// signaling and WebRTC checks; Diagnostics never affect it.
type Report struct {
	OK          bool
	Backend     bool
	Signaling   bool
	WebRTC      bool
	Latency     time.Duration
	Failed      []string
	Diagnostics Diagnostics
}

// Diagnostics carries the NAT traversal checks.
type Diagnostics struct {
	STUN          bool
	MappedAddress string
	TURN          bool
	TURNEnabled   bool
}

// Prober is safe for concurrent use.
type Prober struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger

	// overridable in tests
	webrtcCheck func(context.Context) bool
}

// New builds a Prober. Zero Timeout means DefaultTimeout.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	p := &Prober{
		cfg:    cfg,
		client: client,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger: logging.Or(cfg.Logger, "probe"),
	}
	p.webrtcCheck = p.CheckWebRTC
	return p
}

// TestConnection runs every check concurrently and reports which failed.
func (p *Prober) TestConnection(ctx context.Context) Report {
	start := time.Now()

	var (
		r Report
		g errgroup.Group
	)
	g.Go(func() error { r.Backend = p.CheckBackend(ctx); return nil })
	g.Go(func() error { r.Signaling = p.CheckSignaling(ctx); return nil })
	g.Go(func() error { r.WebRTC = p.webrtcCheck(ctx); return nil })
	g.Go(func() error {
		r.Diagnostics.STUN, r.Diagnostics.MappedAddress = p.CheckSTUN(ctx)
		return nil
	})
	g.Go(func() error {
		r.Diagnostics.TURNEnabled = p.cfg.ICE.TURN.Enabled()
		if r.Diagnostics.TURNEnabled {
			r.Diagnostics.TURN = p.CheckTURN(ctx)
		}
		return nil
	})
	_ = g.Wait()

	r.Latency = time.Since(start)
	if !r.Backend {
		r.Failed = append(r.Failed, CheckNameBackend)
	}
	if !r.Signaling {
		r.Failed = append(r.Failed, CheckNameSignaling)
	}
	if !r.WebRTC {
		r.Failed = append(r.Failed, CheckNameWebRTC)
	}
	r.OK = len(r.Failed) == 0

	p.logger.Debug("connectivity probe finished",
		zap.Bool("ok", r.OK),
		zap.Strings("failed", r.Failed),
		zap.Duration("latency", r.Latency),
		zap.Bool("stun", r.Diagnostics.STUN),
		zap.Bool("turn", r.Diagnostics.TURN))
	return r
}

// CheckBackend reports whether the health endpoint answered with 2xx or 404.
func (p *Prober) CheckBackend(ctx context.Context) bool {
	if p.cfg.BackendURL == "" {
		return false
	}
	url := strings.TrimRight(p.cfg.BackendURL, "/") + "/livestream/health"

	status, err := timeout.Run(ctx, p.cfg.Timeout, func(ctx context.Context) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		if p.cfg.Tokens != nil {
			if tok, err := p.cfg.Tokens.Token(ctx); err == nil {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}, nil)
	if err != nil {
		p.logger.Warn("backend unreachable", zap.String("url", url), zap.Error(err))
		return false
	}

	ok := (status >= 200 && status < 300) || status == http.StatusNotFound
	if !ok {
		p.logger.Warn("backend health check failed", zap.Int("status", status))
	}
	return ok
}

// CheckSignaling opens and immediately closes a WebSocket to the signaling
// URL. A handshake refused with 401/403 still proves the server answered.
func (p *Prober) CheckSignaling(ctx context.Context) bool {
	if p.cfg.SignalingURL == "" {
		return false
	}

	conn, err := timeout.Run(ctx, p.cfg.Timeout, func(ctx context.Context) (*websocket.Conn, error) {
		c, resp, err := p.dialer.DialContext(ctx, p.cfg.SignalingURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil && resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil
		}
		return c, err
	}, func(late *websocket.Conn) {
		if late != nil {
			late.Close()
		}
	})
	if err != nil {
		p.logger.Warn("signaling unreachable", zap.String("url", p.cfg.SignalingURL), zap.Error(err))
		return false
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	return true
}

// ICEServers builds the ICE server list: configured STUN servers, then the
// TURN relay when one is configured.
func ICEServers(cfg config.ICEConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: append([]string(nil), cfg.STUNServers...)})
	}
	if cfg.TURN.Enabled() {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{cfg.TURN.URL},
			Username:       cfg.TURN.Username,
			Credential:     cfg.TURN.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}
