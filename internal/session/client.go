package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aminelahmer1/livestream-core/internal/apperr"
	"github.com/aminelahmer1/livestream-core/internal/auth"
	"github.com/aminelahmer1/livestream-core/internal/cache"
	"github.com/aminelahmer1/livestream-core/internal/config"
	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/retry"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
	"github.com/aminelahmer1/livestream-core/internal/token"
)

const maxBodySize = 1 << 20

// Options configures a Client. Zero durations and counts take defaults.
type Options struct {
	BaseURL          string
	HTTPClient       *http.Client
	Tokens           auth.TokenProvider // nil sends no Authorization header
	CacheTTL         time.Duration
	CreateTimeout    time.Duration
	RequestTimeout   time.Duration
	MaxAttempts      int
	RecordingRetries int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	Logger           *zap.Logger
	Now              func() time.Time
}

// OptionsFromConfig maps the config sections onto Options.
func OptionsFromConfig(api config.APIConfig, s config.SessionConfig) Options {
	return Options{
		BaseURL:          api.BaseURL,
		CacheTTL:         s.CacheTTL,
		CreateTimeout:    s.CreateTimeout,
		RequestTimeout:   s.RequestTimeout,
		MaxAttempts:      s.MaxAttempts,
		RetryInterval:    s.RetryInterval,
		MaxRetryInterval: s.MaxRetryInterval,
	}
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.CreateTimeout <= 0 {
		o.CreateTimeout = 15 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RecordingRetries <= 0 {
		o.RecordingRetries = 2
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.MaxRetryInterval < o.RetryInterval {
		o.MaxRetryInterval = 8 * o.RetryInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Client is safe for concurrent use. Its session cache is private.
type Client struct {
	base   string
	opts   Options
	cache  *cache.TTLCache[int64, *Session]
	logger *zap.Logger
}

// NewClient validates the base URL and starts the cache janitor; call Close
// when done.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid backend url %q", opts.BaseURL)
	}
	opts.setDefaults()

	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		opts:   opts,
		cache:  cache.New[int64, *Session](opts.CacheTTL, opts.CacheTTL, cache.WithClock(opts.Now)),
		logger: logging.Or(opts.Logger, "session-client"),
	}, nil
}

// Close drops cached sessions and stops the cache janitor.
func (c *Client) Close() {
	n := c.cache.Len()
	c.cache.Clear()
	c.cache.Close()
	c.logger.Debug("session cache released", zap.Int("entries", n))
}

// CreateSession starts a session for skillID. The backend response must
// carry an id, a room name and a producer token.
func (c *Client) CreateSession(ctx context.Context, skillID int64, immediate bool) (*Session, error) {
	const op = "session.create"
	if skillID <= 0 {
		return nil, apperr.New(op, apperr.Validation, "invalid skill id")
	}

	r, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		path:     fmt.Sprintf("/livestream/start/%d", skillID),
		body:     map[string]bool{"immediate": immediate},
		timeout:  c.opts.CreateTimeout,
		attempts: c.opts.MaxAttempts,
		policy:   c.exponential,
	})
	if err != nil {
		return nil, err
	}

	s, err := decodeSession(op, r.body)
	if err != nil {
		return nil, err
	}
	c.remember(s)
	c.logger.Info("session created",
		zap.Int64("session_id", s.ID),
		zap.Int64("skill_id", skillID),
		zap.String("room", s.RoomName))
	return s, nil
}

// GetSession returns the cached session while its entry is fresh and
// otherwise fetches it.
func (c *Client) GetSession(ctx context.Context, id int64) (*Session, error) {
	const op = "session.get"
	if id <= 0 {
		return nil, apperr.New(op, apperr.Validation, "invalid session id")
	}
	if s, ok := c.cache.Get(id); ok {
		return s.clone(), nil
	}

	r, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodGet,
		path:     fmt.Sprintf("/livestream/%d", id),
		timeout:  c.opts.RequestTimeout,
		attempts: c.opts.MaxAttempts,
		policy:   c.exponential,
	})
	if err != nil {
		return nil, err
	}

	s, err := decodeSession(op, r.body)
	if err != nil {
		return nil, err
	}
	c.cache.Set(s.ID, s.clone())
	return s, nil
}

// GetSessionBySkillID returns (nil, nil) when the skill has no session.
func (c *Client) GetSessionBySkillID(ctx context.Context, skillID int64) (*Session, error) {
	const op = "session.get_by_skill"
	if skillID <= 0 {
		return nil, apperr.New(op, apperr.Validation, "invalid skill id")
	}

	r, err := c.do(ctx, call{
		op:          op,
		method:      http.MethodGet,
		path:        fmt.Sprintf("/livestream/skill/%d", skillID),
		timeout:     c.opts.RequestTimeout,
		attempts:    c.opts.MaxAttempts,
		policy:      c.exponential,
		allowAbsent: true,
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		c.forgetSkill(skillID)
		return nil, nil
	}

	s, err := decodeSession(op, r.body)
	if err != nil {
		return nil, err
	}
	c.remember(s)
	return s, nil
}

// JoinSession fetches a viewer token for the session.
func (c *Client) JoinSession(ctx context.Context, id int64) (string, error) {
	const op = "session.join"
	if id <= 0 {
		return "", apperr.New(op, apperr.Validation, "invalid session id")
	}

	r, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodGet,
		path:     fmt.Sprintf("/livestream/%d/join", id),
		accept:   "text/plain",
		timeout:  c.opts.RequestTimeout,
		attempts: c.opts.MaxAttempts,
		policy:   func() backoff.BackOff { return retry.NewLinear(c.opts.RetryInterval) },
	})
	if err != nil {
		return "", err
	}

	tok := strings.Trim(strings.TrimSpace(string(r.body)), `"`)
	if !token.Validate(tok) {
		return "", apperr.New(op, apperr.Validation, "server returned an invalid viewer token")
	}
	return tok, nil
}

// EndSession ends the session and evicts it from the cache.
func (c *Client) EndSession(ctx context.Context, id int64) error {
	const op = "session.end"
	if id <= 0 {
		return apperr.New(op, apperr.Validation, "invalid session id")
	}

	_, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		path:     fmt.Sprintf("/livestream/end/%d", id),
		timeout:  c.opts.RequestTimeout,
		attempts: 1,
		policy:   c.exponential,
	})
	if err == nil || apperr.Is(err, apperr.NotFound) {
		c.cache.Delete(id)
	}
	if err != nil {
		return err
	}
	c.logger.Info("session ended", zap.Int64("session_id", id))
	return nil
}

// StartRecording asks the backend to record room.
func (c *Client) StartRecording(ctx context.Context, room string) error {
	return c.recording(ctx, "session.start_recording", "/livestream/recordings/start", room)
}

// StopRecording stops recording room.
func (c *Client) StopRecording(ctx context.Context, room string) error {
	return c.recording(ctx, "session.stop_recording", "/livestream/recordings/stop", room)
}

func (c *Client) recording(ctx context.Context, op, path, room string) error {
	if strings.TrimSpace(room) == "" {
		return apperr.New(op, apperr.Validation, "room name is required")
	}
	_, err := c.do(ctx, call{
		op:       op,
		method:   http.MethodPost,
		path:     path,
		body:     map[string]string{"roomName": room},
		timeout:  c.opts.RequestTimeout,
		attempts: c.opts.RecordingRetries,
		policy:   c.exponential,
	})
	return err
}

// InvalidateSession drops a cached session.
func (c *Client) InvalidateSession(id int64) { c.cache.Delete(id) }

// remember caches s as the current session of its skill; older sessions
// of the same skill are dropped.
func (c *Client) remember(s *Session) {
	c.cache.DeleteFunc(func(id int64, old *Session) bool {
		return old.SkillID == s.SkillID && id != s.ID
	})
	c.cache.Set(s.ID, s.clone())
}

func (c *Client) forgetSkill(skillID int64) {
	c.cache.DeleteFunc(func(_ int64, old *Session) bool { return old.SkillID == skillID })
}

func (c *Client) exponential() backoff.BackOff {
	return retry.Exponential(c.opts.RetryInterval, c.opts.MaxRetryInterval)
}

type call struct {
	op          string
	method      string
	path        string
	body        any
	accept      string
	timeout     time.Duration
	attempts    int
	policy      func() backoff.BackOff
	allowAbsent bool // 204/404/empty body yield a nil reply
}

type reply struct {
	status int
	body   []byte
}

// do runs cl with a per-attempt timeout and the call's retry policy. Only
// the final outcome is returned; intermediate failures are logged.
func (c *Client) do(ctx context.Context, cl call) (*reply, error) {
	var payload []byte
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return nil, apperr.Wrap(cl.op, apperr.Validation, "invalid request body", err)
		}
		payload = b
	}

	var (
		out     *reply
		attempt int
	)
	operation := func() error {
		attempt++
		r, err := timeout.Run(ctx, cl.timeout, func(ctx context.Context) (*reply, error) {
			return c.roundTrip(ctx, cl, payload)
		}, nil)
		if err != nil {
			if apperr.KindOf(err) != apperr.Unknown {
				return err
			}
			return apperr.Wrap(cl.op, apperr.Transient, msgNetwork, err)
		}

		if cl.allowAbsent && isAbsent(r) {
			out = nil
			return nil
		}
		if r.status < 200 || r.status >= 300 {
			return statusError(cl.op, r.status, r.body)
		}
		out = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("request failed, retrying",
			zap.String("op", cl.op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, retry.Attempts(ctx, cl.policy(), cl.attempts), notify); err != nil {
		c.logger.Debug("request failed", zap.String("op", cl.op), zap.Int("attempts", attempt), zap.Error(err))
		return nil, finalError(cl.op, err)
	}
	return out, nil
}

func isAbsent(r *reply) bool {
	if r.status == http.StatusNoContent || r.status == http.StatusNotFound {
		return true
	}
	return r.status >= 200 && r.status < 300 && len(bytes.TrimSpace(r.body)) == 0
}

func (c *Client) roundTrip(ctx context.Context, cl call, payload []byte) (*reply, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base+cl.path, body)
	if err != nil {
		return nil, backoff.Permanent(apperr.Wrap(cl.op, apperr.Validation, "invalid request", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.accept != "" {
		req.Header.Set("Accept", cl.accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	if c.opts.Tokens != nil {
		tok, err := c.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, backoff.Permanent(apperr.Wrap(cl.op, apperr.Unauthorized, msgUnauthorized, err))
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &reply{status: resp.StatusCode, body: data}, nil
}

func decodeSession(op string, body []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, apperr.Wrap(op, apperr.ServerError, "invalid session payload", err)
	}
	if err := s.validate(); err != nil {
		return nil, apperr.Wrap(op, apperr.ServerError, "incomplete session returned by server", err)
	}
	return &s, nil
}
