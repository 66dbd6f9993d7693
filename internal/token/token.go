// Package token checks the structure of media-server access tokens before
// they are handed to the transport. Signatures are not verified: the media
// server does that, this package only rejects tokens that cannot work.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmpty     = errors.New("token is empty")
	ErrMalformed = errors.New("token is malformed")
	ErrNoRoom    = errors.New("token has no room grant")
	ErrExpired   = errors.New("token is expired")
)

// Claims is the subset of an access token the client cares about.
type Claims struct {
	Room       string
	Identity   string
	Name       string
	ExpiresAt  time.Time // zero when the token carries no exp
	CanPublish bool
}

// Validator checks tokens against Now, which defaults to time.Now.
type Validator struct {
	Now func() time.Time
}

var (
	defaultValidator = &Validator{}
	parser           = jwt.NewParser()
)

// Validate reports whether token is structurally usable right now.
func Validate(token string) bool { return defaultValidator.Validate(token) }

// Inspect returns the claims of a usable token.
func Inspect(token string) (Claims, error) { return defaultValidator.Inspect(token) }

// Validate never panics and never returns an error; any failure is false.
func (v *Validator) Validate(token string) bool {
	_, err := v.Inspect(token)
	return err == nil
}

// Inspect runs the checks in order (non-empty, three segments, decodable
// header and payload, non-empty video.room, exp strictly in the future)
// and returns the first failure.
func (v *Validator) Inspect(token string) (claims Claims, err error) {
	defer func() {
		if r := recover(); r != nil {
			claims, err = Claims{}, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	if strings.TrimSpace(token) == "" {
		return Claims{}, ErrEmpty
	}
	if strings.Count(token, ".") != 2 {
		return Claims{}, fmt.Errorf("%w: expected 3 segments", ErrMalformed)
	}

	mc := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	video, ok := mc["video"].(map[string]interface{})
	if !ok {
		return Claims{}, ErrNoRoom
	}
	room, ok := video["room"].(string)
	if !ok || room == "" {
		return Claims{}, ErrNoRoom
	}

	claims = Claims{Room: room, CanPublish: true}
	if canPublish, ok := video["canPublish"].(bool); ok {
		claims.CanPublish = canPublish
	}
	if sub, err := mc.GetSubject(); err == nil {
		claims.Identity = sub
	}
	if name, ok := mc["name"].(string); ok {
		claims.Name = name
	}

	if _, present := mc["exp"]; present {
		exp, err := mc.GetExpirationTime()
		if err != nil || exp == nil {
			return Claims{}, fmt.Errorf("%w: invalid exp", ErrMalformed)
		}
		if !v.now().Before(exp.Time) {
			return Claims{}, ErrExpired
		}
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}
