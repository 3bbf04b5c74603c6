// Package state builds and verifies the opaque OAuth state parameter. The state
// is a signed, expiring envelope carrying the user, the requested role and the
// PKCE code verifier through the provider's redirect, so no server-side session
// is needed between the authorization request and the callback.
//
// Wire format: base64url(json(payload) + "." + base64url(hmac_sha256(json(payload)))),
// both layers unpadded.
package state

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lildude/pawmirror/internal/apperr"
	"github.com/lildude/pawmirror/internal/model"
	"github.com/lildude/pawmirror/internal/signing"
)

// Version is the current envelope version.
const Version = 1

// TTL is how long an issued state stays valid.
const TTL = 10 * time.Minute

const delimiter = '.'

var (
	ErrMalformedState   = apperr.New(apperr.MalformedState, errors.New("malformed state"))
	ErrInvalidSignature = apperr.New(apperr.InvalidSignature, errors.New("invalid state signature"))
	ErrStateExpired     = apperr.New(apperr.StateExpired, errors.New("state expired"))
)

// Payload is the signed content of a state parameter.
type Payload struct {
	Version      int        `json:"v"`
	UserID       string     `json:"userId"`
	Role         model.Role `json:"role"`
	CodeVerifier string     `json:"codeVerifier"`
	Nonce        string     `json:"nonce"`
	ExpiresAt    int64      `json:"exp"`
}

// Codec signs and verifies state parameters with a fixed secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec returns a Codec using secret. The secret is held, never logged.
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: secret, ttl: TTL, now: time.Now}
}

// WithClock returns a copy of c that reads the time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cc := *c
	cc.now = now
	return &cc
}

// NewPayload returns a payload for userID and role with a fresh nonce, expiring TTL from now.
func (c *Codec) NewPayload(userID string, role model.Role, verifier string) Payload {
	return Payload{
		Version:      Version,
		UserID:       userID,
		Role:         role,
		CodeVerifier: verifier,
		Nonce:        uuid.NewString(),
		ExpiresAt:    c.now().Add(c.ttl).Unix(),
	}
}

// Encode serialises, signs and wraps p.
func (c *Codec) Encode(p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling state: %w", err)
	}
	sig := base64.RawURLEncoding.EncodeToString(signing.Sign(body, c.secret))

	raw := make([]byte, 0, len(body)+1+len(sig))
	raw = append(raw, body...)
	raw = append(raw, delimiter)
	raw = append(raw, sig...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode verifies s and returns its payload. It fails with ErrMalformedState,
// ErrInvalidSignature or ErrStateExpired.
func (c *Codec) Decode(s string) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Payload{}, ErrMalformedState
	}

	// The signature is base64url and cannot contain the delimiter, so the last
	// one separates the parts even if the JSON holds a dot.
	i := bytes.LastIndexByte(raw, delimiter)
	if i <= 0 || i == len(raw)-1 {
		return Payload{}, ErrMalformedState
	}
	body, sig := raw[:i], raw[i+1:]

	expected := base64.RawURLEncoding.EncodeToString(signing.Sign(body, c.secret))
	if !signing.ConstantTimeEqual([]byte(expected), sig) {
		return Payload{}, ErrInvalidSignature
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, ErrMalformedState
	}
	if p.Version != Version {
		return Payload{}, ErrMalformedState
	}

	if c.now().Unix() > p.ExpiresAt {
		return Payload{}, ErrStateExpired
	}
	return p, nil
}

// Remaining is how long p stays valid from now.
func (c *Codec) Remaining(p Payload) time.Duration {
	return time.Unix(p.ExpiresAt, 0).Sub(c.now())
}
