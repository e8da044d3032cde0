// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cyfrworks/cyfr/pkg/store"
)

// Device flow outcomes a poller can hit before approval.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("polling too fast")
	ErrDeviceCodeExpired    = errors.New("device code expired")
	ErrDeviceCodeInvalid    = errors.New("device code invalid")
)

const (
	deviceCodeTTL    = 15 * time.Minute
	devicePollPeriod = 5 * time.Second
)

// userCodeAlphabet avoids lookalike characters (0/O, 1/I/L).
const userCodeAlphabet = "BCDFGHJKMNPQRSTVWXYZ23456789"

// DeviceAuthorization is what init hands the client to display.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type devicePending struct {
	userCode    string
	createdAt   time.Time
	expiresAt   time.Time
	lastPoll    time.Time
	approved    bool
	userID      string
	email       string
	provider    string
	permissions []string
}

// DeviceFlow runs the device-authorization handshake: a client asks for a
// code pair, the user confirms the short code out of band, and the client
// polls until a session appears. Pending grants live in memory only; a
// restart just makes the client start over.
type DeviceFlow struct {
	sessions        *SessionManager
	verificationURI string

	mu      sync.Mutex
	pending map[string]*devicePending
}

// NewDeviceFlow wires the flow to a session manager and the URI users
// visit to confirm codes.
func NewDeviceFlow(sessions *SessionManager, verificationURI string) *DeviceFlow {
	return &DeviceFlow{
		sessions:        sessions,
		verificationURI: verificationURI,
		pending:         make(map[string]*devicePending),
	}
}

// Init starts a flow and returns the code pair to show the user.
func (df *DeviceFlow) Init() (*DeviceAuthorization, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return nil, fmt.Errorf("generating device code: %w", err)
	}
	deviceCode := "dev_" + base64.RawURLEncoding.EncodeToString(entropy)

	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	df.mu.Lock()
	df.pending[deviceCode] = &devicePending{
		userCode:  userCode,
		createdAt: now,
		expiresAt: now.Add(deviceCodeTTL),
	}
	df.mu.Unlock()

	return &DeviceAuthorization{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: df.verificationURI,
		ExpiresIn:       int(deviceCodeTTL.Seconds()),
		Interval:        int(devicePollPeriod.Seconds()),
	}, nil
}

// Approve marks the flow carrying userCode as confirmed for the given
// identity. The next poll for its device code mints the session.
func (df *DeviceFlow) Approve(userCode, userID, email, provider string, permissions []string) error {
	if userID == "" {
		return errors.New("user id is required")
	}

	df.mu.Lock()
	defer df.mu.Unlock()
	for _, p := range df.pending {
		if p.userCode != userCode {
			continue
		}
		if time.Now().After(p.expiresAt) {
			return ErrDeviceCodeExpired
		}
		p.approved = true
		p.userID = userID
		p.email = email
		p.provider = provider
		p.permissions = permissions
		return nil
	}
	return ErrDeviceCodeInvalid
}

// Poll checks a device code. Until approval it returns
// ErrAuthorizationPending (or ErrSlowDown when polled faster than the
// advertised interval); after approval it mints the session and retires
// the code.
func (df *DeviceFlow) Poll(ctx context.Context, deviceCode string) (*store.Session, error) {
	df.mu.Lock()
	p, ok := df.pending[deviceCode]
	if !ok {
		df.mu.Unlock()
		return nil, ErrDeviceCodeInvalid
	}

	now := time.Now()
	if now.After(p.expiresAt) {
		delete(df.pending, deviceCode)
		df.mu.Unlock()
		return nil, ErrDeviceCodeExpired
	}
	if !p.lastPoll.IsZero() && now.Sub(p.lastPoll) < devicePollPeriod {
		p.lastPoll = now
		df.mu.Unlock()
		return nil, ErrSlowDown
	}
	p.lastPoll = now
	if !p.approved {
		df.mu.Unlock()
		return nil, ErrAuthorizationPending
	}

	delete(df.pending, deviceCode)
	userID, email, provider, permissions := p.userID, p.email, p.provider, p.permissions
	df.mu.Unlock()

	return df.sessions.Create(ctx, userID, email, provider, permissions)
}

// newUserCode builds a short confirmation code like "BCDF-GH23".
func newUserCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating user code: %w", err)
	}
	var b strings.Builder
	for i, c := range raw {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return b.String(), nil
}
