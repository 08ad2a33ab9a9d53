// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"golang.org/x/term"

	"github.com/aiku/wamonitor/pkg/connector/wamsg"
)

// DefaultQRTTL is how long a rendered pairing code stays available.
const DefaultQRTTL = 300 * time.Second

// QRCache holds the latest rendered pairing code until it expires.
type QRCache struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	artifact string
	expires  time.Time
}

func NewQRCache(ttl time.Duration) *QRCache {
	if ttl <= 0 {
		ttl = DefaultQRTTL
	}
	return &QRCache{ttl: ttl, now: time.Now}
}

// Set replaces the cached artifact and restarts its TTL.
func (q *QRCache) Set(artifact string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.artifact = artifact
	q.expires = q.now().Add(q.ttl)
}

// Get returns the cached artifact if it has not expired.
func (q *QRCache) Get() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.artifact == "" {
		return "", false
	}
	if !q.now().Before(q.expires) {
		q.artifact = ""
		return "", false
	}
	return q.artifact, true
}

func (q *QRCache) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.artifact = ""
}

// renderQR encodes a pairing code as a PNG data URL.
func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to render QR code: %w", err)
	}
	return wamsg.DataURL("image/png", png), nil
}

// printQRToTerminal draws the code on stdout when it is a terminal.
func printQRToTerminal(code string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
}

// consumePairing drains the pairing channel of session gen. A timeout or
// pairing error ends the session like a transient disconnect.
func (c *WhatsAppClient) consumePairing(gen uint64, ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if !c.isCurrent(gen) {
			continue
		}
		switch item.Event {
		case "code":
			c.handlePairingCode(item.Code)
		case "success":
			c.log.Info().Msg("Pairing code scanned")
		case "timeout":
			c.closed(gen, closeTransient, errors.New("pairing timed out"))
		case "error":
			c.closed(gen, closeTransient, fmt.Errorf("pairing failed: %w", item.Error))
		default:
			c.closed(gen, closeTransient, fmt.Errorf("pairing failed: %s", item.Event))
		}
	}
}

func (c *WhatsAppClient) handlePairingCode(code string) {
	artifact, err := renderQR(code)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to render pairing code")
		return
	}
	c.qr.Set(artifact)
	c.state.Set(StateQRPending)
	c.log.Info().Msg("New pairing code available at /qr")
	if c.printQR != nil {
		c.printQR(code)
	}
}

// QR returns the cached pairing artifact, if any.
func (c *WhatsAppClient) QR() (string, bool) {
	return c.qr.Get()
}

// Logout ends the session remotely, wipes stored credentials and leaves the
// manager in a terminal disconnected state. Close events caused by the
// logout are ignored.
func (c *WhatsAppClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.terminal = true
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	var logoutErr error
	if sess != nil {
		logoutErr = sess.Logout(ctx)
		sess.Disconnect()
	}
	resetErr := c.opener.Reset(ctx)

	c.state.Set(StateDisconnected)
	c.qr.Clear()

	if logoutErr != nil || resetErr != nil {
		c.log.Error().AnErr("logout_error", logoutErr).AnErr("reset_error", resetErr).Msg("Logout incomplete")
		return errors.Join(logoutErr, resetErr)
	}
	c.log.Info().Msg("Logged out and wiped credentials")
	return nil
}
