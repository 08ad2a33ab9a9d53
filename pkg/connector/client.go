// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("whatsapp not connected")

// waSession is the subset of *whatsmeow.Client the monitor uses. Tests
// substitute a fake.
type waSession interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	Logout(ctx context.Context) error
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	GetJoinedGroups(ctx context.Context) ([]*types.GroupInfo, error)
	CreateGroup(ctx context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error)
	ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

var _ waSession = (*whatsmeow.Client)(nil)

// sessionOpener creates sessions from stored credentials and wipes them.
type sessionOpener interface {
	// Open returns an unconnected session with handler registered. The
	// pairing channel is non-nil when no credentials are stored.
	Open(ctx context.Context, handler func(evt any)) (waSession, <-chan whatsmeow.QRChannelItem, error)
	// Reset deletes all stored credentials.
	Reset(ctx context.Context) error
}

// sqlSessionOpener is the production opener backed by a SQLite device store.
type sqlSessionOpener struct {
	container *sqlstore.Container
	clientLog waLog.Logger
}

// newSQLSessionOpener opens the credential database at path.
func newSQLSessionOpener(ctx context.Context, cfg *Config, log zerolog.Logger) (*sqlSessionOpener, error) {
	store.DeviceProps.Os = proto.String(cfg.WhatsApp.DeviceName)
	libLog := log.Level(cfg.ClientLogLevel())
	dbLog := waLog.Zerolog(libLog.With().Str("component", "whatsmeow_db").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+cfg.WhatsApp.SessionDB+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return &sqlSessionOpener{
		container: container,
		clientLog: waLog.Zerolog(libLog.With().Str("component", "whatsmeow").Logger()),
	}, nil
}

func (o *sqlSessionOpener) Open(ctx context.Context, handler func(evt any)) (waSession, <-chan whatsmeow.QRChannelItem, error) {
	device, err := o.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load device: %w", err)
	}
	client := whatsmeow.NewClient(device, o.clientLog)
	// Reconnects are driven by WhatsAppClient so that close reasons can be
	// classified.
	client.EnableAutoReconnect = false
	client.AddEventHandler(handler)

	var qr <-chan whatsmeow.QRChannelItem
	if client.Store.ID == nil {
		qr, err = client.GetQRChannel(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get pairing channel: %w", err)
		}
	}
	return client, qr, nil
}

func (o *sqlSessionOpener) Reset(ctx context.Context) error {
	devices, err := o.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	var errs []error
	for _, device := range devices {
		if err := device.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closeKind classifies why a session ended.
type closeKind int

const (
	closeTransient closeKind = iota
	closeCorrupted
	closeLoggedOut
)

func (k closeKind) String() string {
	switch k {
	case closeCorrupted:
		return "corrupted"
	case closeLoggedOut:
		return "logged_out"
	default:
		return "transient"
	}
}

// knownFailureReasons are the connect failure codes the server is known to
// send. Anything else is treated as a sign of corrupted local state.
var knownFailureReasons = map[events.ConnectFailureReason]struct{}{
	400: {}, 401: {}, 402: {}, 403: {}, 405: {}, 406: {}, 409: {},
	413: {}, 414: {}, 415: {}, 418: {}, 500: {}, 501: {}, 503: {},
}

func classifyConnectFailure(reason events.ConnectFailureReason) closeKind {
	if _, ok := knownFailureReasons[reason]; !ok {
		return closeCorrupted
	}
	if reason.IsLoggedOut() {
		return closeLoggedOut
	}
	return closeTransient
}

// credentialFailureMarkers identify errors from the encrypted handshake,
// which usually mean the stored keys are unusable.
var credentialFailureMarkers = []string{"crypto", "handshake", "noise", "decrypt", "bad mac"}

func isCredentialFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range credentialFailureMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// reconnectDelay returns base doubled for each consecutive failure after the
// first, capped at max.
func reconnectDelay(cfg ReconnectConfig, failures int) time.Duration {
	delay := cfg.BaseDelay
	for i := 1; i < failures && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	return min(delay, cfg.MaxDelay)
}

type stopper interface {
	Stop() bool
}

func defaultAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// WhatsAppClient owns the single WhatsApp session and its reconnect state
// machine. Each start creates a new generation; events and timers from older
// generations are ignored.
type WhatsAppClient struct {
	log     zerolog.Logger
	opener  sessionOpener
	state   *stateHolder
	qr      *QRCache
	cfg     ReconnectConfig
	onEvent func(sess waSession, evt any)
	printQR func(code string)

	afterFunc func(time.Duration, func()) stopper

	mu         sync.Mutex
	ctx        context.Context
	session    waSession
	generation uint64
	closedGen  uint64
	terminal   bool
	failures   int
	timer      stopper
}

// NewWhatsAppClient creates a lifecycle manager. onEvent receives every
// event that is not a connection lifecycle event.
func NewWhatsAppClient(opener sessionOpener, cfg ReconnectConfig, qr *QRCache, log zerolog.Logger, onEvent func(sess waSession, evt any)) *WhatsAppClient {
	return &WhatsAppClient{
		log:       log.With().Str("component", "lifecycle").Logger(),
		opener:    opener,
		state:     &stateHolder{},
		qr:        qr,
		cfg:       cfg,
		onEvent:   onEvent,
		afterFunc: defaultAfterFunc,
	}
}

// Start opens the session. It does not return an error; failures drive the
// reconnect state machine and are visible via State.
func (c *WhatsAppClient) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.terminal = false
	c.mu.Unlock()
	c.start()
}

// Stop disconnects without touching stored credentials and disables
// reconnects.
func (c *WhatsAppClient) Stop() {
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
	if sess != nil {
		sess.Disconnect()
	}
	c.state.Set(StateDisconnected)
	c.log.Info().Msg("WhatsApp session stopped")
}

// State returns the current connection state.
func (c *WhatsAppClient) State() ConnectionState {
	return c.state.Get()
}

// IsConnected reports whether the session is open.
func (c *WhatsAppClient) IsConnected() bool {
	return c.state.Get() == StateConnected
}

// Session returns the live session or ErrNotConnected.
func (c *WhatsAppClient) Session() (waSession, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || c.state.Get() != StateConnected {
		return nil, ErrNotConnected
	}
	return sess, nil
}

func (c *WhatsAppClient) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *WhatsAppClient) start() {
	c.mu.Lock()
	if c.terminal || c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	old := c.session
	c.session = nil
	ctx := c.ctx
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	c.state.Set(StateConnecting)
	c.log.Info().Uint64("generation", gen).Msg("Starting WhatsApp session")

	sess, pairing, err := c.opener.Open(ctx, func(evt any) {
		c.handleEvent(gen, evt)
	})
	if err != nil {
		c.startFailed(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		sess.Disconnect()
		return
	}
	c.session = sess
	c.mu.Unlock()

	if pairing != nil {
		c.log.Info().Msg("No stored credentials, waiting for QR pairing")
		go c.consumePairing(gen, pairing)
	}

	if err := sess.Connect(); err != nil {
		if isCredentialFailure(err) {
			c.closed(gen, closeCorrupted, err)
		} else {
			c.startFailed(gen, err)
		}
	}
}

func (c *WhatsAppClient) startFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.closedGen == gen {
		c.mu.Unlock()
		return
	}
	c.closedGen = gen
	c.mu.Unlock()

	c.state.Set(StateError)
	c.log.Error().Err(err).Dur("retry_in", c.cfg.ErrorDelay).Msg("Failed to start WhatsApp session")
	c.schedule(gen, c.cfg.ErrorDelay)
}

// handleEvent is registered on each session. Lifecycle events are handled
// here; the rest go to onEvent.
func (c *WhatsAppClient) handleEvent(gen uint64, evt any) {
	c.mu.Lock()
	current := gen == c.generation
	sess := c.session
	c.mu.Unlock()
	if !current {
		c.log.Trace().Uint64("generation", gen).Type("event_type", evt).Msg("Ignoring event from stale session")
		return
	}

	switch e := evt.(type) {
	case *events.Connected:
		c.opened()
	case *events.PairSuccess:
		c.log.Info().Str("jid", e.ID.String()).Str("platform", e.Platform).Msg("QR pairing succeeded")
	case *events.LoggedOut:
		c.closed(gen, closeLoggedOut, fmt.Errorf("logged out (reason %d, on connect %t)", int(e.Reason), e.OnConnect))
	case *events.ConnectFailure:
		c.closed(gen, classifyConnectFailure(e.Reason), fmt.Errorf("connect failure %d: %s", int(e.Reason), e.Message))
	case *events.TemporaryBan:
		c.closed(gen, closeTransient, fmt.Errorf("temporary ban: %s", e.String()))
	case *events.StreamReplaced:
		c.closed(gen, closeTransient, errors.New("stream replaced by another client"))
	case *events.ClientOutdated:
		c.closed(gen, closeTransient, errors.New("client version outdated"))
	case *events.Disconnected:
		c.closed(gen, closeTransient, errors.New("connection closed"))
	default:
		if c.onEvent != nil {
			c.onEvent(sess, evt)
		}
	}
}

func (c *WhatsAppClient) opened() {
	c.qr.Clear()
	c.state.Set(StateConnected)
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	c.log.Info().Msg("WhatsApp session connected")
}

// closed handles the end of session gen. Only the first close of a
// generation is acted on.
func (c *WhatsAppClient) closed(gen uint64, kind closeKind, cause error) {
	c.mu.Lock()
	if gen != c.generation || c.closedGen == gen {
		c.mu.Unlock()
		return
	}
	c.closedGen = gen
	if kind == closeLoggedOut {
		c.terminal = true
	}
	var failures int
	if kind == closeTransient {
		c.failures++
		failures = c.failures
	}
	ctx := c.ctx
	c.mu.Unlock()

	c.state.Set(StateDisconnected)
	c.qr.Clear()

	switch kind {
	case closeCorrupted:
		c.log.Warn().Err(cause).Msg("Session credentials look corrupted, wiping and re-pairing")
		if err := c.opener.Reset(ctx); err != nil {
			c.log.Error().Err(err).Msg("Failed to wipe stored credentials")
		}
		c.schedule(gen, c.cfg.ResetDelay)
	case closeLoggedOut:
		c.log.Warn().Err(cause).Msg("Session logged out, not reconnecting")
	default:
		delay := reconnectDelay(c.cfg, failures)
		c.log.Warn().Err(cause).Int("failures", failures).Dur("retry_in", delay).Msg("Session closed, reconnecting")
		c.schedule(gen, delay)
	}
}

func (c *WhatsAppClient) schedule(gen uint64, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal || gen != c.generation {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.afterFunc(delay, func() {
		if !c.isCurrent(gen) {
			return
		}
		c.start()
	})
}
