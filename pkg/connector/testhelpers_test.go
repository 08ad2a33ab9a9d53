// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"gopkg.in/yaml.v3"

	"github.com/aiku/wamonitor/pkg/cloneapi"
)

// sentMessage records one SendMessage call.
type sentMessage struct {
	To      types.JID
	Message *waE2E.Message
}

// fakeSession is an in-memory waSession. It records calls and returns
// scripted results.
type fakeSession struct {
	mu      sync.Mutex
	handler func(evt any)

	// AutoConnect emits *events.Connected from Connect.
	AutoConnect bool
	ConnectErr  error
	connects    int
	disconnects int

	// SendErrs is consumed one error per SendMessage call; nil entries
	// succeed. SendErrFor fails every send to the given JID.
	SendErrs   []error
	SendErrFor map[string]error
	sent       []sentMessage
	sendCalls  int

	UploadErr error
	uploads   [][]byte

	DownloadData []byte
	DownloadErr  error
	downloads    int

	Groups       map[string]*types.GroupInfo
	GroupInfoErr error
	Joined       []*types.GroupInfo
	JoinedErr    error
	CreateErr    error
	created      []whatsmeow.ReqCreateGroup

	LogoutErr error
	loggedOut bool
}

var _ waSession = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		AutoConnect: true,
		SendErrFor:  make(map[string]error),
		Groups:      make(map[string]*types.GroupInfo),
	}
}

func (s *fakeSession) setHandler(h func(evt any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// emit delivers evt as if it came from the WhatsApp connection.
func (s *fakeSession) emit(evt any) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (s *fakeSession) Connect() error {
	s.mu.Lock()
	s.connects++
	err := s.ConnectErr
	auto := s.AutoConnect
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if auto {
		s.emit(&events.Connected{})
	}
	return nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects > s.disconnects
}

func (s *fakeSession) Logout(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return s.LogoutErr
}

func (s *fakeSession) SendMessage(_ context.Context, to types.JID, message *waE2E.Message, _ ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	if err, ok := s.SendErrFor[to.String()]; ok {
		return whatsmeow.SendResponse{}, err
	}
	if len(s.SendErrs) > 0 {
		err := s.SendErrs[0]
		s.SendErrs = s.SendErrs[1:]
		if err != nil {
			return whatsmeow.SendResponse{}, err
		}
	}
	s.sent = append(s.sent, sentMessage{To: to, Message: message})
	return whatsmeow.SendResponse{ID: types.MessageID(fmt.Sprintf("sent-%d", len(s.sent)))}, nil
}

func (s *fakeSession) Upload(_ context.Context, plaintext []byte, _ whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UploadErr != nil {
		return whatsmeow.UploadResponse{}, s.UploadErr
	}
	s.uploads = append(s.uploads, plaintext)
	return whatsmeow.UploadResponse{
		URL:           "https://mmg.whatsapp.net/upload",
		DirectPath:    "/v/t62/upload",
		MediaKey:      []byte("media-key"),
		FileEncSHA256: []byte("enc-sha"),
		FileSHA256:    []byte("sha"),
		FileLength:    uint64(len(plaintext)),
	}, nil
}

func (s *fakeSession) Download(_ context.Context, _ whatsmeow.DownloadableMessage) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads++
	return s.DownloadData, s.DownloadErr
}

func (s *fakeSession) GetGroupInfo(_ context.Context, jid types.JID) (*types.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GroupInfoErr != nil {
		return nil, s.GroupInfoErr
	}
	info, ok := s.Groups[jid.String()]
	if !ok {
		return nil, errors.New("group not found")
	}
	return info, nil
}

func (s *fakeSession) GetJoinedGroups(_ context.Context) ([]*types.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Joined, s.JoinedErr
}

func (s *fakeSession) CreateGroup(_ context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, req)
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	info := &types.GroupInfo{JID: types.NewJID("120363000000000001", types.GroupServer)}
	info.Name = req.Name
	for _, p := range req.Participants {
		info.Participants = append(info.Participants, types.GroupParticipant{JID: p})
	}
	return info, nil
}

func (s *fakeSession) ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error) {
	key := webMsg.GetKey()
	if key == nil || key.GetID() == "" {
		return nil, errors.New("message has no key")
	}
	sender := chatJID
	if p := webMsg.GetParticipant(); p != "" {
		parsed, err := types.ParseJID(p)
		if err != nil {
			return nil, err
		}
		sender = parsed
	}
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chatJID,
				Sender:   sender,
				IsFromMe: key.GetFromMe(),
				IsGroup:  chatJID.Server == types.GroupServer,
			},
			ID:        types.MessageID(key.GetID()),
			PushName:  webMsg.GetPushName(),
			Timestamp: time.Unix(int64(webMsg.GetMessageTimestamp()), 0),
		},
		Message: webMsg.GetMessage(),
	}, nil
}

func (s *fakeSession) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]sentMessage, len(s.sent))
	copy(cp, s.sent)
	return cp
}

func (s *fakeSession) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

func (s *fakeSession) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// fakeOpener hands out scripted sessions in order, then fresh ones.
type fakeOpener struct {
	mu       sync.Mutex
	Sessions []*fakeSession
	OpenErr  error
	ResetErr error
	// Pairing is returned by the next Open and then cleared.
	Pairing chan whatsmeow.QRChannelItem

	opens  int
	resets int
	last   *fakeSession
}

var _ sessionOpener = (*fakeOpener)(nil)

func (o *fakeOpener) Open(_ context.Context, handler func(evt any)) (waSession, <-chan whatsmeow.QRChannelItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.OpenErr != nil {
		return nil, nil, o.OpenErr
	}
	var sess *fakeSession
	if len(o.Sessions) > 0 {
		sess = o.Sessions[0]
		o.Sessions = o.Sessions[1:]
	} else {
		sess = newFakeSession()
	}
	sess.setHandler(handler)
	o.last = sess

	var pairing <-chan whatsmeow.QRChannelItem
	if o.Pairing != nil {
		pairing = o.Pairing
		o.Pairing = nil
	}
	return sess, pairing, nil
}

func (o *fakeOpener) Reset(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
	return o.ResetErr
}

func (o *fakeOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) Resets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resets
}

func (o *fakeOpener) Last() *fakeSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// fakeTimers replaces time.AfterFunc so tests can fire scheduled
// reconnects by hand.
type fakeTimers struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	Delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{Delay: d, f: f}
	ft.pending = append(ft.pending, t)
	return t
}

// Last returns the most recently scheduled timer, or nil.
func (ft *fakeTimers) Last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.pending) == 0 {
		return nil
	}
	return ft.pending[len(ft.pending)-1]
}

func (ft *fakeTimers) Count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.pending)
}

// Fire runs the most recent timer unless it was stopped.
func (ft *fakeTimers) Fire(t *testing.T) {
	t.Helper()
	timer := ft.Last()
	if timer == nil {
		t.Fatal("no timer scheduled")
	}
	if timer.stopped {
		t.Fatal("last timer was stopped")
	}
	timer.stopped = true
	timer.f()
}

func testReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:  5 * time.Second,
		MaxDelay:   2 * time.Minute,
		ResetDelay: 3 * time.Second,
		ErrorDelay: 10 * time.Second,
	}
}

// newTestClient creates a lifecycle manager on fake sessions and timers.
func newTestClient(opener *fakeOpener) (*WhatsAppClient, *fakeTimers) {
	timers := &fakeTimers{}
	c := NewWhatsAppClient(opener, testReconnectConfig(), NewQRCache(DefaultQRTTL), zerolog.Nop(), nil)
	c.afterFunc = timers.AfterFunc
	return c, timers
}

// backendCall records which backend endpoints were hit during a test.
type backendCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeBackend simulates the processing backend. It records calls and
// answers with canned JSON per path.
type fakeBackend struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []backendCall

	// Responses maps a path to its JSON response body.
	Responses map[string]string
	// FailPaths makes the given paths return 500.
	FailPaths map[string]bool
}

func newFakeBackend() *fakeBackend {
	f := &fakeBackend{
		Responses: map[string]string{
			"/whatsapp/clone-message":      `{"success":true,"links_substituidos":[{"plataforma":"amazon"}]}`,
			"/whatsapp/clone-multiple":     `{"success":true,"total_sucesso":2}`,
			"/fila-mensagens/estatisticas": `{"pendentes":3,"enviadas":10}`,
			"/fila-mensagens":              `{"mensagens":[]}`,
		},
		FailPaths: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

// Fail makes path answer 500 from now on.
func (f *fakeBackend) Fail(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailPaths[path] = true
}

func (f *fakeBackend) Close() {
	f.Server.Close()
}

func (f *fakeBackend) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, backendCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	fail := f.FailPaths[r.URL.Path]
	resp, ok := f.Responses[r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"fake backend failure"}`))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(resp))
}

func (f *fakeBackend) Calls() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]backendCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls whose path equals path.
func (f *fakeBackend) CallsTo(path string) []backendCall {
	var out []backendCall
	for _, c := range f.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// decodeBody unmarshals the JSON body of a recorded call.
func decodeBody(t *testing.T, call backendCall, v any) {
	t.Helper()
	if err := json.NewDecoder(strings.NewReader(call.Body)).Decode(v); err != nil {
		t.Fatalf("failed to decode backend body %q: %v", call.Body, err)
	}
}

// testConfig returns the embedded defaults with state kept in a temp dir.
func testConfig(t *testing.T, backendURL string) *Config {
	t.Helper()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("failed to parse example config: %v", err)
	}
	cfg.Monitor.GroupsFile = filepath.Join(t.TempDir(), "monitored_groups.json")
	cfg.Backend.URL = backendURL
	cfg.Backend.AutoClone = false
	cfg.Delivery.DestinationPause = 0
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return &cfg
}

// noSleep records requested waits without blocking.
type noSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (n *noSleep) Sleep(_ context.Context, d time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.waits = append(n.waits, d)
	return nil
}

func (n *noSleep) Waits() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]time.Duration, len(n.waits))
	copy(cp, n.waits)
	return cp
}

// testConnector bundles a connector with its fakes.
type testConnector struct {
	*WhatsAppConnector
	Opener  *fakeOpener
	Backend *fakeBackend
	Sleeps  *noSleep
	Timers  *fakeTimers
}

// newTestConnector builds a connector on a fake session and backend. The
// session is not started.
func newTestConnector(t *testing.T) *testConnector {
	t.Helper()
	backend := newFakeBackend()
	t.Cleanup(backend.Close)
	cfg := testConfig(t, backend.Server.URL)
	opener := &fakeOpener{}
	client := cloneapi.New(backend.Server.URL, backend.Server.Client(), cloneapi.Timeouts{})
	wc := newConnector(cfg, opener, client, zerolog.Nop())

	sleeps := &noSleep{}
	wc.Sender.sleep = sleeps.Sleep
	timers := &fakeTimers{}
	wc.Client.afterFunc = timers.AfterFunc
	return &testConnector{WhatsAppConnector: wc, Opener: opener, Backend: backend, Sleeps: sleeps, Timers: timers}
}

// connect starts the session and returns it once connected.
func (tc *testConnector) connect(t *testing.T) *fakeSession {
	t.Helper()
	tc.Client.Start(context.Background())
	t.Cleanup(tc.Client.Stop)
	if !tc.Client.IsConnected() {
		t.Fatalf("expected connected state, got %s", tc.Client.State())
	}
	return tc.Opener.Last()
}

// groupMessage builds an inbound message event in group chat.
func groupMessage(id, chat string, msg *waE2E.Message) *events.Message {
	chatJID, _ := types.ParseJID(chat)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    chatJID,
				Sender:  types.NewJID("5511999990000", types.DefaultUserServer),
				IsGroup: true,
			},
			ID:        types.MessageID(id),
			PushName:  "Alice",
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

// staticGroups is a groupMembership backed by a fixed set.
type staticGroups map[string]bool

func (g staticGroups) Contains(id string) bool {
	return g[id]
}
