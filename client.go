package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// EventChannelLabel is the data channel label the realtime service expects.
const EventChannelLabel = "oai-events"

type TrackRemoteHandler func(ctx context.Context, track *webrtc.TrackRemote)

// AudioStream is an acquired capture device. Pump writes encoded samples into
// track until ctx ends.
type AudioStream interface {
	Pump(ctx context.Context, track *webrtc.TrackLocalStaticSample)
	Close() error
}

type AudioInput interface {
	Acquire(ctx context.Context) (AudioStream, error)
}

type Config struct {
	RelayURL       string        `env:"RELAY_URL" envDefault:"http://localhost:8080/token"`
	BaseURL        string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model          string        `env:"REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview-2024-12-17"`
	RequestTimeout time.Duration `env:"REALTIME_REQUEST_TIMEOUT" envDefault:"30s"`
	Greeting       string        `env:"REALTIME_GREETING"`
	ICEServers     []string      `env:"REALTIME_ICE_SERVERS" envSeparator:","`
}

type Option func(*Controller)

func WithCredentialSource(src CredentialSource) Option {
	return func(c *Controller) { c.credentials = src }
}

func WithHTTPClient(client *fasthttp.Client) Option {
	return func(c *Controller) { c.httpClient = client }
}

// WithSettingEngine tunes ICE and transport behaviour of every peer connection
// the controller creates.
func WithSettingEngine(se webrtc.SettingEngine) Option {
	return func(c *Controller) { c.settings = &se }
}

func WithAudioInput(in AudioInput) Option {
	return func(c *Controller) { c.audioIn = in }
}

// eventChannel is the part of *webrtc.DataChannel the controller sends through.
type eventChannel interface {
	SendText(s string) error
	Close() error
}

// connection groups everything one Start attempt acquires. Its fields are only
// written under Controller.mu while it is the controller's current connection;
// once detached it is closed exactly once by whoever detached it.
type connection struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	prev   Phase

	pc    *webrtc.PeerConnection
	dc    eventChannel
	audio AudioStream
	track *webrtc.TrackLocalStaticSample
}

func (conn *connection) close(cause error) error {
	conn.cancel(cause)
	var errs []error
	if conn.dc != nil {
		if err := conn.dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing data channel: %w", err))
		}
	}
	if conn.pc != nil {
		if err := conn.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing peer connection: %w", err))
		}
	}
	if conn.audio != nil {
		if err := conn.audio.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audio input: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Controller drives one realtime session at a time on behalf of a
// presentation layer.
type Controller struct {
	logger      shared.LoggerAdapter
	cfg         Config
	baseUrl     *url.URL
	httpClient  *fasthttp.Client
	credentials CredentialSource
	settings    *webrtc.SettingEngine
	audioIn     AudioInput

	mu       sync.Mutex
	audioOut TrackRemoteHandler
	onState  StateHandler
	phase    Phase
	loading  bool
	log      eventLog
	conn     *connection

	notifyMu sync.Mutex
}

func NewController(logger shared.LoggerAdapter, cfg Config, opts ...Option) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	baseUrl, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if baseUrl.Scheme == "" || baseUrl.Host == "" {
		return nil, fmt.Errorf("parsing base URL: %q is not absolute", cfg.BaseURL)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", shared.ErrNoConfig)
	}
	c := &Controller{
		logger:  logger,
		cfg:     cfg,
		baseUrl: baseUrl,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &fasthttp.Client{Name: "realtime-console"}
	}
	if c.credentials == nil {
		if cfg.RelayURL == "" {
			return nil, fmt.Errorf("%w: relay URL is required", shared.ErrNoConfig)
		}
		c.credentials = &RelayCredentials{URL: cfg.RelayURL, Client: c.httpClient}
	}
	return c, nil
}

func (c *Controller) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioOut != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioOut = handler
	return nil
}

func (c *Controller) RegisterStateHandler(handler StateHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return shared.ErrSessionAlreadyRunning
	}
	if c.onState != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.onState = handler
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Phase:   c.phase,
		Loading: c.loading,
		Events:  c.log.snapshot(),
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	handler := c.onState
	c.mu.Unlock()
	if handler == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	handler(c.State())
}

// Start acquires a credential, negotiates the peer connection and returns once
// the answer is applied. The session only counts as active after the event
// channel opens, which happens asynchronously. ctx bounds the start flow, not
// the session.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	connCtx, cancel := context.WithCancelCause(context.Background())
	conn := &connection{ctx: connCtx, cancel: cancel, prev: c.phase}
	c.conn = conn
	c.phase = PhaseNegotiating
	c.loading = true
	c.mu.Unlock()
	c.notify()
	c.logger.Info("starting session", zap.String("model", c.cfg.Model))

	startCtx, stopStart := context.WithCancel(ctx)
	defer stopStart()
	unregister := context.AfterFunc(connCtx, stopStart)
	defer unregister()

	err := c.negotiate(startCtx, conn)
	if err == nil {
		c.logger.Info("session negotiated, waiting for event channel")
		return nil
	}

	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.detachLocked(conn, conn.prev)
	}
	c.mu.Unlock()
	if !owned {
		// Stop or a transport failure already tore the attempt down.
		if !errors.Is(err, shared.ErrSessionStopped) {
			err = fmt.Errorf("%w: %w", shared.ErrSessionStopped, err)
		}
		c.logger.Warn("session start interrupted", zap.Error(err))
		return err
	}
	if cerr := conn.close(err); cerr != nil {
		c.logger.Error("releasing partial session", cerr)
	}
	c.notify()
	c.logger.Error("starting session failed", err)
	return err
}

// detachLocked drops conn as the current connection. Caller holds c.mu and
// must close conn afterwards.
func (c *Controller) detachLocked(conn *connection, phase Phase) {
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.phase = phase
	c.loading = false
}

// adopt stores a freshly acquired resource on conn unless the attempt has been
// torn down in the meantime.
func (c *Controller) adopt(conn *connection, set func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return shared.ErrSessionStopped
	}
	set()
	return nil
}

func (c *Controller) owns(conn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn
}

func (c *Controller) negotiate(ctx context.Context, conn *connection) error {
	cred, err := c.issueCredential(ctx)
	if err != nil {
		return err
	}

	api, err := c.newAPI()
	if err != nil {
		return err
	}
	pc, err := api.NewPeerConnection(c.peerConfig())
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	if err := c.adopt(conn, func() { conn.pc = pc }); err != nil {
		_ = pc.Close()
		return err
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.handleConnectionState(conn, state)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.Lock()
		handler := c.audioOut
		current := c.conn == conn
		c.mu.Unlock()
		c.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		if current && handler != nil {
			go handler(conn.ctx, track)
		}
	})

	if c.audioIn == nil {
		return fmt.Errorf("%w: no audio input configured", shared.ErrMicrophone)
	}
	stream, err := c.audioIn.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrMicrophone, err)
	}
	if err := c.adopt(conn, func() { conn.audio = stream }); err != nil {
		_ = stream.Close()
		return err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	if err := c.adopt(conn, func() { conn.track = track }); err != nil {
		return err
	}

	// The channel has to exist before the offer so it is part of the session.
	dc, err := pc.CreateDataChannel(EventChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	if err := c.adopt(conn, func() { conn.dc = dc }); err != nil {
		return err
	}
	dc.OnOpen(func() {
		c.handleOpen(conn)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleMessage(conn, msg)
	})
	dc.OnClose(func() {
		c.endSession(conn, "event channel closed")
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("gathering ICE candidates: %w", ctx.Err())
	}

	answer, err := c.exchangeSDP(ctx, cred, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if !c.owns(conn) {
		return shared.ErrSessionStopped
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (c *Controller) issueCredential(ctx context.Context) (*Credential, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	cred, err := c.credentials.Issue(ctx)
	if err != nil {
		return nil, err
	}
	if cred.Value() == "" {
		return nil, shared.ErrInvalidCredential
	}
	c.logger.Debug("credential issued", zap.Int64("expires_at", cred.ClientSecret.ExpiresAt))
	return cred, nil
}

func (c *Controller) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Controller) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	opts := []func(*webrtc.API){webrtc.WithMediaEngine(m)}
	if c.settings != nil {
		opts = append(opts, webrtc.WithSettingEngine(*c.settings))
	}
	return webrtc.NewAPI(opts...), nil
}

func (c *Controller) peerConfig() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.cfg.ICEServers}}
	}
	return cfg
}

// activateLocked moves a negotiating conn to active and reports whether it did.
func (c *Controller) activateLocked(conn *connection) bool {
	if c.conn != conn || c.phase != PhaseNegotiating {
		return false
	}
	c.log.reset()
	c.phase = PhaseActive
	c.loading = false
	return true
}

func (c *Controller) afterActivate(conn *connection) {
	c.logger.Info("event channel opened, session active")
	if conn.audio != nil && conn.track != nil {
		go conn.audio.Pump(conn.ctx, conn.track)
	}
	if c.cfg.Greeting != "" {
		if err := c.SendClientEvent(NewGreetingEvent(c.cfg.Greeting)); err != nil {
			c.logger.Error("sending greeting", err)
		}
	}
}

func (c *Controller) handleOpen(conn *connection) {
	c.mu.Lock()
	activated := c.activateLocked(conn)
	c.mu.Unlock()
	if !activated {
		return
	}
	c.notify()
	c.afterActivate(conn)
}

func (c *Controller) handleMessage(conn *connection, msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		c.logger.Warn("received non-string message on event channel")
		return
	}
	event, err := ParseEvent(msg.Data)
	if err != nil {
		c.logger.Error("can not unmarshal event", err, zap.ByteString("data", msg.Data))
		return
	}
	c.logger.Trace(
		"received event",
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.EventId),
	)
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	// A message proves the channel is open even if its open callback has not
	// run yet.
	activated := c.activateLocked(conn)
	c.log.prepend(event)
	c.mu.Unlock()
	c.notify()
	if activated {
		c.afterActivate(conn)
	}
}

func (c *Controller) handleConnectionState(conn *connection, state webrtc.PeerConnectionState) {
	c.logger.Trace("peer connection state changed", zap.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.endSession(conn, "peer connection state is "+state.String())
	case webrtc.PeerConnectionStateDisconnected:
		c.logger.Warn("peer connection disconnected")
	}
}

// endSession tears conn down after the transport gave up on it. A negotiating
// attempt falls back to the phase it started from, a live one ends closed.
func (c *Controller) endSession(conn *connection, reason string) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	next := PhaseClosed
	if c.phase == PhaseNegotiating {
		next = conn.prev
	}
	c.detachLocked(conn, next)
	c.mu.Unlock()
	c.logger.Warn("session ended by transport", zap.String("reason", reason))
	if err := conn.close(errors.New(reason)); err != nil {
		c.logger.Error("closing session", err)
	}
	c.notify()
}

// Stop tears the current session down. It is safe to call at any time; with no
// session it does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return
	}
	c.detachLocked(conn, PhaseClosed)
	c.mu.Unlock()
	if err := conn.close(shared.ErrSessionStopped); err != nil {
		c.logger.Error("closing session", err)
	}
	c.logger.Info("session stopped")
	c.notify()
}

// SendClientEvent assigns an event_id when missing, transmits the event and
// logs it locally without waiting for any acknowledgement.
func (c *Controller) SendClientEvent(event *Event) error {
	c.mu.Lock()
	err := c.sendLocked(event)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify()
	return nil
}

// SendTextMessage sends the user's text followed by a response request. Both
// go out under one lock so no other event can land between them.
func (c *Controller) SendTextMessage(text string) error {
	c.mu.Lock()
	err := c.sendLocked(NewTextMessageEvent(text))
	sent := err == nil
	if sent {
		err = c.sendLocked(NewResponseCreateEvent())
	}
	c.mu.Unlock()
	if sent {
		c.notify()
	}
	return err
}

func (c *Controller) sendLocked(event *Event) error {
	if event == nil {
		return shared.ErrNoEvent
	}
	if c.conn == nil || c.conn.dc == nil {
		c.logger.Error(
			"failed to send message",
			shared.ErrNoDataChannel,
			zap.String("type", string(event.Type)),
		)
		return shared.ErrNoDataChannel
	}
	event.ensureId()
	data, err := event.MarshalJSON()
	if err != nil {
		c.logger.Error("marshaling event", err, zap.String("type", string(event.Type)))
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := c.conn.dc.SendText(string(data)); err != nil {
		c.logger.Error("sending event", err, zap.String("event_id", event.EventId))
		return fmt.Errorf("sending event: %w", err)
	}
	c.log.prepend(event.Clone())
	return nil
}
