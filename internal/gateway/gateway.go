// Package gateway is the device-facing edge of the hub: a WebSocket endpoint
// speaking the JSON frame protocol, the device registry with room-aware
// audio-output routing, proactive notification fan-out and the REST surface
// over conversations and tools.
//
// The gateway owns transport concerns only. Utterances are handed to the
// turn engine; its events come back in order and are written to a bounded
// outbound channel per connection. A client that cannot keep up is closed
// with session_end{reason:backpressure}.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/renfield-hub/renfield/internal/notify"
	"github.com/renfield-hub/renfield/internal/turn"
	"github.com/renfield-hub/renfield/pkg/provider/stt"
)

// errBackpressure marks a connection closed for falling too far behind.
var errBackpressure = errors.New("gateway: outbound channel overflow")

// Gateway defaults.
const (
	DefaultRegisterGrace      = 10 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHeartbeatTolerance = 90 * time.Second
	DefaultOutboundBuffer     = 64
	DefaultSendStall          = 5 * time.Second
)

// voicePCMSampleRate is the fixed inbound voice format: PCM16, 16 kHz, mono.
const voicePCMSampleRate = 16000

// Config tunes the gateway. Zero values are replaced with defaults.
type Config struct {
	// RegisterGrace is how long a fresh connection may take to send its
	// register frame before being closed.
	RegisterGrace time.Duration

	// HeartbeatTolerance is how long a device may stay silent before the
	// sweep marks it offline. Defaults to three 30 s intervals.
	HeartbeatTolerance time.Duration

	// OutboundBuffer bounds the per-connection send channel.
	OutboundBuffer int

	// SendStall is how long an emit may block on a full outbound channel
	// before the connection is closed as unhealthy.
	SendStall time.Duration

	// DeviceConfig, when set, is pushed to every device right after
	// registration.
	DeviceConfig *DeviceConfig
}

func (c Config) withDefaults() Config {
	if c.RegisterGrace <= 0 {
		c.RegisterGrace = DefaultRegisterGrace
	}
	if c.HeartbeatTolerance <= 0 {
		c.HeartbeatTolerance = DefaultHeartbeatTolerance
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.SendStall <= 0 {
		c.SendStall = DefaultSendStall
	}
	return c
}

// TurnRunner is the engine surface the gateway needs. *turn.Engine
// implements it.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request, emit turn.Emitter) (string, error)
}

// Gateway terminates device connections.
type Gateway struct {
	cfg     Config
	engine  TurnRunner
	devices *DeviceRegistry

	transcriber stt.Provider
	notifier    *notify.Service

	mu    sync.Mutex
	conns map[string]*conn
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTranscriber wires the STT provider for voice frames.
func WithTranscriber(p stt.Provider) GatewayOption {
	return func(g *Gateway) { g.transcriber = p }
}

// WithNotifier wires the notification service. The gateway subscribes for
// delivery fan-out and serves inbound notification_ack frames.
func WithNotifier(n *notify.Service) GatewayOption {
	return func(g *Gateway) { g.notifier = n }
}

// New creates a Gateway.
func New(cfg Config, engine TurnRunner, devices *DeviceRegistry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cfg:     cfg.withDefaults(),
		engine:  engine,
		devices: devices,
		conns:   make(map[string]*conn),
	}
	for _, o := range opts {
		o(g)
	}
	if g.notifier != nil {
		g.notifier.Subscribe(func(n notify.Notification) {
			g.fanout(context.Background(), n)
		})
	}
	return g
}

// Run sweeps device liveness until ctx is cancelled. Missed heartbeats only
// update the registry; sockets stay open.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(DefaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range g.devices.SweepOffline(g.cfg.HeartbeatTolerance) {
				slog.Info("device missed heartbeats, marked offline", "device", id)
			}
		}
	}
}

// HandleWS upgrades the request and serves the device protocol until the
// socket closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	g.serve(r.Context(), ws)
}

// serve runs one connection: registration with a grace deadline, then the
// frame loop.
func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	device, err := g.awaitRegister(ctx, ws)
	if err != nil {
		slog.Warn("registration failed", "error", err)
		g.writeDirect(ctx, ws, Frame{Type: FrameError, Message: "registration required"})
		ws.Close(websocket.StatusPolicyViolation, "registration required")
		return
	}

	c := &conn{
		g:      g,
		ws:     ws,
		device: device,
		out:    make(chan Frame, g.cfg.OutboundBuffer),
		ctx:    ctx,
		cancel: cancel,
		voice:  make(map[string][]byte),
		turns:  make(map[string]*turnHandle),
	}
	g.addConn(c)
	defer g.dropConn(c)

	go c.writeLoop()

	ack := Frame{
		Type:         FrameRegisterAck,
		Success:      true,
		DeviceID:     device.ID,
		RoomID:       device.RoomID,
		Capabilities: &device.Capabilities,
	}
	if err := c.send(ctx, ack); err != nil {
		return
	}
	if g.cfg.DeviceConfig != nil {
		if err := c.send(ctx, Frame{Type: FrameConfigUpdate, Config: g.cfg.DeviceConfig}); err != nil {
			return
		}
	}

	c.readLoop()
}

// awaitRegister reads the mandatory first frame within the grace period and
// upserts the device. Capabilities may be narrowed by server policy: devices
// without a microphone get wake-word disabled.
func (g *Gateway) awaitRegister(ctx context.Context, ws *websocket.Conn) (Device, error) {
	rctx, cancel := context.WithTimeout(ctx, g.cfg.RegisterGrace)
	defer cancel()

	_, data, err := ws.Read(rctx)
	if err != nil {
		return Device{}, fmt.Errorf("gateway: read register: %w", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		return Device{}, err
	}
	if f.Type != FrameRegister {
		return Device{}, fmt.Errorf("gateway: first frame is %q, want register", f.Type)
	}

	caps := *f.Capabilities
	if caps.HasWakeword && !caps.HasMicrophone {
		caps.HasWakeword = false
	}

	device := g.devices.Upsert(Device{
		ID:           f.DeviceID,
		Type:         f.DeviceType,
		RoomID:       f.Room,
		Capabilities: caps,
		IsStationary: f.IsStationary,
	})
	slog.Info("device registered", "device", device.ID, "type", device.Type, "room", device.RoomID)
	return device, nil
}

func (g *Gateway) addConn(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.conns[c.device.ID]; ok {
		prev.shutdown(websocket.StatusGoingAway, "superseded by new connection")
	}
	g.conns[c.device.ID] = c
}

func (g *Gateway) dropConn(c *conn) {
	g.mu.Lock()
	if g.conns[c.device.ID] == c {
		delete(g.conns, c.device.ID)
	}
	g.mu.Unlock()

	c.cancelAllTurns()
	g.devices.MarkOffline(c.device.ID)
}

func (g *Gateway) connFor(deviceID string) (*conn, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conns[deviceID]
	return c, ok
}

// fanout delivers a proactive notification to every matching online device,
// one worker per target, and records deliveries.
func (g *Gateway) fanout(ctx context.Context, n notify.Notification) {
	frame := Frame{
		Type:           FrameNotification,
		NotificationID: n.ID,
		Title:          n.Title,
		Message:        n.Message,
		RoomID:         n.RoomID,
	}

	var eg errgroup.Group
	for _, d := range g.devices.Snapshot() {
		if !d.Online {
			continue
		}
		if n.RoomID != "" && d.RoomID != n.RoomID {
			continue
		}
		if n.Subject != "" && d.ID != n.Subject {
			continue
		}
		c, ok := g.connFor(d.ID)
		if !ok {
			continue
		}
		deviceID := d.ID
		eg.Go(func() error {
			if err := c.send(ctx, frame); err != nil {
				return err
			}
			return g.notifier.RecordDelivery(ctx, notify.Delivery{
				NotificationID: n.ID,
				DeviceID:       deviceID,
			})
		})
	}
	if err := eg.Wait(); err != nil {
		slog.Warn("notification fan-out incomplete", "notification", n.ID, "error", err)
	}
}

// writeDirect writes one frame bypassing the outbound channel, for failures
// before or after the writer goroutine exists.
func (g *Gateway) writeDirect(ctx context.Context, ws *websocket.Conn, f Frame) {
	data, err := f.Encode()
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = ws.Write(wctx, websocket.MessageText, data)
}

// conn is one registered device connection.
type conn struct {
	g      *Gateway
	ws     *websocket.Conn
	device Device
	out    chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	voice map[string][]byte
	turns map[string]*turnHandle

	closeOnce sync.Once
}

// turnHandle identifies one in-flight turn so a finished worker only
// unregisters itself, never a successor for the same session.
type turnHandle struct {
	cancel context.CancelFunc
}

// readLoop processes inbound frames until the socket closes.
func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		f, err := ParseFrame(data)
		if err != nil {
			slog.Debug("dropping malformed frame", "device", c.device.ID, "error", err)
			_ = c.send(c.ctx, Frame{Type: FrameError, Message: "malformed frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *conn) handle(f Frame) {
	switch f.Type {
	case FrameText:
		c.startTurn(f.SessionID, f.Content, false, f)
	case FrameVoiceStart:
		c.mu.Lock()
		c.voice[f.SessionID] = nil
		c.mu.Unlock()
	case FrameVoiceChunk:
		pcm, err := base64.StdEncoding.DecodeString(f.Chunk)
		if err != nil {
			_ = c.send(c.ctx, Frame{Type: FrameError, Message: "invalid audio chunk"})
			return
		}
		c.mu.Lock()
		c.voice[f.SessionID] = append(c.voice[f.SessionID], pcm...)
		c.mu.Unlock()
	case FrameVoiceEnd:
		c.finishVoice(f.SessionID)
	case FrameWakewordDetected:
		slog.Debug("wake word detected", "device", c.device.ID, "keyword", f.Keyword, "confidence", f.Confidence)
		_ = c.send(c.ctx, Frame{Type: FrameState, State: "listening"})
	case FrameHeartbeat:
		c.g.devices.Heartbeat(c.device.ID, f.Status)
		_ = c.send(c.ctx, Frame{Type: FrameHeartbeatAck})
	case FrameNotificationAck:
		c.ackNotification(f)
	case FrameCancel:
		// The turn worker emits session_end{reason:cancelled} on its way out.
		c.cancelTurn(f.SessionID)
	default:
		_ = c.send(c.ctx, Frame{Type: FrameError, Message: "unsupported frame type"})
	}
}

// finishVoice transcribes the buffered utterance and feeds it to the turn
// engine as user text.
func (c *conn) finishVoice(sessionID string) {
	c.mu.Lock()
	pcm := c.voice[sessionID]
	delete(c.voice, sessionID)
	c.mu.Unlock()

	if c.g.transcriber == nil {
		_ = c.send(c.ctx, Frame{Type: FrameError, Message: "speech recognition is not configured"})
		return
	}
	if len(pcm) == 0 {
		return
	}

	tr, err := c.g.transcriber.Transcribe(c.ctx, stt.Request{
		PCM:        pcm,
		SampleRate: voicePCMSampleRate,
		Channels:   1,
	})
	if err != nil {
		slog.Warn("transcription failed", "device", c.device.ID, "error", err)
		_ = c.send(c.ctx, Frame{Type: FrameError, Message: "could not understand the audio"})
		return
	}
	if strings.TrimSpace(tr.Text) == "" {
		return
	}

	if err := c.send(c.ctx, Frame{Type: FrameTranscription, Text: tr.Text, SessionID: sessionID}); err != nil {
		return
	}
	c.startTurn(sessionID, tr.Text, true, Frame{SessionID: sessionID})
}

// startTurn launches the turn worker. A new utterance cancels the session's
// active turn first; ordering is then enforced by the engine's session
// mutex.
func (c *conn) startTurn(sessionID, text string, voice bool, f Frame) {
	c.cancelTurn(sessionID)

	tctx, cancel := context.WithCancel(c.ctx)
	handle := &turnHandle{cancel: cancel}
	c.mu.Lock()
	c.turns[sessionID] = handle
	c.mu.Unlock()

	req := turn.Request{
		SessionID:       sessionID,
		Text:            text,
		Channel:         channelForDevice(c.device.Type),
		DeviceID:        c.device.ID,
		RoomID:          c.device.RoomID,
		Subject:         c.device.ID,
		Voice:           voice,
		UseRAG:          f.UseRAG,
		KnowledgeBaseID: f.KnowledgeBaseID,
		AttachmentIDs:   f.AttachmentIDs,
	}
	if voice {
		req.AudioOut = c.g.audioSinkFor(c.device, sessionID)
	}

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			if c.turns[sessionID] == handle {
				delete(c.turns, sessionID)
			}
			c.mu.Unlock()
		}()

		_ = c.send(tctx, Frame{Type: FrameState, State: "processing"})
		_, err := c.g.engine.Run(tctx, req, turn.EmitterFunc(c.emitTurnEvent))
		switch {
		case errors.Is(err, turn.ErrTurnCancelled) || errors.Is(err, context.Canceled):
			_ = c.send(c.ctx, Frame{Type: FrameSessionEnd, SessionID: sessionID, Reason: "cancelled"})
		case errors.Is(err, turn.ErrSessionBusy):
			_ = c.send(c.ctx, Frame{Type: FrameError, Message: "session busy"})
		case err != nil:
			slog.Warn("turn failed", "session", sessionID, "error", err)
			_ = c.send(c.ctx, Frame{Type: FrameError, Message: "something went wrong handling that"})
		}
		_ = c.send(c.ctx, Frame{Type: FrameState, State: "idle"})
	}()
}

// emitTurnEvent maps engine events onto wire frames, preserving order.
func (c *conn) emitTurnEvent(ctx context.Context, ev turn.Event) error {
	f := Frame{SessionID: ev.SessionID}
	switch ev.Type {
	case turn.EventRAGContext:
		f.Type = FrameRAGContext
		f.HasContext = ev.HasContext
		f.Sources = ev.Sources
	case turn.EventAction:
		f.Type = FrameAction
		f.Intent = ev.Intent
		f.Result = ev.Result
	case turn.EventStream:
		f.Type = FrameStream
		f.Content = ev.Content
	case turn.EventAgentThinking:
		f.Type = FrameAgentThinking
		f.Content = ev.Content
	case turn.EventAgentToolCall:
		f.Type = FrameAgentToolCall
		f.Tool = ev.Tool
		f.Args = ev.Args
	case turn.EventAgentToolResult:
		f.Type = FrameAgentToolResult
		f.Tool = ev.Tool
		f.Result = ev.Result
	case turn.EventResponseText:
		f.Type = FrameResponseText
		f.Text = ev.Text
	case turn.EventError:
		f.Type = FrameError
		f.Message = ev.Message
	case turn.EventDone:
		f.Type = FrameDone
		f.Intent = ev.Intent
		f.TTSHandled = ev.TTSHandled
	default:
		return nil
	}
	return c.send(ctx, f)
}

func (c *conn) ackNotification(f Frame) {
	if c.g.notifier == nil {
		_ = c.send(c.ctx, Frame{Type: FrameError, Message: "notifications are not configured"})
		return
	}
	if _, err := c.g.notifier.Ack(c.ctx, f.NotificationID, f.Action); err != nil {
		if notify.IsNotFound(err) {
			_ = c.send(c.ctx, Frame{Type: FrameError, Message: "unknown notification"})
			return
		}
		slog.Warn("notification ack failed", "notification", f.NotificationID, "error", err)
		_ = c.send(c.ctx, Frame{Type: FrameError, Message: "could not update the notification"})
	}
}

func (c *conn) cancelTurn(sessionID string) {
	c.mu.Lock()
	handle := c.turns[sessionID]
	delete(c.turns, sessionID)
	c.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}
}

func (c *conn) cancelAllTurns() {
	c.mu.Lock()
	handles := make([]*turnHandle, 0, len(c.turns))
	for _, h := range c.turns {
		handles = append(handles, h)
	}
	c.turns = make(map[string]*turnHandle)
	c.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// send queues a frame for the writer. When the bounded channel stays full
// past the stall budget the connection is unhealthy and is closed with a
// backpressure session_end.
func (c *conn) send(ctx context.Context, f Frame) error {
	select {
	case c.out <- f:
		return nil
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.g.cfg.SendStall):
		slog.Warn("slow device, closing connection", "device", c.device.ID)
		c.g.writeDirect(c.ctx, c.ws, Frame{Type: FrameSessionEnd, SessionID: f.SessionID, Reason: "backpressure"})
		c.shutdown(websocket.StatusPolicyViolation, "backpressure")
		return errBackpressure
	}
}

// writeLoop drains the outbound channel onto the socket.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			data, err := f.Encode()
			if err != nil {
				slog.Warn("dropping unencodable frame", "device", c.device.ID, "error", err)
				continue
			}
			if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

// audioSinkFor routes a voice turn's synthesized audio per the output
// policy. Returns nil when nothing in the room can play it.
func (g *Gateway) audioSinkFor(origin Device, sessionID string) turn.AudioSink {
	target, ok := RouteAudioOutput(origin, g.devices.Snapshot())
	if !ok {
		return nil
	}
	c, ok := g.connFor(target.ID)
	if !ok {
		return nil
	}
	return &audioSink{c: c, sessionID: sessionID}
}

// audioSink forwards PCM frames to the routed device as tts_audio frames.
type audioSink struct {
	c         *conn
	sessionID string
}

// SendAudio implements turn.AudioSink.
func (s *audioSink) SendAudio(ctx context.Context, pcm []byte, final bool) error {
	f := Frame{Type: FrameTTSAudio, SessionID: s.sessionID, IsFinal: final}
	if len(pcm) > 0 {
		f.Audio = base64.StdEncoding.EncodeToString(pcm)
	}
	return s.c.send(ctx, f)
}

// channelForDevice maps a device type onto the context-window channel.
func channelForDevice(deviceType string) turn.Channel {
	if strings.HasPrefix(strings.ToLower(deviceType), "satellite") {
		return turn.ChannelSatellite
	}
	return turn.ChannelBrowser
}
