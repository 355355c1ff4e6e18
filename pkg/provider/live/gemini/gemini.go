// Package gemini implements the live.Transport interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM chunks in both
// directions.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
)

// Compile-time assertions that Transport and channel satisfy the live interfaces.
var _ live.Transport = (*Transport)(nil)
var _ live.Channel = (*channel)(nil)

// ErrSendQueueFull is returned by Send when the outbound queue is saturated,
// which happens when the network cannot keep up with capture.
var ErrSendQueueFull = errors.New("gemini: send queue full")

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultKeepalive  = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	defaultSendQueue  = 32
	defaultReadLimit  = 8 << 20 // synthesized audio frames exceed the library default
	closeFrameTimeout = 2 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithKeepalive sets the interval between WebSocket pings. Zero disables
// keepalive pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// WithSendQueue sets the number of outbound chunks buffered before Send
// starts returning [ErrSendQueueFull].
func WithSendQueue(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.sendQueue = n
		}
	}
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements live.Transport for Google's Gemini Live API.
type Transport struct {
	apiKey    string
	baseURL   string
	keepalive time.Duration
	sendQueue int
}

// New creates a new Gemini Live Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		keepalive: defaultKeepalive,
		sendQueue: defaultSendQueue,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Open dials the Live endpoint, sends the setup message and waits for the
// server's setupComplete acknowledgement. No handler fires unless Open
// succeeds.
func (t *Transport) Open(ctx context.Context, cfg live.Config, h live.Handlers) (live.Channel, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gemini: open: %w", err)
	}

	wsURL := strings.TrimSuffix(t.baseURL, "/") + bidiPath + "?key=" + url.QueryEscape(t.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)

	if err := handshake(ctx, conn, cfg); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	chCtx, cancel := context.WithCancel(context.Background())
	c := &channel{
		conn:     conn,
		handlers: h,
		out:      make(chan []byte, t.sendQueue),
		done:     make(chan struct{}),
		ctx:      chCtx,
		cancel:   cancel,
	}
	go c.receiveLoop()
	go c.writeLoop()
	if t.keepalive > 0 {
		go c.keepaliveLoop(t.keepalive)
	}
	return c, nil
}

// handshake sends the setup message and blocks until setupComplete arrives.
func handshake(ctx context.Context, conn *websocket.Conn, cfg live.Config) error {
	data, err := json.Marshal(newSetupMessage(cfg))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

func newSetupMessage(cfg live.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(cfg.Model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{cfg.ResponseModality},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: string(cfg.Voice)},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *json.RawMessage `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	GoAway               *json.RawMessage `json:"goAway,omitempty"`
	UsageMetadata        *json.RawMessage `json:"usageMetadata,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return "gemini: " + msg
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// events translates one server message into live events, in protocol order.
func (m *serverMessage) events() []live.ServerEvent {
	var evs []live.ServerEvent
	if sc := m.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				switch {
				case p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/"):
					evs = append(evs, live.AudioChunk{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
				case p.Text != "":
					evs = append(evs, live.Other{Kind: "text"})
				}
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			evs = append(evs, live.Transcript{Role: live.RoleUser, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			evs = append(evs, live.Transcript{Role: live.RoleModel, Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			evs = append(evs, live.Interrupted{})
		}
		if sc.TurnComplete {
			evs = append(evs, live.TurnComplete{})
		}
	}
	if m.ToolCall != nil {
		evs = append(evs, live.Other{Kind: "toolCall"})
	}
	if m.ToolCallCancellation != nil {
		evs = append(evs, live.Other{Kind: "toolCallCancellation"})
	}
	if m.GoAway != nil {
		evs = append(evs, live.Other{Kind: "goAway"})
	}
	if m.UsageMetadata != nil {
		evs = append(evs, live.Other{Kind: "usageMetadata"})
	}
	return evs
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn     *websocket.Conn
	handlers live.Handlers
	out      chan []byte
	done     chan struct{} // closed when receiveLoop exits

	mu       sync.Mutex
	closed   bool
	writeErr error // set by writeLoop; reported by receiveLoop

	ctx          context.Context
	cancel       context.CancelFunc
	terminalOnce sync.Once
}

// receiveLoop is the only goroutine that invokes handlers. It fires OnOpen,
// then one OnMessage per event, then exactly one terminal callback.
func (c *channel) receiveLoop() {
	defer close(c.done)

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen(c)
	}

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			switch werr := c.writeFailure(); {
			case werr != nil:
				c.terminate(werr)
			case c.isClosed() || websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				c.terminate(nil)
			default:
				c.terminate(fmt.Errorf("gemini: read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if msg.Error != nil {
			c.terminate(msg.Error)
			return
		}
		if c.handlers.OnMessage == nil {
			continue
		}
		for _, ev := range msg.events() {
			c.handlers.OnMessage(ev)
		}
	}
}

// terminate marks the channel closed, releases the connection and fires the
// terminal callback once.
func (c *channel) terminate(err error) {
	c.terminalOnce.Do(func() {
		c.shutdown()
		if err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			return
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose()
		}
	})
}

// writeLoop drains the outbound queue onto the socket. A failed write drops
// the connection; receiveLoop then reports the write error through OnError.
func (c *channel) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() == nil {
					c.failWrite(fmt.Errorf("gemini: write: %w", err))
				}
				return
			}
		}
	}
}

// failWrite records err unless the channel is already closing and aborts the
// connection so the blocked Read returns.
func (c *channel) failWrite(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.writeErr = err
	c.mu.Unlock()

	slog.Warn("gemini: write failed", "err", err)
	c.conn.CloseNow()
	c.cancel()
}

func (c *channel) writeFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.conn.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Warn("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown marks the channel closed and tears down the socket. Safe to call
// more than once.
func (c *channel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	// Close sends a close frame and waits for the peer; bound that wait so a
	// dead peer cannot stall teardown.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	}()
	select {
	case <-closed:
	case <-time.After(closeFrameTimeout):
		c.conn.CloseNow()
	}
	c.cancel()
}

// ── live.Channel methods ───────────────────────────────────────────────────────

// Send queues one PCM chunk as a realtimeInput message.
func (c *channel) Send(chunk audio.EncodedChunk) error {
	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClosed
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close terminates the channel. Idempotent. OnClose fires on the receive
// goroutine unless a terminal callback already fired.
func (c *channel) Close() error {
	c.shutdown()
	return nil
}
