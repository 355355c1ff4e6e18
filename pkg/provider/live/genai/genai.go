// Package genai implements the live.Transport interface on top of the
// official Google Gen AI SDK's Live client.
//
// It is an alternative to the hand-rolled WebSocket transport in the sibling
// gemini package: the wire protocol is the same, but connection management
// and message encoding are delegated to the SDK.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	gai "google.golang.org/genai"

	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
)

// Compile-time assertions that Transport and channel satisfy the live interfaces.
var _ live.Transport = (*Transport)(nil)
var _ live.Channel = (*channel)(nil)

// ErrSendQueueFull is returned by Send when the outbound queue is saturated.
var ErrSendQueueFull = errors.New("genai: send queue full")

const defaultSendQueue = 32

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
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

// Transport implements live.Transport using the Gen AI SDK.
type Transport struct {
	apiKey    string
	baseURL   string
	sendQueue int

	mu     sync.Mutex
	client *gai.Client
}

// New creates a Transport. The SDK client is created on first Open.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:    apiKey,
		sendQueue: defaultSendQueue,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) sdkClient(ctx context.Context) (*gai.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	cc := &gai.ClientConfig{
		APIKey:  t.apiKey,
		Backend: gai.BackendGeminiAPI,
	}
	if t.baseURL != "" {
		cc.HTTPOptions = gai.HTTPOptions{BaseURL: t.baseURL}
	}
	client, err := gai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	t.client = client
	return client, nil
}

// Open connects a Live session and waits for the setup acknowledgement.
func (t *Transport) Open(ctx context.Context, cfg live.Config, h live.Handlers) (live.Channel, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("genai: open: %w", err)
	}

	client, err := t.sdkClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	sess, err := client.Live.Connect(ctx, cfg.Model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	// Receive has no context parameter; closing the session is the only way
	// to unblock it when ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	err = awaitSetup(sess)
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("genai: setup: %w", err)
	}

	c := &channel{
		sess:     sess,
		handlers: h,
		out:      make(chan *gai.Blob, t.sendQueue),
		done:     make(chan struct{}),
	}
	go c.receiveLoop()
	go c.writeLoop()
	return c, nil
}

func awaitSetup(sess *gai.Session) error {
	for {
		msg, err := sess.Receive()
		if err != nil {
			return err
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func connectConfig(cfg live.Config) *gai.LiveConnectConfig {
	cc := &gai.LiveConnectConfig{
		ResponseModalities: []gai.Modality{gai.Modality(cfg.ResponseModality)},
		SpeechConfig: &gai.SpeechConfig{
			VoiceConfig: &gai.VoiceConfig{
				PrebuiltVoiceConfig: &gai.PrebuiltVoiceConfig{VoiceName: string(cfg.Voice)},
			},
		},
	}
	if cfg.Instructions != "" {
		cc.SystemInstruction = gai.NewContentFromText(cfg.Instructions, gai.RoleUser)
	}
	if cfg.Transcribe {
		cc.InputAudioTranscription = &gai.AudioTranscriptionConfig{}
		cc.OutputAudioTranscription = &gai.AudioTranscriptionConfig{}
	}
	return cc
}

// events translates one SDK message into live events, in protocol order.
func events(msg *gai.LiveServerMessage) []live.ServerEvent {
	var evs []live.ServerEvent
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				switch {
				case p == nil:
				case p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/"):
					evs = append(evs, live.AudioChunk{
						MIMEType: p.InlineData.MIMEType,
						Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
					})
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
	if msg.ToolCall != nil {
		evs = append(evs, live.Other{Kind: "toolCall"})
	}
	if msg.GoAway != nil {
		evs = append(evs, live.Other{Kind: "goAway"})
	}
	if msg.UsageMetadata != nil {
		evs = append(evs, live.Other{Kind: "usageMetadata"})
	}
	return evs
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	sess     *gai.Session
	handlers live.Handlers
	out      chan *gai.Blob
	done     chan struct{} // closed on shutdown to stop writeLoop

	mu       sync.Mutex
	closed   bool
	writeErr error // set by writeLoop; reported by receiveLoop

	terminalOnce sync.Once
}

// receiveLoop is the only goroutine that invokes handlers.
func (c *channel) receiveLoop() {
	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen(c)
	}
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			switch werr := c.writeFailure(); {
			case werr != nil:
				c.terminate(werr)
			case c.isClosed() || normalClosure(err):
				c.terminate(nil)
			default:
				c.terminate(fmt.Errorf("genai: receive: %w", err))
			}
			return
		}
		if c.handlers.OnMessage == nil {
			continue
		}
		for _, ev := range events(msg) {
			c.handlers.OnMessage(ev)
		}
	}
}

// normalClosure reports whether err is the server ending the socket cleanly.
func normalClosure(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

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

// writeLoop hands queued chunks to the SDK. A failed send closes the session;
// receiveLoop then reports the send error through OnError.
func (c *channel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case blob := <-c.out:
			if err := c.sess.SendRealtimeInput(gai.LiveRealtimeInput{Audio: blob}); err != nil {
				c.shutdownWith(fmt.Errorf("genai: send: %w", err))
				return
			}
		}
	}
}

func (c *channel) writeFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) shutdown() { c.shutdownWith(nil) }

// shutdownWith closes the session once. A non-nil writeErr is kept for
// receiveLoop unless the channel was already closing.
func (c *channel) shutdownWith(writeErr error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.writeErr = writeErr
	c.mu.Unlock()

	if writeErr != nil {
		slog.Warn("genai: send failed", "err", writeErr)
	}
	close(c.done)
	_ = c.sess.Close()
}

// Send queues one PCM chunk for the SDK writer.
func (c *channel) Send(chunk audio.EncodedChunk) error {
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("genai: send: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClosed
	}
	select {
	case c.out <- &gai.Blob{MIMEType: chunk.MIMEType, Data: data}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close terminates the session. Idempotent.
func (c *channel) Close() error {
	c.shutdown()
	return nil
}
