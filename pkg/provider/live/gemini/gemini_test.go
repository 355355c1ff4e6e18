package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/provider/live"
	"github.com/hawkfranklin/aura/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(conn *websocket.Conn) {
	var raw map[string]any
	_ = readJSON(conn, &raw)
	writeJSON(conn, map[string]any{"setupComplete": map[string]any{}})
}

// recorder collects handler invocations in order.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	events []live.ServerEvent
	errs   []error
	opened chan live.Channel
	ended  chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan live.Channel, 1),
		ended:  make(chan struct{}),
	}
}

func (r *recorder) handlers() live.Handlers {
	return live.Handlers{
		OnOpen: func(ch live.Channel) {
			r.record("open")
			r.opened <- ch
		},
		OnMessage: func(ev live.ServerEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			r.record("message")
		},
		OnClose: func() {
			r.record("close")
			r.once.Do(func() { close(r.ended) })
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.record("error")
			r.once.Do(func() { close(r.ended) })
		},
	}
}

func (r *recorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) snapshot() ([]string, []live.ServerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]live.ServerEvent(nil), r.events...)
}

func (r *recorder) waitEnded(t *testing.T) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for terminal callback")
	}
}

func newTransport(srv *httptest.Server) *gemini.Transport {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

// ── Open ──────────────────────────────────────────────────────────────────────

func TestOpen_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription *struct{} `json:"inputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	query := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var msg setupMsg
		if err := readJSON(conn, &msg); err != nil {
			t.Errorf("read setup: %v", err)
			return
		}
		received <- msg
		writeJSON(conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newTransport(srv).Open(context.Background(), live.Config{
		Voice:      live.VoiceKore,
		Transcribe: true,
	}, live.Handlers{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	msg := <-received
	if want := "models/" + live.DefaultModel; msg.Setup.Model != want {
		t.Errorf("model = %q; want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", got)
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voiceName = %q; want Kore", got)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != live.DefaultInstructions {
		t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil {
		t.Error("expected inputAudioTranscription to be requested")
	}
	if q := <-query; !strings.Contains(q, "key=test-api-key") {
		t.Errorf("URL query %q should contain key=test-api-key", q)
	}
}

func TestOpen_HandshakeErrorFiresNoCallbacks(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		_ = readJSON(conn, &raw)
		writeJSON(conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	_, err := newTransport(srv).Open(context.Background(), live.Config{}, rec.handlers())
	if err == nil {
		t.Fatal("expected error from Open")
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("error %q should carry server message", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls, _ := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected no callbacks, got %v", calls)
	}
}

func TestOpen_ContextCancelledDuringHandshake(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		_ = readJSON(conn, &raw)
		// Never acknowledge.
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := newTransport(srv).Open(ctx, live.Config{}, live.Handlers{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Open error = %v; want context.DeadlineExceeded", err)
	}
}

func TestOpen_InvalidVoice(t *testing.T) {
	t.Parallel()
	_, err := gemini.New("k").Open(context.Background(), live.Config{Voice: "Nobody"}, live.Handlers{})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestReceive_TranslatesEventsInOrder(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(conn)
		writeJSON(conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "BBBB"}},
					},
				},
			},
		})
		writeJSON(conn, map[string]any{
			"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "hello"}},
		})
		writeJSON(conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(conn, map[string]any{"somethingNew": map[string]any{}})
		writeJSON(conn, map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	})

	rec := newRecorder()
	ch, err := newTransport(srv).Open(context.Background(), live.Config{}, rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	rec.waitEnded(t)

	calls, events := rec.snapshot()
	if calls[0] != "open" {
		t.Errorf("first callback = %q; want open", calls[0])
	}
	if last := calls[len(calls)-1]; last != "close" {
		t.Errorf("last callback = %q; want close", last)
	}

	want := []live.ServerEvent{
		live.AudioChunk{MIMEType: "audio/pcm;rate=24000", Data: "AAAA"},
		live.AudioChunk{MIMEType: "audio/pcm;rate=24000", Data: "BBBB"},
		live.Transcript{Role: live.RoleModel, Text: "hello"},
		live.Interrupted{},
		live.TurnComplete{},
		live.Other{Kind: "goAway"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v; want %d", len(events), events, len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %#v; want %#v", i, events[i], want[i])
		}
	}
}

func TestReceive_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(conn)
		writeJSON(conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	ch, err := newTransport(srv).Open(context.Background(), live.Config{}, rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitEnded(t)
	_ = ch.Close()
	time.Sleep(50 * time.Millisecond)

	calls, _ := rec.snapshot()
	if got := strings.Join(calls, ","); got != "open,error" {
		t.Errorf("callbacks = %s; want open,error", got)
	}
}

func TestReceive_AbnormalCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(conn)
		_ = conn.Close(websocket.StatusPolicyViolation, "quota exceeded")
	})

	rec := newRecorder()
	ch, err := newTransport(srv).Open(context.Background(), live.Config{}, rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()
	rec.waitEnded(t)

	calls, _ := rec.snapshot()
	if calls[len(calls)-1] != "error" {
		t.Errorf("callbacks = %v; want terminal error", calls)
	}
}

// ── Send / Close ──────────────────────────────────────────────────────────────

func TestSend_EncodesRealtimeInput(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(conn)
		var msg realtimeInput
		if err := readJSON(conn, &msg); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	_, err := newTransport(srv).Open(context.Background(), live.Config{}, rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch := <-rec.opened
	defer ch.Close()

	chunk := audio.EncodeFrame(audio.AudioFrame{Samples: []float32{0, 0.5}, SampleRate: 16000})
	if err := ch.Send(chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-got:
		mc := msg.RealtimeInput.MediaChunks
		if len(mc) != 1 {
			t.Fatalf("got %d media chunks; want 1", len(mc))
		}
		if mc[0].MIMEType != "audio/pcm;rate=16000" || mc[0].Data != chunk.Data {
			t.Errorf("media chunk = %+v; want %+v", mc[0], chunk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestClose_FiresOnCloseOnceAndRejectsSend(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	ch, err := newTransport(srv).Open(context.Background(), live.Config{}, rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-rec.opened

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	rec.waitEnded(t)

	if err := ch.Send(audio.EncodedChunk{MIMEType: "audio/pcm;rate=16000"}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close = %v; want ErrClosed", err)
	}

	time.Sleep(50 * time.Millisecond)
	calls, _ := rec.snapshot()
	if got := strings.Join(calls, ","); got != "open,close" {
		t.Errorf("callbacks = %s; want open,close", got)
	}
}

func TestWriteFailure_IsTerminalError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	ch, err := newTransport(srv).Open(context.Background(), live.Config{}, rec.handlers())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-rec.opened

	writeErr := errors.New("broken pipe")
	gemini.FailWrite(ch, writeErr)
	rec.waitEnded(t)

	if err := ch.Send(audio.EncodedChunk{MIMEType: "audio/pcm;rate=16000"}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after write failure = %v; want ErrClosed", err)
	}
	calls, _ := rec.snapshot()
	if got := strings.Join(calls, ","); got != "open,error" {
		t.Errorf("callbacks = %s; want open,error", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], writeErr) {
		t.Errorf("errors = %v; want the write failure", rec.errs)
	}
}
