// Package live defines the Transport interface for duplex audio connections
// to a remote generative voice agent.
//
// A transport opens one long-lived [Channel] per session. Microphone audio is
// streamed upward with [Channel.Send]; everything coming back from the agent
// (synthesized speech, interruption notices, turn boundaries, transcripts) is
// delivered as a [ServerEvent] through the [Handlers] supplied to
// [Transport.Open].
//
// Callback contract shared by every implementation:
//
//   - OnOpen fires exactly once, after the remote handshake has completed and
//     before any OnMessage. It receives the Channel, so code that needs to
//     send can only obtain it once sending is legal.
//   - OnMessage fires once per event, strictly in arrival order, from a single
//     goroutine.
//   - OnClose and OnError are terminal. At most one of them fires, and no
//     callback fires after it.
//   - If Open returns an error no callback fires at all.
//
// There is no automatic reconnect. A terminal callback ends the channel for
// good; callers open a new one if they want to carry on.
package live

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hawkfranklin/aura/pkg/audio"
)

// ErrClosed is returned by [Channel.Send] once the channel has closed.
var ErrClosed = errors.New("live: channel closed")

// Defaults applied by [Config.WithDefaults].
const (
	DefaultModel        = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice        = VoiceZephyr
	DefaultInstructions = "You are Aura, the user's personal AI voice assistant. Be professional, concise, and helpful."

	// ModalityAudio is the only response modality a live session requests.
	ModalityAudio = "AUDIO"
)

// Voice names one of the agent's prebuilt voices.
type Voice string

const (
	VoiceAoede  Voice = "Aoede"
	VoiceCharon Voice = "Charon"
	VoiceFenrir Voice = "Fenrir"
	VoiceKore   Voice = "Kore"
	VoiceLeda   Voice = "Leda"
	VoiceOrus   Voice = "Orus"
	VoicePuck   Voice = "Puck"
	VoiceZephyr Voice = "Zephyr"
)

// Voices returns every supported prebuilt voice.
func Voices() []Voice {
	return []Voice{VoiceAoede, VoiceCharon, VoiceFenrir, VoiceKore, VoiceLeda, VoiceOrus, VoicePuck, VoiceZephyr}
}

// ParseVoice resolves name case-insensitively. An empty name yields
// [DefaultVoice].
func ParseVoice(name string) (Voice, error) {
	if name == "" {
		return DefaultVoice, nil
	}
	for _, v := range Voices() {
		if strings.EqualFold(string(v), name) {
			return v, nil
		}
	}
	return "", fmt.Errorf("live: unknown voice %q", name)
}

// Config is the per-session configuration sent during the handshake.
type Config struct {
	// Model is the vendor model identifier.
	Model string

	// Voice selects the prebuilt voice used for synthesized speech.
	Voice Voice

	// Instructions is the system instruction for the agent.
	Instructions string

	// ResponseModality is always [ModalityAudio] for a live session.
	ResponseModality string

	// Transcribe asks the agent to also send text transcripts of both sides
	// of the conversation as [Transcript] events.
	Transcribe bool
}

// WithDefaults returns a copy of c with empty fields filled in.
func (c Config) WithDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.ResponseModality == "" {
		c.ResponseModality = ModalityAudio
	}
	return c
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("live: model is required"))
	}
	if _, err := ParseVoice(string(c.Voice)); err != nil {
		errs = append(errs, err)
	}
	if c.ResponseModality != "" && c.ResponseModality != ModalityAudio {
		errs = append(errs, fmt.Errorf("live: unsupported response modality %q", c.ResponseModality))
	}
	return errors.Join(errs...)
}

// Handlers receive channel lifecycle and server events. Nil fields are
// skipped.
type Handlers struct {
	OnOpen    func(Channel)
	OnMessage func(ServerEvent)
	OnClose   func()
	OnError   func(error)
}

// Channel is an open duplex connection.
//
// Implementations must be safe for concurrent use.
type Channel interface {
	// Send transmits one encoded audio chunk. It never waits for the network:
	// the chunk is queued and written in the background. Returns [ErrClosed]
	// after the channel has closed.
	Send(chunk audio.EncodedChunk) error

	// Close shuts the channel down. It is idempotent; the first call causes
	// OnClose to fire unless a terminal callback already fired.
	Close() error
}

// Transport opens channels to a remote agent.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Open connects and performs the handshake, returning once the remote
	// side has acknowledged setup. It returns an error, firing no callbacks,
	// if the connection or handshake fails or ctx is cancelled first.
	Open(ctx context.Context, cfg Config, h Handlers) (Channel, error)
}

// ─── Server events ────────────────────────────────────────────────────────────

// ServerEvent is one message received from the agent. The concrete type is
// one of [AudioChunk], [Interrupted], [TurnComplete], [Transcript], or
// [Other].
type ServerEvent interface {
	isServerEvent()
}

// AudioChunk carries one encoded chunk of synthesized speech.
type AudioChunk struct {
	MIMEType string
	Data     string
}

// Encoded returns the chunk as an [audio.EncodedChunk].
func (a AudioChunk) Encoded() audio.EncodedChunk {
	return audio.EncodedChunk{MIMEType: a.MIMEType, Data: a.Data}
}

// Interrupted signals that the agent stopped its current utterance because
// the user started speaking.
type Interrupted struct{}

// TurnComplete signals the end of the agent's turn.
type TurnComplete struct{}

// Role identifies the speaker of a [Transcript].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Transcript is recognized text for one side of the conversation.
type Transcript struct {
	Role Role
	Text string
}

// Other is any recognized message the session does not act on.
type Other struct {
	Kind string
}

func (AudioChunk) isServerEvent()   {}
func (Interrupted) isServerEvent()  {}
func (TurnComplete) isServerEvent() {}
func (Transcript) isServerEvent()   {}
func (Other) isServerEvent()        {}
