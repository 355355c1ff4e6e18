package session

import (
	"fmt"
	"time"
)

// Status is the connection status of a live session.
type Status int

const (
	// StatusInitializing is the status of a session whose audio devices are
	// being opened.
	StatusInitializing Status = iota

	// StatusConnecting means the transport handshake is in flight.
	StatusConnecting

	// StatusOpen means the transport reported open and capture is running.
	StatusOpen

	// StatusClosed is terminal: the connection closed normally.
	StatusClosed

	// StatusError is terminal: the devices or the transport failed.
	StatusError
)

// Status strings shown on the local signal surface.
const (
	TextInitializing = "Initializing…"
	TextConnecting   = "Connecting…"
	TextListening    = "Connected. Listening…"
	TextClosed       = "Connection closed."
	TextError        = "Error occurred."
	TextAudioFailed  = "Failed to initialize audio."
)

// String returns a lower-case name for s.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusError }

// State is a point-in-time copy of a session's mutable record.
type State struct {
	// ID uniquely identifies the session.
	ID string

	// Status is the connection status.
	Status Status

	// StatusText is the human-readable status line.
	StatusText string

	// MicEnabled gates capture. Frames captured while false are dropped.
	MicEnabled bool

	// NextPlaybackCursor is the output-clock time at which the next inbound
	// chunk may start. Zero after an interruption.
	NextPlaybackCursor time.Duration

	// Level is the latest 0–100 volume meter reading.
	Level float64

	// UserTranscript and ModelTranscript hold the latest transcription
	// fragments reported by the agent.
	UserTranscript  string
	ModelTranscript string

	// StartedAt is when Start was called; zero before that.
	StartedAt time.Time

	// Err describes the failure of a session in StatusError.
	Err string
}
