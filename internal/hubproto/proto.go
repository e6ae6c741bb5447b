// Package hubproto defines the JSON envelope exchanged between a relay node
// and the registry on the WebSocket heartbeat channel.
//
// The node sends one [KindHeartbeat] frame per interval and the server
// answers each with exactly one [KindHeartbeatResult] or [KindError] frame.
// Once a result reports a delivered assignment the server closes the
// connection normally.
package hubproto

import (
	"errors"
	"fmt"

	"github.com/koltyakov/relayhub/internal/domain"
)

// Message kinds identify the payload carried by a [Message].
const (
	KindHeartbeat       = "heartbeat"
	KindHeartbeatResult = "heartbeat_result"
	KindError           = "error"
)

// ErrInvalidFrame marks a frame that decoded but violates the envelope rules.
var ErrInvalidFrame = errors.New("invalid frame")

// Message is the envelope exchanged on the heartbeat WebSocket.
type Message struct {
	Kind      string                    `json:"kind"`
	Seq       uint64                    `json:"seq,omitempty"`
	Result    *domain.HeartbeatResponse `json:"heartbeat_result,omitempty"`
	Error     string                    `json:"error,omitempty"`
	ErrorCode string                    `json:"error_code,omitempty"`
}

// Heartbeat builds a heartbeat request frame.
func Heartbeat(seq uint64) Message {
	return Message{Kind: KindHeartbeat, Seq: seq}
}

// Result builds the answer to heartbeat seq.
func Result(seq uint64, res domain.HeartbeatResponse) Message {
	return Message{Kind: KindHeartbeatResult, Seq: seq, Result: &res}
}

// Error builds an error frame answering seq.
func Error(seq uint64, code, text string) Message {
	return Message{Kind: KindError, Seq: seq, Error: text, ErrorCode: code}
}

// Validate checks that the envelope carries the payload its kind requires.
func (m Message) Validate() error {
	switch m.Kind {
	case KindHeartbeat:
		return nil
	case KindHeartbeatResult:
		if m.Result == nil {
			return fmt.Errorf("%w: %s frame without result", ErrInvalidFrame, m.Kind)
		}
		return nil
	case KindError:
		if m.ErrorCode == "" && m.Error == "" {
			return fmt.Errorf("%w: %s frame without error", ErrInvalidFrame, m.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("%w: frame without kind", ErrInvalidFrame)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, m.Kind)
}
