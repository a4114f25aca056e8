package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeErrorCode classifies why a control message was rejected.
type DecodeErrorCode string

const (
	CodeMalformed    DecodeErrorCode = "malformed"
	CodeMissingType  DecodeErrorCode = "missing_type"
	CodeUnknownType  DecodeErrorCode = "unknown_type"
	CodeInvalidField DecodeErrorCode = "invalid_field"
)

// DecodeError is returned by [Decode] for input that cannot be turned into a
// [Message].
type DecodeError struct {
	Code    DecodeErrorCode
	Type    string
	Field   string
	Message string
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("protocol: %s: %s.%s: %s", e.Code, e.Type, e.Field, e.Message)
	case e.Type != "":
		return fmt.Sprintf("protocol: %s: %s: %s", e.Code, e.Type, e.Message)
	default:
		return fmt.Sprintf("protocol: %s: %s", e.Code, e.Message)
	}
}

// envelope is the flat wire shape shared by every message type.
type envelope struct {
	Type string `json:"type"`

	// handshake / utterance.start
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	FrameMs    int    `json:"frameMs,omitempty"`

	// meter
	Level *float64 `json:"level,omitempty"`

	// error / hello
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`

	// hello
	SessionID string `json:"sessionId,omitempty"`

	// transcript
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// Fields only read from legacy and realtime servers.
	Detail     json.RawMessage `json:"error,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Echo       string          `json:"echo,omitempty"`
}

// errorText returns the error description, taken from "message" or else from
// an "error" field holding either a string or an object with a message.
func (e *envelope) errorText() string {
	if e.Message != "" || len(e.Detail) == 0 {
		return e.Message
	}
	var s string
	if json.Unmarshal(e.Detail, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Detail, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(e.Detail)
}

// Encode serialises msg as a single JSON object.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: encode: nil message")
	}
	env := envelope{Type: string(msg.MessageType())}
	switch m := msg.(type) {
	case Handshake:
		env.Encoding, env.SampleRate, env.Channels, env.FrameMs = m.Encoding, m.SampleRate, m.Channels, m.FrameMs
	case UtteranceStart:
		env.SampleRate, env.Channels = m.SampleRate, m.Channels
	case Meter:
		lvl := m.Level
		env.Level = &lvl
	case Error:
		env.Message, env.Fatal = m.Message, m.Fatal
	case Hello:
		env.SessionID, env.Message = m.SessionID, m.Message
	case Transcript:
		env.Role, env.Text, env.Final = m.Role, m.Text, m.Final
	case Info:
		env.Message = m.Message
	case BargeIn, InputCommit, InputClear, UtteranceEnd:
	default:
		return nil, fmt.Errorf("protocol: encode: unsupported message %T", msg)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Type, err)
	}
	return b, nil
}

// Decode parses a JSON control message. Alternate type spellings are mapped to
// their canonical type. Any failure is a [*DecodeError].
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Code: CodeMalformed, Message: err.Error()}
	}
	if env.Type == "" {
		return nil, &DecodeError{Code: CodeMissingType, Message: "message has no type"}
	}
	switch env.Type {
	case typeFinalTranscript:
		return Transcript{Role: transcriptRoleUser, Text: env.Text, Final: true}, nil
	case typeTranscriptionDelta:
		return Transcript{Role: transcriptRoleUser, Text: env.Delta}, nil
	case typeTranscriptionDone:
		return Transcript{Role: transcriptRoleUser, Text: env.Transcript, Final: true}, nil
	}
	t := Type(env.Type)
	if canon, ok := aliases[env.Type]; ok {
		t = canon
	}

	invalid := func(field, format string, args ...any) error {
		return &DecodeError{Code: CodeInvalidField, Type: string(t), Field: field, Message: fmt.Sprintf(format, args...)}
	}

	switch t {
	case TypeHandshake:
		if env.Encoding == "" {
			return nil, invalid("encoding", "required")
		}
		if env.SampleRate <= 0 {
			return nil, invalid("sampleRate", "must be positive, got %d", env.SampleRate)
		}
		if env.Channels <= 0 {
			return nil, invalid("channels", "must be positive, got %d", env.Channels)
		}
		if env.FrameMs <= 0 {
			return nil, invalid("frameMs", "must be positive, got %d", env.FrameMs)
		}
		return Handshake{Encoding: env.Encoding, SampleRate: env.SampleRate, Channels: env.Channels, FrameMs: env.FrameMs}, nil

	case TypeUtteranceStart:
		if env.SampleRate < 0 {
			return nil, invalid("sampleRate", "must not be negative, got %d", env.SampleRate)
		}
		if env.Channels < 0 || env.Channels > 8 {
			return nil, invalid("channels", "must be in [0, 8], got %d", env.Channels)
		}
		return UtteranceStart{SampleRate: env.SampleRate, Channels: env.Channels}, nil

	case TypeMeter:
		if env.Level == nil {
			return nil, invalid("level", "required")
		}
		if *env.Level < 0 || *env.Level > 1 {
			return nil, invalid("level", "must be in [0, 1], got %v", *env.Level)
		}
		return Meter{Level: *env.Level}, nil

	case TypeError:
		return Error{Message: env.errorText(), Fatal: env.Fatal}, nil
	case TypeInfo:
		msg := env.Message
		if msg == "" {
			msg = env.Echo
		}
		return Info{Message: msg}, nil
	case TypeHello:
		return Hello{SessionID: env.SessionID, Message: env.Message}, nil
	case TypeTranscript:
		return Transcript{Role: env.Role, Text: env.Text, Final: env.Final}, nil
	case TypeUtteranceEnd:
		return UtteranceEnd{}, nil
	case TypeBargeIn:
		return BargeIn{}, nil
	case TypeInputCommit:
		return InputCommit{}, nil
	case TypeInputClear:
		return InputClear{}, nil
	default:
		return nil, &DecodeError{Code: CodeUnknownType, Type: env.Type, Message: "unknown message type"}
	}
}
