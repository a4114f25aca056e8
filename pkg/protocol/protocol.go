// Package protocol defines the JSON control-plane messages exchanged with the
// remote speech service over the duplex channel.
//
// Control messages travel as text frames; audio travels as binary frames and
// never passes through this package. Every message carries a "type" field;
// the remaining fields depend on the type. [Decode] is strict about ranges
// and returns a [*DecodeError] for anything it cannot use, so callers can log
// and drop the message without tearing down the session.
package protocol

// Type is the value of a control message's "type" field.
type Type string

const (
	// TypeHandshake (client→server) declares the uplink audio format. It is
	// always the first message on a new channel.
	TypeHandshake Type = "handshake"

	// TypeBargeIn (client→server) asks the server to cancel the current
	// utterance.
	TypeBargeIn Type = "barge_in"

	// TypeInputCommit (client→server) marks the end of the user's turn.
	TypeInputCommit Type = "input_audio_buffer.commit"

	// TypeInputClear (client→server) discards audio the server has buffered
	// for the current turn.
	TypeInputClear Type = "input_audio_buffer.clear"

	// TypeHello (server→client) greets the client after the handshake.
	TypeHello Type = "hello"

	// TypeUtteranceStart (server→client) announces downlink audio.
	TypeUtteranceStart Type = "utterance.start"

	// TypeUtteranceEnd (server→client) marks the end of downlink audio, either
	// naturally or as confirmation of a barge-in.
	TypeUtteranceEnd Type = "utterance.end"

	// TypeMeter (server→client) carries a cosmetic playback level.
	TypeMeter Type = "meter"

	// TypeError (server→client) reports a fatal or non-fatal error.
	TypeError Type = "error"

	// TypeTranscript (server→client) carries recognised or synthesised text.
	TypeTranscript Type = "transcript"

	// TypeInfo (server→client) is an informational notice with no effect on
	// the session.
	TypeInfo Type = "info"
)

// aliases maps legacy or alternate spellings onto canonical types. They are
// accepted by Decode and never produced by Encode.
var aliases = map[string]Type{
	"tts.start":       TypeUtteranceStart,
	"tts.end":         TypeUtteranceEnd,
	"tts.end2":        TypeUtteranceEnd,
	"utterance-start": TypeUtteranceStart,
	"utterance-end":   TypeUtteranceEnd,
	"barge-in":        TypeBargeIn,
	"session.created": TypeInfo,
}

// Transcript events emitted by realtime transcription backends and relayed
// verbatim by some servers.
const (
	typeFinalTranscript    = "final_transcript"
	typeTranscriptionDelta = "conversation.item.input_audio_transcription.delta"
	typeTranscriptionDone  = "conversation.item.input_audio_transcription.completed"
	transcriptRoleUser     = "user"
)

// Message is implemented by every control message.
type Message interface {
	MessageType() Type
}

// Handshake declares the uplink format.
type Handshake struct {
	Encoding   string
	SampleRate int
	Channels   int
	FrameMs    int
}

// BargeIn requests cancellation of the current remote utterance.
type BargeIn struct{}

// InputCommit ends the user's turn.
type InputCommit struct{}

// InputClear discards buffered user audio on the server.
type InputClear struct{}

// Hello is the server greeting.
type Hello struct {
	SessionID string
	Message   string
}

// UtteranceStart begins downlink playback scheduling. Zero SampleRate or
// Channels means the channel's negotiated downlink defaults.
type UtteranceStart struct {
	SampleRate int
	Channels   int
}

// UtteranceEnd completes a downlink utterance.
type UtteranceEnd struct{}

// Meter is a cosmetic playback level in [0, 1].
type Meter struct {
	Level float64
}

// Error describes a server-side error. Fatal errors end the session.
type Error struct {
	Message string
	Fatal   bool
}

// Info is a server notice that is logged and otherwise ignored.
type Info struct {
	Message string
}

// Transcript carries text for the current turn. Final is false for partial
// hypotheses.
type Transcript struct {
	Role  string
	Text  string
	Final bool
}

func (Handshake) MessageType() Type      { return TypeHandshake }
func (BargeIn) MessageType() Type        { return TypeBargeIn }
func (InputCommit) MessageType() Type    { return TypeInputCommit }
func (InputClear) MessageType() Type     { return TypeInputClear }
func (Hello) MessageType() Type          { return TypeHello }
func (UtteranceStart) MessageType() Type { return TypeUtteranceStart }
func (UtteranceEnd) MessageType() Type   { return TypeUtteranceEnd }
func (Meter) MessageType() Type          { return TypeMeter }
func (Error) MessageType() Type          { return TypeError }
func (Transcript) MessageType() Type     { return TypeTranscript }
func (Info) MessageType() Type           { return TypeInfo }
