package protocol

import "time"

// SynthesisRequest is the client-to-server message asking for one utterance.
// RequestID is minted by the client and correlates every reply on the wire.
type SynthesisRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
}

// Server-to-client envelope types.
const (
	TypeAck   = "ack"
	TypeChunk = "chunk"
	TypeDone  = "done"
	TypeError = "error"
)

// Error codes surfaced to the client. They mirror the scheduler and model
// failure classes one-to-one.
const (
	CodeNotReady   = "not_ready"
	CodeOverloaded = "overloaded"
	CodeBadRequest = "bad_request"
	CodeSynthesis  = "synthesis_failed"
)

// ServerMessage is the single server-to-client envelope, discriminated by
// Type. PCM is raw little-endian s16 audio; JSON encoding base64s it.
type ServerMessage struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	Sequence   int    `json:"sequence,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	PCM        []byte `json:"pcm,omitempty"`
	Final      bool   `json:"final,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Ack builds the acceptance reply sent as soon as a request is admitted.
func Ack(requestID string) ServerMessage {
	return ServerMessage{Type: TypeAck, RequestID: requestID}
}

// Done builds the terminal marker for a completed stream.
func Done(requestID string) ServerMessage {
	return ServerMessage{Type: TypeDone, RequestID: requestID}
}

// Fail builds the terminal error marker for a failed request.
func Fail(requestID, code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, RequestID: requestID, Code: code, Message: message}
}

// BusRequest is the synthesis request shape used on the NATS front end.
type BusRequest struct {
	RequestID string    `json:"request_id"`
	Text      string    `json:"text"`
	Voice     string    `json:"voice"`
	Timestamp time.Time `json:"timestamp"`
}

// BusStatus reports request completion on the NATS front end.
type BusStatus struct {
	RequestID string    `json:"request_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSynthRequest = "tts.request"
	SubjectSynthAudio   = "tts.audio"
	SubjectSynthDone    = "tts.done"
)
