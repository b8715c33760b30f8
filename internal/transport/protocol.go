package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Normal close reason sent by EndCall.
const closeReasonCallEnded = "Call ended"

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type configMessage struct {
	Type   string        `json:"type"`
	Config sessionConfig `json:"config"`
}

type sessionConfig struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverMessage is the union of all JSON messages the voice service sends.
type serverMessage struct {
	Type string `json:"type"`

	// transcript
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// audio: base64 PCM16
	Data string `json:"data,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// latency, milliseconds
	Value *float64 `json:"value,omitempty"`
}

var errMalformedMessage = errors.New("transport: malformed message")

// parseServerMessage decodes a text frame. Audio payloads are returned
// already base64-decoded.
func parseServerMessage(data []byte) (serverMessage, []byte, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, nil, fmt.Errorf("%w: %w", errMalformedMessage, err)
	}
	switch msg.Type {
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return msg, nil, fmt.Errorf("%w: audio payload: %w", errMalformedMessage, err)
		}
		return msg, pcm, nil
	case "latency":
		if msg.Value == nil {
			return msg, nil, fmt.Errorf("%w: latency without value", errMalformedMessage)
		}
	case "":
		return msg, nil, fmt.Errorf("%w: missing type", errMalformedMessage)
	}
	return msg, nil, nil
}
