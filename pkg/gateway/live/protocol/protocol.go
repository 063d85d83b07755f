package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeClientHello          = "client.hello"
	TypeClientText           = "client.text"
	TypeClientAudioStart     = "client.audio.start"
	TypeClientAudioChunk     = "client.audio.chunk"
	TypeClientAudioStop      = "client.audio.stop"
	TypeClientAudioInterrupt = "client.audio.interrupt"
	TypeClientUIAction       = "client.ui.action"
	TypeClientModeUpdate     = "client.mode.update"

	TypeServerReady             = "server.ready"
	TypeServerUIPatch           = "server.ui.patch"
	TypeServerTranscriptFinal   = "server.transcript.final"
	TypeServerTranscriptPartial = "server.transcript.partial"
	TypeServerThinking          = "server.agent.thinking"
	TypeServerVoiceStart        = "server.voice.start"
	TypeServerVoiceStop         = "server.voice.stop"
	TypeServerVoiceAudio        = "server.voice.audio"
	TypeServerHandoff           = "server.handoff"
	TypeServerEvent             = "server.event"
	TypeServerError             = "server.error"
)

// Version is the wire protocol revision this build speaks.
const Version = "1"

// Close codes beyond the RFC 6455 range.
const (
	CloseUnknownAgent = 4000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Envelope is the frame shape in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	TS        int64           `json:"ts,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ClientHello struct {
	Agent  string `json:"agent,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Device string `json:"device,omitempty"`
}

type ClientText struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

type ClientAudioStart struct{}

type ClientAudioChunk struct {
	// Data is base64 audio.
	Data string `json:"data"`
}

type ClientAudioStop struct{}

type ClientAudioInterrupt struct{}

type ClientUIAction struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

type ClientModeUpdate struct {
	Mode   string `json:"mode,omitempty"`
	Device string `json:"device,omitempty"`
}

// DecodeClientMessage parses one inbound frame into its typed payload.
func DecodeClientMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeClientHello:
		var msg ClientHello
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, badRequest("invalid client.hello payload", "payload")
		}
		msg.Agent = strings.TrimSpace(msg.Agent)
		if err := validateModeDevice(msg.Mode, msg.Device); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, badRequest("invalid client.text payload", "payload")
		}
		msg.Image = StripDataURL(msg.Image)
		if strings.TrimSpace(msg.Text) == "" && msg.Image == "" {
			return nil, badRequest("client.text requires text or image", "payload.text")
		}
		return msg, nil
	case TypeClientAudioStart:
		return ClientAudioStart{}, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, badRequest("invalid client.audio.chunk payload", "payload")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("client.audio.chunk.data is required", "payload.data")
		}
		return msg, nil
	case TypeClientAudioStop:
		return ClientAudioStop{}, nil
	case TypeClientAudioInterrupt:
		return ClientAudioInterrupt{}, nil
	case TypeClientUIAction:
		var msg ClientUIAction
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, badRequest("invalid client.ui.action payload", "payload")
		}
		msg.ID = strings.TrimSpace(msg.ID)
		if msg.ID == "" {
			return nil, badRequest("client.ui.action.id is required", "payload.id")
		}
		if msg.Data == nil {
			msg.Data = map[string]any{}
		}
		return msg, nil
	case TypeClientModeUpdate:
		var msg ClientModeUpdate
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, badRequest("invalid client.mode.update payload", "payload")
		}
		if err := validateModeDevice(msg.Mode, msg.Device); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func validateModeDevice(mode, device string) error {
	switch strings.TrimSpace(mode) {
	case "", "voice", "text":
	default:
		return badRequest("mode must be voice or text", "payload.mode")
	}
	switch strings.TrimSpace(device) {
	case "", "desktop", "mobile":
	default:
		return badRequest("device must be desktop or mobile", "payload.device")
	}
	return nil
}

// StripDataURL removes a data: URL prefix, leaving the base64 body.
func StripDataURL(image string) string {
	image = strings.TrimSpace(image)
	if strings.HasPrefix(image, "data:") {
		if _, body, ok := strings.Cut(image, ","); ok {
			return body
		}
	}
	return image
}

type ServerReady struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
	Device    string `json:"device"`
}

type ServerUIPatch struct {
	SurfaceID  string         `json:"surfaceId"`
	Components []any          `json:"components"`
	Meta       map[string]any `json:"meta,omitempty"`
	Flags      UIFlags        `json:"flags"`
}

// UIFlags are derived from session state when a patch is delivered.
type UIFlags struct {
	AgentID     string `json:"agentId"`
	Mode        string `json:"mode"`
	Device      string `json:"device"`
	ShowSupport bool   `json:"showSupport"`
}

type ServerTranscriptFinal struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

type ServerTranscriptPartial struct {
	Text string `json:"text"`
}

type ServerThinking struct {
	State string `json:"state"`
}

type ServerVoiceAudio struct {
	Data string `json:"data"`
}

type ServerHandoff struct {
	AgentID string `json:"agentId"`
}

// ServerEvent wraps an engine event the gateway has no dedicated frame for.
type ServerEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds an outbound frame. A nil payload is omitted.
func Encode(typ, sessionID string, payload any, now time.Time) ([]byte, error) {
	env := Envelope{Type: typ, TS: now.UnixMilli(), SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
