package protocol

import (
	"sort"

	"github.com/invopop/jsonschema"
)

// payloadTypes maps each frame type to its payload shape. Frames without a payload map to nil.
var payloadTypes = map[string]any{
	TypeClientHello:          &ClientHello{},
	TypeClientText:           &ClientText{},
	TypeClientAudioStart:     nil,
	TypeClientAudioChunk:     &ClientAudioChunk{},
	TypeClientAudioStop:      nil,
	TypeClientAudioInterrupt: nil,
	TypeClientUIAction:       &ClientUIAction{},
	TypeClientModeUpdate:     &ClientModeUpdate{},

	TypeServerReady:             &ServerReady{},
	TypeServerUIPatch:           &ServerUIPatch{},
	TypeServerTranscriptFinal:   &ServerTranscriptFinal{},
	TypeServerTranscriptPartial: &ServerTranscriptPartial{},
	TypeServerThinking:          &ServerThinking{},
	TypeServerVoiceStart:        nil,
	TypeServerVoiceStop:         nil,
	TypeServerVoiceAudio:        &ServerVoiceAudio{},
	TypeServerHandoff:           &ServerHandoff{},
	TypeServerEvent:             &ServerEvent{},
	TypeServerError:             &ServerError{},
}

type SchemaDocument struct {
	Envelope *jsonschema.Schema            `json:"envelope"`
	Payloads map[string]*jsonschema.Schema `json:"payloads"`
	Types    []string                      `json:"types"`
}

// Schema describes every frame type the gateway sends or accepts.
func Schema() SchemaDocument {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	doc := SchemaDocument{
		Envelope: r.Reflect(&Envelope{}),
		Payloads: make(map[string]*jsonschema.Schema, len(payloadTypes)),
		Types:    make([]string, 0, len(payloadTypes)),
	}
	for typ, payload := range payloadTypes {
		doc.Types = append(doc.Types, typ)
		if payload == nil {
			continue
		}
		doc.Payloads[typ] = r.Reflect(payload)
	}
	sort.Strings(doc.Types)
	return doc
}
