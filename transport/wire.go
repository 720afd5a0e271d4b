// Package transport delivers fan-in events to clients. Events are encoded
// into the JSON wire messages below and written one at a time, flushing after
// each, so palettes reach the client as soon as they are extracted.
//
//	{"type":"session","sessionId":"<id>","version":<int>}
//	{"type":"palette","colors":["#rrggbb",...],"modelKey":"<id>"}
//	{"type":"model_start","modelKey":"<id>","modelName":"<name>"}
//	{"type":"model_complete","modelKey":"<id>","paletteCount":<int>,"duration":<ms>}
//	{"type":"model_error","modelKey":"<id>","error":"<message>"}
//	{"type":"done","allPalettes":{"<modelKey>":[["#..",...],...]}}
//	{"type":"error","error":"<message>"}   (WebSocket request failures only)
//
// model_start, model_complete and the palette modelKey are only sent in
// multi-producer mode. model_error is always sent.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/palettemesh/core"
)

// Wire message types.
const (
	TypeSession       = "session"
	TypePalette       = "palette"
	TypeModelStart    = "model_start"
	TypeModelComplete = "model_complete"
	TypeModelError    = "model_error"
	TypeDone          = "done"
	TypeError         = "error"
)

type sessionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Version   int    `json:"version"`
}

type paletteMessage struct {
	Type     string       `json:"type"`
	Colors   core.Palette `json:"colors"`
	ModelKey string       `json:"modelKey,omitempty"`
}

type modelStartMessage struct {
	Type      string `json:"type"`
	ModelKey  string `json:"modelKey"`
	ModelName string `json:"modelName"`
}

type modelCompleteMessage struct {
	Type         string `json:"type"`
	ModelKey     string `json:"modelKey"`
	PaletteCount int    `json:"paletteCount"`
	Duration     int64  `json:"duration"`
}

type modelErrorMessage struct {
	Type     string `json:"type"`
	ModelKey string `json:"modelKey"`
	Error    string `json:"error"`
}

type doneMessage struct {
	Type        string                    `json:"type"`
	AllPalettes map[string][]core.Palette `json:"allPalettes"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// EncodeError returns the payload reporting a request level failure to a
// client whose channel has no status code, such as a WebSocket.
func EncodeError(err error) ([]byte, error) {
	return json.Marshal(errorMessage{Type: TypeError, Error: err.Error()})
}

// Encoder maps events onto wire messages.
type Encoder struct {
	// Multi enables the per-producer messages and fields.
	Multi bool
}

// Encode returns the JSON payload for ev. A nil payload with a nil error means
// the event is not sent in the encoder's mode.
func (e Encoder) Encode(ev core.Event) ([]byte, error) {
	var msg any
	switch ev.Type {
	case core.EventSession:
		msg = sessionMessage{Type: TypeSession, SessionID: ev.SessionID, Version: ev.Version}
	case core.EventItem:
		m := paletteMessage{Type: TypePalette, Colors: ev.Palette}
		if e.Multi {
			m.ModelKey = ev.ProducerID
		}
		msg = m
	case core.EventStarted:
		if !e.Multi {
			return nil, nil
		}
		msg = modelStartMessage{Type: TypeModelStart, ModelKey: ev.ProducerID, ModelName: ev.ProducerName}
	case core.EventCompleted:
		if !e.Multi {
			return nil, nil
		}
		msg = modelCompleteMessage{
			Type:         TypeModelComplete,
			ModelKey:     ev.ProducerID,
			PaletteCount: ev.ItemCount,
			Duration:     ev.Duration.Milliseconds(),
		}
	case core.EventFailed:
		msg = modelErrorMessage{Type: TypeModelError, ModelKey: ev.ProducerID, Error: ev.ErrorMessage()}
	case core.EventDone:
		all := ev.Results
		if all == nil {
			all = map[string][]core.Palette{}
		}
		msg = doneMessage{Type: TypeDone, AllPalettes: all}
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	return data, nil
}
