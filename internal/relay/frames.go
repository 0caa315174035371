package relay

import "encoding/json"

// Action codes carried in the "a" field of a decrypted envelope.
const (
	ActionJoin       = "j"
	ActionDirect     = "c"
	ActionFanout     = "w"
	ActionMemberList = "l"
)

const (
	pingFrame = "ping"
	pongFrame = "pong"
)

// Frame is the decrypted form of an inbound envelope. P is decoded per action.
type Frame struct {
	A string          `json:"a"`
	P json.RawMessage `json:"p,omitempty"`
	C json.RawMessage `json:"c,omitempty"`
}

func (f *Frame) wipe() {
	zeroBytes(f.P)
	f.P = nil
}

// stringPayload decodes P as a JSON string.
func (f *Frame) stringPayload() (string, bool) {
	return rawString(f.P)
}

// target decodes C as a JSON string.
func (f *Frame) target() (string, bool) {
	return rawString(f.C)
}

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// fanoutPayload decodes P as an object; entries whose value is not a string are dropped.
func (f *Frame) fanoutPayload() (map[string]string, bool) {
	if len(f.P) == 0 || f.P[0] != '{' {
		return nil, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.P, &raw); err != nil {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for target, body := range raw {
		if s, ok := rawString(body); ok {
			out[target] = s
		}
	}
	return out, true
}

// relayedMessage is the server-built frame delivered to a target.
type relayedMessage struct {
	A string `json:"a"`
	P string `json:"p"`
	C string `json:"c"`
}

type memberList struct {
	A string   `json:"a"`
	P []string `json:"p"`
}

type serverKeyFrame struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}
