package relay

import (
	"encoding/json"
	"fmt"
)

// One message per transport frame, JSON-object encoded:
//
//	→ {cmd, cid, data[, ack]}        command
//	← {cid, result}                  command success (only if ack was set)
//	← {cid, err}                     command error
//	→ {q, id[, params]}              query
//	← {id, row}                      query row (0..N, ordered)
//	← {id}                           query end
//	← {id, err}                      query error (replaces end)
//	← {ev, data}                     event (unordered, any time)
//	→ {sub: "pattern"}               subscribe
//	→ {unsub: "pattern"}             unsubscribe
//	← {profile}                      first message after connect
//
// There is no discriminant tag on the wire. A decoded payload is classified
// by key presence in a fixed precedence, first match wins:
// command, query, command result, command error, row, end, query error,
// event, subscribe, unsubscribe, profile.
// The precedence must not be reordered. An end message is distinguished from
// a row and a query error only by the absence of the `row` and `err` keys.

type MessageKind int

const (
	MessageKindUnknown MessageKind = iota
	// zero-length keepalive frame
	MessageKindPing
	MessageKindCommand
	MessageKindQuery
	MessageKindResult
	MessageKindCommandError
	MessageKindRow
	MessageKindEnd
	MessageKindQueryError
	MessageKindEvent
	MessageKindSubscribe
	MessageKindUnsubscribe
	MessageKindProfile
)

func (self MessageKind) String() string {
	switch self {
	case MessageKindPing:
		return "ping"
	case MessageKindCommand:
		return "command"
	case MessageKindQuery:
		return "query"
	case MessageKindResult:
		return "result"
	case MessageKindCommandError:
		return "command error"
	case MessageKindRow:
		return "row"
	case MessageKindEnd:
		return "end"
	case MessageKindQueryError:
		return "query error"
	case MessageKindEvent:
		return "event"
	case MessageKindSubscribe:
		return "subscribe"
	case MessageKindUnsubscribe:
		return "unsubscribe"
	case MessageKindProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// Message is the in-memory tagged form of one wire frame.
// Only the fields for the tagged kind are meaningful.
type Message struct {
	Kind MessageKind

	// command
	Cmd  string
	Cid  string
	Data json.RawMessage
	Ack  bool

	// query, row, end
	Q      string
	Id     uint64
	Params json.RawMessage
	Row    json.RawMessage

	// result, errors
	Result json.RawMessage
	Err    string

	// event channel. the payload is in `Data`
	Ev string

	// subscribe, unsubscribe
	Pattern string

	// profile
	Profile json.RawMessage
}

func EncodeMessage(message *Message) ([]byte, error) {
	wire := map[string]any{}
	switch message.Kind {
	case MessageKindPing:
		return make([]byte, 0), nil
	case MessageKindCommand:
		wire["cmd"] = message.Cmd
		wire["cid"] = message.Cid
		// the data key is part of the command shape and must be present
		wire["data"] = rawOrNull(message.Data)
		if message.Ack {
			wire["ack"] = true
		}
	case MessageKindQuery:
		wire["q"] = message.Q
		wire["id"] = message.Id
		if message.Params != nil {
			wire["params"] = message.Params
		}
	case MessageKindResult:
		wire["cid"] = message.Cid
		wire["result"] = rawOrNull(message.Result)
	case MessageKindCommandError:
		wire["cid"] = message.Cid
		wire["err"] = message.Err
	case MessageKindRow:
		wire["id"] = message.Id
		wire["row"] = rawOrNull(message.Row)
	case MessageKindEnd:
		wire["id"] = message.Id
	case MessageKindQueryError:
		wire["id"] = message.Id
		wire["err"] = message.Err
	case MessageKindEvent:
		wire["ev"] = message.Ev
		wire["data"] = rawOrNull(message.Data)
	case MessageKindSubscribe:
		wire["sub"] = message.Pattern
	case MessageKindUnsubscribe:
		wire["unsub"] = message.Pattern
	case MessageKindProfile:
		wire["profile"] = rawOrNull(message.Profile)
	default:
		return nil, fmt.Errorf("cannot encode message kind: %s", message.Kind)
	}
	return json.Marshal(wire)
}

func RequireEncodeMessage(message *Message) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeMessage classifies a frame by structural inspection.
// A frame that decodes as a JSON object but matches no known shape comes back
// with `MessageKindUnknown` and no error. The caller decides whether unknown
// frames are ignored or logged.
func DecodeMessage(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return &Message{Kind: MessageKindPing}, nil
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(frame, &wire); err != nil {
		return nil, err
	}

	stringKey := func(key string) (string, bool) {
		raw, ok := wire[key]
		if !ok {
			return "", false
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	numericId := func() (uint64, bool) {
		raw, ok := wire["id"]
		if !ok {
			return 0, false
		}
		var id uint64
		if err := json.Unmarshal(raw, &id); err != nil {
			return 0, false
		}
		return id, true
	}

	// classification precedence, first match wins
	if cmd, ok := stringKey("cmd"); ok {
		if data, ok := wire["data"]; ok {
			message := &Message{
				Kind: MessageKindCommand,
				Cmd:  cmd,
				Data: data,
			}
			message.Cid, _ = stringKey("cid")
			if ackRaw, ok := wire["ack"]; ok {
				json.Unmarshal(ackRaw, &message.Ack)
			}
			return message, nil
		}
	}
	if q, ok := stringKey("q"); ok {
		message := &Message{
			Kind:   MessageKindQuery,
			Q:      q,
			Params: wire["params"],
		}
		message.Id, _ = numericId()
		return message, nil
	}
	if cid, ok := stringKey("cid"); ok {
		if result, ok := wire["result"]; ok {
			return &Message{
				Kind:   MessageKindResult,
				Cid:    cid,
				Result: result,
			}, nil
		}
		if errStr, ok := stringKey("err"); ok {
			return &Message{
				Kind: MessageKindCommandError,
				Cid:  cid,
				Err:  errStr,
			}, nil
		}
	}
	if id, ok := numericId(); ok {
		if row, ok := wire["row"]; ok {
			return &Message{
				Kind: MessageKindRow,
				Id:   id,
				Row:  row,
			}, nil
		}
		_, hasErr := wire["err"]
		if !hasErr {
			return &Message{
				Kind: MessageKindEnd,
				Id:   id,
			}, nil
		}
		if errStr, ok := stringKey("err"); ok {
			return &Message{
				Kind: MessageKindQueryError,
				Id:   id,
				Err:  errStr,
			}, nil
		}
	}
	if ev, ok := stringKey("ev"); ok {
		return &Message{
			Kind: MessageKindEvent,
			Ev:   ev,
			Data: wire["data"],
		}, nil
	}
	if pattern, ok := stringKey("sub"); ok {
		return &Message{
			Kind:    MessageKindSubscribe,
			Pattern: pattern,
		}, nil
	}
	if pattern, ok := stringKey("unsub"); ok {
		return &Message{
			Kind:    MessageKindUnsubscribe,
			Pattern: pattern,
		}, nil
	}
	if profile, ok := wire["profile"]; ok {
		return &Message{
			Kind:    MessageKindProfile,
			Profile: profile,
		}, nil
	}

	return &Message{Kind: MessageKindUnknown}, nil
}

var jsonNull = json.RawMessage("null")

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return jsonNull
	}
	return raw
}
