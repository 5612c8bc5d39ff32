package realtime

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fastjson"
)

// Inbound events
const (
	EventSetup            = "setup"
	EventJoinChatRoom     = "join-chat-room"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventMessageDelivered = "message-delivered"
)

// Outbound events
const (
	EventConnected       = "connected"
	EventMessageReceived = "message-received"
)

var (
	errMalformed    = errors.New("malformed payload")
	errForbidden    = errors.New("not permitted")
	errUnknownEvent = errors.New("unknown event")
)

// Frame is the envelope of every message in both directions
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Typing is the payload of typing and stop-typing
type Typing struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

func encode(event string, data interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{event, data})
}

// ChatReference is either a bare chat id or a chat object embedded by the client
type ChatReference interface {
	ChatID() string
	isChatReference()
}

// ChatID references a chat by id only
type ChatID string

func (id ChatID) ChatID() string { return string(id) }
func (ChatID) isChatReference()  {}

// EmbeddedChat is a chat object sent inline, MemberIDs is nil when it carried no users
type EmbeddedChat struct {
	ID        string
	MemberIDs []string
}

func (c EmbeddedChat) ChatID() string { return c.ID }
func (EmbeddedChat) isChatReference() {}

// idOf reads an id given either as a string or as an object with "id" or "_id"
func idOf(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeObject:
		if id := v.GetStringBytes("id"); len(id) > 0 {
			return string(id)
		}
		return string(v.GetStringBytes("_id"))
	}
	return ""
}

// ParseChatReference normalizes the loosely shaped chat field of client payloads
func ParseChatReference(v *fastjson.Value) (ChatReference, error) {
	if v == nil {
		return nil, errMalformed
	}

	switch v.Type() {
	case fastjson.TypeString:
		id := string(v.GetStringBytes())
		if id == "" {
			return nil, errMalformed
		}
		return ChatID(id), nil

	case fastjson.TypeObject:
		id := idOf(v)
		if id == "" {
			return nil, errMalformed
		}

		users := v.Get("users")
		if users == nil {
			return EmbeddedChat{ID: id}, nil
		}

		arr, err := users.Array()
		if err != nil {
			return nil, errMalformed
		}
		members := make([]string, 0, len(arr))
		for _, u := range arr {
			uid := idOf(u)
			if uid == "" {
				return nil, errMalformed
			}
			members = append(members, uid)
		}
		return EmbeddedChat{ID: id, MemberIDs: members}, nil
	}

	return nil, errMalformed
}
