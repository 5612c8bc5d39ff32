package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fastjson"
)

const resolveTimeout = 5 * time.Second

// handle processes one inbound frame. Failures are logged and dropped, the connection stays open.
func (h *Hub) handle(c *conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.dropped.WithLabelValues("panic").Inc()
			h.logger.Errorf("Recovered from panic handling event of connection %s: %v", c.id, r)
		}
	}()

	event, err := h.dispatch(c, raw)
	if err == nil {
		return
	}

	reason := "internal"
	switch {
	case errors.Is(err, errMalformed):
		reason = "malformed"
	case errors.Is(err, errForbidden):
		reason = "forbidden"
	case errors.Is(err, errUnknownEvent):
		reason = "unknown_event"
	}
	h.metrics.dropped.WithLabelValues(reason).Inc()
	h.logger.Warnf("Dropping %q event of connection %s (user %s): %v", event, c.id, c.identity.ID, err)
}

func (h *Hub) dispatch(c *conn, raw []byte) (string, error) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformed, err)
	}
	if v.Type() != fastjson.TypeObject {
		return "", errMalformed
	}

	event := string(v.GetStringBytes("event"))
	data := v.Get("data")

	switch event {
	case EventSetup:
		h.metrics.events.WithLabelValues(event).Inc()
		return event, h.setup(c, data)
	case EventJoinChatRoom:
		h.metrics.events.WithLabelValues(event).Inc()
		return event, h.joinChatRoom(c, data)
	case EventTyping, EventStopTyping:
		h.metrics.events.WithLabelValues(event).Inc()
		return event, h.typing(c, event, data)
	case EventMessageDelivered:
		h.metrics.events.WithLabelValues(event).Inc()
		return event, h.messageDelivered(c, data)
	}

	return event, errUnknownEvent
}

// setup re-joins the caller's own user room and confirms with connected
func (h *Hub) setup(c *conn, data *fastjson.Value) error {
	id := idOf(data)
	if id == "" {
		return errMalformed
	}
	if id != c.identity.ID {
		return fmt.Errorf("%w: setup for user %s", errForbidden, id)
	}

	h.join(c, userRoom(id))

	b, err := encode(EventConnected, map[string]string{"id": id})
	if err != nil {
		return err
	}
	h.send(c, b)

	return nil
}

// members returns the member ids of the referenced chat and fails with errForbidden unless userID is
// one of them. A configured resolver is authoritative, an embedded users list is used only without one.
func (h *Hub) members(ref ChatReference, userID string) ([]string, error) {
	var ids []string
	switch e, ok := ref.(EmbeddedChat); {
	case h.resolver != nil:
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()

		var err error
		ids, err = h.resolver.ChatMembers(ctx, ref.ChatID())
		if err != nil {
			return nil, err
		}
	case ok && e.MemberIDs != nil:
		ids = e.MemberIDs
	default:
		return nil, fmt.Errorf("%w: chat members unknown", errMalformed)
	}

	if !contains(ids, userID) {
		return nil, fmt.Errorf("%w: not a member of chat %s", errForbidden, ref.ChatID())
	}
	return ids, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// joinChatRoom subscribes the connection to the chat room, membership is checked when a resolver is set
func (h *Hub) joinChatRoom(c *conn, data *fastjson.Value) error {
	ref, err := ParseChatReference(data)
	if err != nil {
		return err
	}

	if h.resolver != nil {
		if _, err := h.members(ChatID(ref.ChatID()), c.identity.ID); err != nil {
			return err
		}
	}

	h.join(c, chatRoom(ref.ChatID()))

	return nil
}

// typing forwards typing and stop-typing to the other connections in the chat room.
// Membership is checked when a resolver is set.
func (h *Hub) typing(c *conn, event string, data *fastjson.Value) error {
	ref, err := ParseChatReference(data)
	if err != nil {
		return err
	}

	if h.resolver != nil {
		if _, err := h.members(ChatID(ref.ChatID()), c.identity.ID); err != nil {
			return err
		}
	}

	b, err := encode(event, Typing{ChatID: ref.ChatID(), UserID: c.identity.ID})
	if err != nil {
		return err
	}
	h.emitToRoom(chatRoom(ref.ChatID()), c, b)

	return nil
}

// messageDelivered fans the message out to the user rooms of every chat member except the sender
func (h *Hub) messageDelivered(c *conn, data *fastjson.Value) error {
	if data == nil || data.Type() != fastjson.TypeObject {
		return errMalformed
	}

	chatValue := data.Get("chat")
	if chatValue == nil {
		chatValue = data.Get("chatId")
	}
	ref, err := ParseChatReference(chatValue)
	if err != nil {
		return err
	}

	sender := idOf(data.Get("sender"))
	if sender == "" {
		return fmt.Errorf("%w: missing sender", errMalformed)
	}
	if sender != c.identity.ID {
		return fmt.Errorf("%w: sender %s does not match connection", errForbidden, sender)
	}

	members, err := h.members(ref, sender)
	if err != nil {
		return err
	}

	b, err := encode(EventMessageReceived, json.RawMessage(data.MarshalTo(nil)))
	if err != nil {
		return err
	}
	h.emitToUsers(members, sender, b)

	return nil
}
