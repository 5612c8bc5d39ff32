package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/storage"
	"realtime-chat/internal/storage/zapadapter"

	"github.com/gorilla/mux"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// Notifier pushes server-side messages to connected members
type Notifier interface {
	NotifyMessage(m storage.Message, also ...string) int
}

type handler struct {
	logger        *zap.SugaredLogger
	accounts      *auth.Service
	conversations *chat.ConversationService
	messages      *chat.MessageService
	notifier      Notifier
	parsers       fastjson.ParserPool
	cookieSecure  bool
}

// fieldError is a malformed request field, answered with 400
type fieldError struct {
	msg string
}

func (e fieldError) Error() string { return e.msg }

func missing(name string) error {
	return fieldError{fmt.Sprintf("Missing field %q", name)}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	return err
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, map[string]string{"message": msg})
}

func (h *handler) respond(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if err := writeJSON(w, status, v); err != nil {
		h.logger.Errorw("writing response", append(fieldsOf(r), "error", err)...)
	}
}

func fieldsOf(r *http.Request) []interface{} {
	var kv []interface{}
	for _, f := range zapadapter.ContextFields(r.Context()) {
		kv = append(kv, f)
	}
	return kv
}

// fail maps service errors onto HTTP statuses
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var fe fieldError
	switch {
	case errors.As(err, &fe):
		writeError(w, http.StatusBadRequest, fe.msg)
	case errors.Is(err, auth.ErrValidation), chat.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
	case chat.IsForbidden(err), errors.Is(err, storage.ErrUserNotChatMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrUserNotExist):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, storage.ErrChatNotExist):
		writeError(w, http.StatusNotFound, "Chat not found")
	case errors.Is(err, storage.ErrUserExists):
		writeError(w, http.StatusConflict, "User already exists")
	default:
		h.logger.Errorw(err.Error(), fieldsOf(r)...)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

// parse hands the request's JSON object to f, values are valid only inside f
func (h *handler) parse(r *http.Request, f func(v *fastjson.Value) error) error {
	body, ok := bodyFromContext(r.Context())
	if !ok {
		var err error
		if body, err = io.ReadAll(r.Body); err != nil {
			return fieldError{"Can not read request body"}
		}
	}

	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return fieldError{"Malformed JSON"}
	}
	if v.Type() != fastjson.TypeObject {
		return fieldError{"Request body must be a JSON object"}
	}

	return f(v)
}

func stringField(v *fastjson.Value, name string) (string, bool, error) {
	f := v.Get(name)
	if f == nil || f.Type() == fastjson.TypeNull {
		return "", false, nil
	}
	b, err := f.StringBytes()
	if err != nil {
		return "", false, fieldError{fmt.Sprintf("Field %q must be a string", name)}
	}
	return string(b), true, nil
}

func requiredString(v *fastjson.Value, name string) (string, error) {
	s, ok, err := stringField(v, name)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", missing(name)
	}
	return s, nil
}

// idList reads an array of ids, a string holding a JSON array is accepted too
func idList(v *fastjson.Value, name string) ([]string, error) {
	f := v.Get(name)
	if f == nil || f.Type() == fastjson.TypeNull {
		return nil, missing(name)
	}

	if f.Type() == fastjson.TypeString {
		var err error
		f, err = fastjson.ParseBytes(f.GetStringBytes())
		if err != nil {
			return nil, fieldError{fmt.Sprintf("Field %q must be an array of user ids", name)}
		}
	}

	items, err := f.Array()
	if err != nil {
		return nil, fieldError{fmt.Sprintf("Field %q must be an array of user ids", name)}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		b, err := item.StringBytes()
		if err != nil || len(b) == 0 {
			return nil, fieldError{fmt.Sprintf("Each item in %q must be a user id", name)}
		}
		ids = append(ids, string(b))
	}
	return ids, nil
}

func caller(r *http.Request) auth.Identity {
	id, _ := identityFromContext(r.Context())
	return id
}

// register handles POST /auth/register
func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var reg auth.Registration
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if reg.Name, _, err = stringField(v, "name"); err != nil {
			return err
		}
		if reg.Email, _, err = stringField(v, "email"); err != nil {
			return err
		}
		if reg.Password, _, err = stringField(v, "password"); err != nil {
			return err
		}
		for _, k := range []string{"profilePicture", "profilePic"} {
			pic, ok, err := stringField(v, k)
			if err != nil {
				return err
			}
			if ok {
				reg.ProfilePicture = pic
				break
			}
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.accounts.Register(r.Context(), reg)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.respond(w, r, http.StatusCreated, u)
}

// login handles POST /auth/login
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var email, password string
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if email, err = requiredString(v, "email"); err != nil {
			return err
		}
		password, err = requiredString(v, "password")
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	token, u, err := h.accounts.Login(r.Context(), email, password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.accounts.TokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	h.respond(w, r, http.StatusOK, struct {
		Token string       `json:"token"`
		User  storage.User `json:"user"`
	}{token, u})
}

// logout handles POST /auth/logout
func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	h.respond(w, r, http.StatusOK, map[string]string{"message": "Logged out"})
}

// profile handles GET /auth/profile
func (h *handler) profile(w http.ResponseWriter, r *http.Request) {
	u, err := h.accounts.Profile(r.Context(), caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, u)
}

// searchUsers handles GET /auth?search=
func (h *handler) searchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.Search(r.Context(), caller(r).ID, r.URL.Query().Get("search"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, users)
}

// updateProfilePicture handles PUT /auth/profile/pic
func (h *handler) updateProfilePicture(w http.ResponseWriter, r *http.Request) {
	var pic string
	err := h.parse(r, func(v *fastjson.Value) error {
		for _, k := range []string{"profilePicture", "profilePic"} {
			s, ok, err := stringField(v, k)
			if err != nil {
				return err
			}
			if ok {
				pic = s
				return nil
			}
		}
		return missing("profilePicture")
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.accounts.UpdateProfilePicture(r.Context(), caller(r).ID, pic)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, u)
}

// accessChat handles POST /chat
func (h *handler) accessChat(w http.ResponseWriter, r *http.Request) {
	var peerID string
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		peerID, err = requiredString(v, "userId")
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.conversations.FindOrCreateDirectChat(r.Context(), caller(r).ID, peerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, c)
}

// listChats handles GET /chat
func (h *handler) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.conversations.ListChats(r.Context(), caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, chats)
}

// createGroupChat handles POST /chat/group
func (h *handler) createGroupChat(w http.ResponseWriter, r *http.Request) {
	var (
		name    string
		members []string
	)
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if name, err = requiredString(v, "name"); err != nil {
			return err
		}
		members, err = idList(v, "users")
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.conversations.CreateGroupChat(r.Context(), name, members, caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, c)
}

func (h *handler) membershipRequest(r *http.Request) (chatID, userID string, err error) {
	err = h.parse(r, func(v *fastjson.Value) error {
		var err error
		if chatID, err = requiredString(v, "chatId"); err != nil {
			return err
		}
		userID, err = requiredString(v, "userId")
		return err
	})
	return chatID, userID, err
}

// addToGroup handles PUT /chat/group/add
func (h *handler) addToGroup(w http.ResponseWriter, r *http.Request) {
	chatID, userID, err := h.membershipRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.conversations.Chat(r.Context(), chatID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := chat.CanAdd(c, caller(r).ID); err != nil {
		h.fail(w, r, err)
		return
	}

	c, m, err := h.conversations.AddMember(r.Context(), chatID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if m != nil && h.notifier != nil {
		h.notifier.NotifyMessage(*m)
	}

	h.respond(w, r, http.StatusOK, c)
}

// removeFromGroup handles PUT /chat/group/remove, the removed user is notified as well
func (h *handler) removeFromGroup(w http.ResponseWriter, r *http.Request) {
	chatID, userID, err := h.membershipRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.conversations.Chat(r.Context(), chatID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := chat.CanRemove(c, caller(r).ID, userID); err != nil {
		h.fail(w, r, err)
		return
	}

	c, m, err := h.conversations.RemoveMember(r.Context(), chatID, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if m != nil && h.notifier != nil {
		h.notifier.NotifyMessage(*m, userID)
	}

	h.respond(w, r, http.StatusOK, c)
}

// sendMessage handles POST /message. Delivery to other members is announced by the client over its socket.
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var out chat.Outgoing
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if out.ChatID, err = requiredString(v, "chatId"); err != nil {
			return err
		}
		if out.Content, _, err = stringField(v, "content"); err != nil {
			return err
		}
		if f := v.Get("isAudio"); f != nil && f.Type() != fastjson.TypeNull {
			if out.IsAudio, err = f.Bool(); err != nil {
				return fieldError{`Field "isAudio" must be a boolean`}
			}
		}
		if f := v.Get("duration"); f != nil {
			switch f.Type() {
			case fastjson.TypeString:
				out.Duration = string(f.GetStringBytes())
			case fastjson.TypeNumber:
				out.Duration = string(f.MarshalTo(nil))
			case fastjson.TypeNull:
			default:
				return fieldError{`Field "duration" must be a string or a number`}
			}
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	m, err := h.messages.Send(r.Context(), caller(r).ID, out)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, m)
}

// history handles GET /message/{chatId}
func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(mux.Vars(r)["chatId"])

	messages, err := h.messages.History(r.Context(), caller(r).ID, chatID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, messages)
}
