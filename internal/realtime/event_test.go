package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
)

func TestParseChatReference(t *testing.T) {
	t.Parallel()

	ref, err := ParseChatReference(fastjson.MustParse(`"c1"`))
	require.NoError(t, err)
	require.Equal(t, ChatID("c1"), ref)

	ref, err = ParseChatReference(fastjson.MustParse(`{"_id":"c1","chatName":"x"}`))
	require.NoError(t, err)
	require.Equal(t, EmbeddedChat{ID: "c1"}, ref)

	ref, err = ParseChatReference(fastjson.MustParse(`{"id":"c1","users":["a",{"_id":"b"},{"id":"c","name":"C"}]}`))
	require.NoError(t, err)
	require.Equal(t, "c1", ref.ChatID())
	require.Equal(t, []string{"a", "b", "c"}, ref.(EmbeddedChat).MemberIDs)
}

func TestParseChatReferenceMalformed(t *testing.T) {
	t.Parallel()

	_, err := ParseChatReference(nil)
	require.ErrorIs(t, err, errMalformed)

	for _, raw := range []string{
		`""`,
		`5`,
		`null`,
		`["c1"]`,
		`{"name":"no id"}`,
		`{"_id":"c1","users":"a"}`,
		`{"_id":"c1","users":[1]}`,
	} {
		_, err := ParseChatReference(fastjson.MustParse(raw))
		require.ErrorIs(t, err, errMalformed, raw)
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	b, err := encode(EventTyping, Typing{ChatID: "c1", UserID: "a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"typing","data":{"chatId":"c1","userId":"a"}}`, string(b))
}
