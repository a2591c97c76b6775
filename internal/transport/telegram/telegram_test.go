package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/channel"
	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

func TestRenderEscapesAndLinks(t *testing.T) {
	t.Parallel()
	s := render(channel.PushMessage{
		Title: "Price <update>",
		Body:  "Wheat & barley",
		Data:  map[string]any{"url": "https://example.com/p?a=1&b=2"},
	})
	assert.True(t, strings.HasPrefix(s, "<b>Price &lt;update&gt;</b>"))
	assert.Contains(t, s, "Wheat &amp; barley")
	assert.Contains(t, s, `href="https://example.com/p?a=1&amp;b=2"`)

	long := render(channel.PushMessage{Body: strings.Repeat("a", textLimit+50)})
	assert.LessOrEqual(t, len([]rune(long)), textLimit)
}

func TestPushRejectsNonNumericToken(t *testing.T) {
	t.Parallel()
	g := &Gateway{log: logx.Nop()}
	_, err := g.Push(context.Background(), channel.PushMessage{Token: "fcm-abc"})
	var ce *channel.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, channel.CodeProviderRejected, ce.Code)
}

func TestPushSendsMessage(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if json.Unmarshal(body, &payload) == nil {
			gotForm = url.Values{}
			for k, v := range payload {
				if s, ok := v.(string); ok {
					gotForm.Set(k, s)
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	defer srv.Close()

	g, err := New(Config{Token: "123:abc", URL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)

	ref, err := g.Push(context.Background(), channel.PushMessage{Token: "42", Title: "Hi", Body: "there", Priority: domain.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, "42:77", ref)
	assert.True(t, strings.HasSuffix(gotPath, "/sendMessage"), gotPath)
	assert.Equal(t, "42", gotForm.Get("chat_id"))
	assert.Contains(t, gotForm.Get("text"), "<b>Hi</b>")
}
