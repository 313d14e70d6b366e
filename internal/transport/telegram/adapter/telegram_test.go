package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "leadsync/pkg/logx"
)

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 30)
	text := strings.Repeat(line+"\n", 10)
	chunks := splitTelegramText(text, 100, "")
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 100)
		assert.False(t, strings.HasPrefix(c, "\n"))
	}
	assert.Equal(t, strings.TrimRight(text, "\n"), strings.Join(chunks, "\n"))
}

func TestSplitTelegramTextShort(t *testing.T) {
	assert.Equal(t, []string{"oi"}, splitTelegramText("oi", 0, ""))
}

func TestSendAlertPostsToConfiguredChat(t *testing.T) {
	var mu sync.Mutex
	var paths, chats []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		chat := r.FormValue("chat_id")
		if chat == "" {
			// telebot posts JSON bodies
			var buf strings.Builder
			_, _ = io.Copy(&buf, r.Body)
			chat = buf.String()
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		chats = append(chats, chat)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	a, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, a.SendAlert(context.Background(), "disk full"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "/bot123:abc/sendMessage", paths[0])
	assert.Contains(t, chats[0], "42")
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "x"}, logx.Nop())
	assert.Error(t, err)
}
