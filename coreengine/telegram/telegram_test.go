package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
)

const testToken = "123:abc"

// fakeBotAPI records sendMessage calls and serves one photo.
type fakeBotAPI struct {
	mu       sync.Mutex
	sent     []sendMessageRequest
	failures int // sendMessage calls to fail before succeeding
	status   int // status for failed calls
	photo    []byte
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+testToken+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures > 0 {
			f.failures--
			w.WriteHeader(f.status)
			_, _ = fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":"try later"}`, f.status)
			return
		}
		f.sent = append(f.sent, req)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})
	mux.HandleFunc("/bot"+testToken+"/getFile", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["file_id"] != "big" {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"file_id":"big","file_path":"photos/file_1.jpg"}}`))
	})
	mux.HandleFunc("/file/bot"+testToken+"/photos/file_1.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(f.photo)
	})
	return mux
}

func (f *fakeBotAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Text
	}
	return out
}

func newTestClient(t *testing.T, api *fakeBotAPI, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(Config{Token: testToken, BaseURL: srv.URL + "/", MaxRetries: retries}, nil)
	require.NoError(t, err)
	return c
}

// =============================================================================
// CHUNKING TESTS
// =============================================================================

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short text is one chunk", "hello", 10, []string{"hello"}},
		{"splits on line boundaries", "aaaa\nbbbb\ncccc", 10, []string{"aaaa\nbbbb", "cccc"}},
		{"long line is cut at the limit", "abcdefghij\nxy", 4, []string{"abcd", "efgh", "ij", "xy"}},
		{"blank lines do not become chunks", "aaa\n\n\nbbb", 4, []string{"aaa", "bbb"}},
		{"counts characters not bytes", "नमस्ते", 6, []string{"नमस्ते"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitMessage(tt.text, tt.limit))
		})
	}
}

func TestSplitMessage_RespectsLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("Line of a long lesson plan that keeps going.\n")
	}

	chunks := SplitMessage(b.String(), MaxMessageLength)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), MaxMessageLength)
		assert.True(t, strings.HasSuffix(c, "going."), "chunk should end on a line boundary")
	}
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestMessage_Accessors(t *testing.T) {
	msg := &Message{
		Chat:    &Chat{ID: 42},
		Caption: "worksheets for grade 3",
		Photo: []PhotoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "big", Width: 1280, Height: 960},
			{FileID: "mid", Width: 320, Height: 240},
		},
	}

	assert.Equal(t, "worksheets for grade 3", msg.Content())
	assert.Equal(t, int64(42), msg.ChatID())
	p, ok := msg.LargestPhoto()
	require.True(t, ok)
	assert.Equal(t, "big", p.FileID)

	var empty *Message
	assert.Equal(t, "", empty.Content())
	assert.Equal(t, int64(0), (&Message{}).ChatID())
	_, ok = (&Message{}).LargestPhoto()
	assert.False(t, ok)
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorContains(t, err, "token is required")
}

func TestSendMessage(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestClient(t, api, 0)

	require.NoError(t, c.SendMessage(context.Background(), 7, "Once upon a time"))

	require.Len(t, api.sent, 1)
	assert.Equal(t, int64(7), api.sent[0].ChatID)
	assert.Equal(t, "Once upon a time", api.sent[0].Text)
}

func TestSendMessage_Chunks(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestClient(t, api, 0)
	long := strings.Repeat(strings.Repeat("x", 100)+"\n", 60)

	require.NoError(t, c.SendMessage(context.Background(), 7, long))

	texts := api.texts()
	assert.Len(t, texts, 2)
	assert.Equal(t, strings.TrimRight(long, "\n"), texts[0]+"\n"+texts[1])
}

func TestSendMessage_RetriesTransient(t *testing.T) {
	api := &fakeBotAPI{failures: 1, status: http.StatusTooManyRequests}
	c := newTestClient(t, api, 2)

	require.NoError(t, c.SendMessage(context.Background(), 7, "hi"))
	assert.Equal(t, []string{"hi"}, api.texts())
}

func TestSendMessage_DeliveryFailure(t *testing.T) {
	api := &fakeBotAPI{failures: 5, status: http.StatusForbidden}
	c := newTestClient(t, api, 2)

	err := c.SendMessage(context.Background(), 7, "hi")

	require.Error(t, err)
	assert.True(t, errors.Is(err, failures.ErrDeliveryFailure))
	assert.NotContains(t, err.Error(), testToken)
	assert.Empty(t, api.texts())
	assert.Equal(t, 4, api.failures, "permanent errors are not retried")
}

func TestDownloadPhoto(t *testing.T) {
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 64)...)
	api := &fakeBotAPI{photo: jpeg}
	c := newTestClient(t, api, 0)
	msg := &Message{Photo: []PhotoSize{{FileID: "small", Width: 90, Height: 90}, {FileID: "big", Width: 800, Height: 600}}}

	img, err := c.DownloadPhoto(context.Background(), msg)

	require.NoError(t, err)
	assert.Equal(t, jpeg, img.Data)
	assert.Equal(t, "image/jpeg", img.MIMEType)
	assert.Equal(t, "telegram:big", img.Source)
}

func TestDownloadPhoto_Errors(t *testing.T) {
	c := newTestClient(t, &fakeBotAPI{}, 0)

	_, err := c.DownloadPhoto(context.Background(), &Message{})
	assert.ErrorIs(t, err, ErrNoPhoto)

	_, err = c.DownloadPhoto(context.Background(), &Message{Photo: []PhotoSize{{FileID: "gone"}}})
	assert.ErrorContains(t, err, "invalid file_id")
}
