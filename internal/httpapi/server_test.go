package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/UkralStul/community-sync/internal/auth"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/storage/inmemory"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = domain.Actor{ID: "alice", DisplayName: "Alice"}
	bob   = domain.Actor{ID: "bob", DisplayName: "Bob"}
)

type testServer struct {
	*httptest.Server
	store  *inmemory.Store
	tokens *auth.Tokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := inmemory.New(nil, nil)
	tokens := auth.NewTokens([]byte("test-secret"), time.Hour)

	srv := New(store, tokens, nil)
	srv.pingInterval = 200 * time.Millisecond
	router := chi.NewRouter()
	srv.Routes(router)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, tokens: tokens}
}

func (ts *testServer) token(t *testing.T, actor domain.Actor) string {
	t.Helper()
	token, err := ts.tokens.Issue(actor)
	require.NoError(t, err)
	return token
}

// do выполняет запрос; as == nil - анонимно.
func (ts *testServer) do(t *testing.T, method, path string, as *domain.Actor, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, *as))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) seedPost(t *testing.T, owner domain.Actor) *domain.Post {
	t.Helper()
	p, err := ts.store.CreatePost(context.Background(), &domain.Post{
		UserID: owner.ID, Author: owner.Name(), Title: "Jeju", Content: "three days",
	})
	require.NoError(t, err)
	return p
}

func TestAPI_IssueToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/auth/token", nil, map[string]string{"id": "carol", "displayName": "Carol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)

	actor, err := ts.tokens.Parse(body["token"])
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{ID: "carol", DisplayName: "Carol"}, actor)

	resp = ts.do(t, http.MethodPost, "/auth/token", nil, map[string]string{"id": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CreatePostRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/posts", nil, map[string]string{"title": "t", "content": "c"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "auth_required", body["kind"])
}

func TestAPI_InvalidTokenRejected(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/posts", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_CreateAndListPosts(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/posts", &alice, map[string]string{"title": "Busan", "content": "beach"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[domain.Post](t, resp)
	assert.Equal(t, "alice", created.UserID)
	assert.Equal(t, "Alice", created.Author)

	_, err := ts.store.CreateComment(context.Background(), &domain.Comment{PostID: created.ID, Content: "nice"})
	require.NoError(t, err)

	resp = ts.do(t, http.MethodGet, "/posts", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]map[string]interface{}](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0]["id"])
	assert.EqualValues(t, 1, list[0]["commentCount"])
}

func TestAPI_CreatePostValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/posts", &alice, map[string]string{"title": "", "content": "c"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/posts", &alice, map[string]string{"title": "t", "content": "c", "likes": "9"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetMissingPost(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/posts/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeletePostOwnerOnly(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPost(t, alice)
	_, err := ts.store.CreateComment(context.Background(), &domain.Comment{PostID: p.ID, Content: "c"})
	require.NoError(t, err)

	resp := ts.do(t, http.MethodDelete, "/posts/"+p.ID, &bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/posts/"+p.ID, &alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/posts/"+p.ID+"/comments", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]domain.Comment](t, resp))
}

func TestAPI_ToggleLike(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPost(t, alice)

	resp := ts.do(t, http.MethodPost, "/posts/"+p.ID+"/likes", &bob, map[string]bool{"liked": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	liked := decodeBody[domain.Post](t, resp)
	assert.Equal(t, 1, liked.Likes)
	assert.True(t, liked.LikedBy("bob"))

	// Повторный лайк ничего не меняет
	resp = ts.do(t, http.MethodPost, "/posts/"+p.ID+"/likes", &bob, map[string]bool{"liked": true})
	assert.Equal(t, 1, decodeBody[domain.Post](t, resp).Likes)

	resp = ts.do(t, http.MethodPost, "/posts/"+p.ID+"/likes", &bob, map[string]bool{"liked": false})
	unliked := decodeBody[domain.Post](t, resp)
	assert.Equal(t, 0, unliked.Likes)
	assert.Empty(t, unliked.UserLikes)

	resp = ts.do(t, http.MethodPost, "/posts/missing/likes", &bob, map[string]bool{"liked": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Comments(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPost(t, alice)

	resp := ts.do(t, http.MethodPost, "/posts/"+p.ID+"/comments", &bob, map[string]string{"content": "first"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody[domain.Comment](t, resp)
	assert.Equal(t, "Bob", first.Author)

	ts.do(t, http.MethodPost, "/posts/"+p.ID+"/comments", &alice, map[string]string{"content": "second"})

	resp = ts.do(t, http.MethodGet, "/posts/"+p.ID+"/comments", nil, nil)
	list := decodeBody[[]domain.Comment](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Content)

	resp = ts.do(t, http.MethodDelete, "/posts/"+p.ID+"/comments/"+first.ID, &bob, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/posts/"+p.ID+"/comments/"+first.ID, &bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/posts/missing/comments", &bob, map[string]string{"content": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_DeleteCommentPermissions(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPost(t, alice)
	other := ts.seedPost(t, bob)
	carol := domain.Actor{ID: "carol", DisplayName: "Carol"}
	c, err := ts.store.CreateComment(context.Background(), &domain.Comment{
		PostID: p.ID, UserID: carol.ID, Author: carol.Name(), Content: "hi",
	})
	require.NoError(t, err)

	// Чужой комментарий на чужом посте
	resp := ts.do(t, http.MethodDelete, "/posts/"+p.ID+"/comments/"+c.ID, &bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Комментарий не относится к посту из адреса
	resp = ts.do(t, http.MethodDelete, "/posts/"+other.ID+"/comments/"+c.ID, &bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = ts.store.GetComment(context.Background(), c.ID)
	require.NoError(t, err)

	// Владелец поста может удалить любой комментарий под ним
	resp = ts.do(t, http.MethodDelete, "/posts/"+p.ID+"/comments/"+c.ID, &alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = ts.store.GetComment(context.Background(), c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAPI_Notifications(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPost(t, alice)

	resp := ts.do(t, http.MethodPost, "/notifications", &bob, map[string]interface{}{
		"userId": "alice", "postId": p.ID, "type": "comment", "title": "New comment", "message": "Bob: hi",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	n := decodeBody[domain.Notification](t, resp)
	assert.NotEmpty(t, n.ID)
	assert.NotZero(t, n.Timestamp)

	resp = ts.do(t, http.MethodGet, "/notifications", &alice, nil)
	got := decodeBody[notificationsResponse](t, resp)
	require.Len(t, got.Notifications, 1)
	assert.Equal(t, 1, got.Unread)

	resp = ts.do(t, http.MethodPost, "/notifications/"+n.ID+"/read", &alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/notifications", &alice, nil)
	assert.Equal(t, 0, decodeBody[notificationsResponse](t, resp).Unread)

	resp = ts.do(t, http.MethodPost, "/notifications", &bob, map[string]interface{}{"userId": "alice", "type": "spam"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/notifications", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_RenameAuthor(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPost(t, alice)

	resp := ts.do(t, http.MethodPut, "/me/author", &alice, map[string]string{"author": "Alicia"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := ts.store.GetPostByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", got.Author)
}

// === WebSocket ===

func (ts *testServer) dial(t *testing.T, path string, as *domain.Actor) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	if as != nil {
		url += "?token=" + ts.token(t, *as)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type testFrame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Kind  string          `json:"kind"`
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f testFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWS_StreamPost(t *testing.T) {
	ts := newTestServer(t)
	p := ts.seedPost(t, alice)
	conn := ts.dial(t, "/ws/posts/"+p.ID, nil)

	f := readFrame(t, conn)
	require.Equal(t, "post", f.Type)
	var post domain.Post
	require.NoError(t, json.Unmarshal(f.Data, &post))
	assert.Equal(t, 0, post.Likes)

	require.NoError(t, ts.store.ToggleLike(context.Background(), p.ID, "bob", true))
	f = readFrame(t, conn)
	require.NoError(t, json.Unmarshal(f.Data, &post))
	assert.Equal(t, 1, post.Likes)

	require.NoError(t, ts.store.DeletePost(context.Background(), p.ID))
	f = readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "not_found", f.Kind)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWS_StreamNotificationsRequiresActor(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/notifications"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_StreamNotifications(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "/ws/notifications", &alice)

	seen := map[string]json.RawMessage{}
	for len(seen) < 2 {
		f := readFrame(t, conn)
		seen[f.Type] = f.Data
	}
	assert.JSONEq(t, "0", string(seen["unread"]))

	_, err := ts.store.CreateNotification(context.Background(), &domain.Notification{
		UserID: "alice", Kind: domain.KindLike, Title: "New like", Message: "Bob liked your post",
	})
	require.NoError(t, err)

	// Кадры двух потоков приходят в любом порядке
	var gotList, gotUnread bool
	for !gotList || !gotUnread {
		f := readFrame(t, conn)
		switch f.Type {
		case "unread":
			gotUnread = gotUnread || string(f.Data) == "1"
		case "notifications":
			var list []domain.Notification
			require.NoError(t, json.Unmarshal(f.Data, &list))
			gotList = gotList || len(list) == 1
		}
	}
}
