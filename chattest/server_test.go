package chattest

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/risa-org/chatmux/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, f frame.Frame) {
	t.Helper()
	b, err := frame.Encode(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, b))
}

func readFrame(t *testing.T, ws *websocket.Conn) frame.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, b, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	f, err := frame.Decode(b, 0)
	require.NoError(t, err)
	return f
}

func accepted(t *testing.T, s *Server) *Conn {
	t.Helper()
	select {
	case c := <-s.Accepted():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func TestHandlerAnswersRequests(t *testing.T) {
	s := NewServer(WithHandler(func(c *Conn, req frame.Request) frame.Response {
		return frame.Response{Status: 200, Body: []byte(req.Verb + " " + req.Path)}
	}))
	defer s.Close()

	ws := dial(t, s.URL()+"?login=alice&password=secret")
	c := accepted(t, s)
	assert.True(t, c.Identified())

	writeFrame(t, ws, frame.NewRequest(frame.Request{Verb: "GET", Path: "/v1/foo", ID: 42}))
	f := readFrame(t, ws)
	require.Equal(t, frame.TypeResponse, f.Type)
	assert.Equal(t, uint64(42), f.Response.ID)
	assert.Equal(t, "GET /v1/foo", string(f.Response.Body))
}

func TestRequestsQueueWithoutHandler(t *testing.T) {
	s := NewServer()
	defer s.Close()

	ws := dial(t, s.URL())
	c := accepted(t, s)
	assert.False(t, c.Identified())

	writeFrame(t, ws, frame.NewRequest(frame.Request{Verb: "PUT", Path: "/v1/bar", ID: 7}))
	select {
	case req := <-c.Requests():
		assert.Equal(t, uint64(7), req.ID)
		require.NoError(t, c.Respond(frame.Response{ID: req.ID, Status: 204}))
	case <-time.After(2 * time.Second):
		t.Fatal("request never queued")
	}
	assert.Equal(t, 204, readFrame(t, ws).Response.Status)
}

func TestPushesAndAcks(t *testing.T) {
	s := NewServer()
	defer s.Close()

	ws := dial(t, s.URL())
	c := accepted(t, s)

	require.NoError(t, c.PushMessage(1, []byte("envelope"), 1700000000000))
	f := readFrame(t, ws)
	require.Equal(t, frame.TypeRequest, f.Type)
	assert.Equal(t, frame.PathMessage, f.Request.Path)
	ts, ok := frame.Timestamp(f.Request.Headers)
	require.True(t, ok)
	assert.Equal(t, uint64(1700000000000), ts)

	require.NoError(t, c.PushQueueEmpty(2))
	assert.Equal(t, frame.PathQueueEmpty, readFrame(t, ws).Request.Path)

	writeFrame(t, ws, frame.NewAck(1))
	select {
	case ack := <-c.Acks():
		assert.Equal(t, uint64(1), ack.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("ack never seen")
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	s := NewServer(WithAuthenticator(func(login, password string) bool { return password == "right" }))
	defer s.Close()

	_, resp, err := websocket.DefaultDialer.Dial(s.URL()+"?login=alice&password=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dial(t, s.URL()+"?login=alice&password=right")
}

func TestDropEndsConnection(t *testing.T) {
	s := NewServer()
	defer s.Close()

	ws := dial(t, s.URL())
	c := accepted(t, s)
	c.Drop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not done after drop")
	}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.ErrorIs(t, c.PushQueueEmpty(1), ErrConnClosed)
	assert.Empty(t, s.Conns())
}
