package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFrame is a superset of every server frame, for decoding in tests.
type testFrame struct {
	Type                  string        `json:"type"`
	Name                  string        `json:"name"`
	SessionToken          string        `json:"sessionToken"`
	Message               string        `json:"message"`
	Target                string        `json:"target"`
	Participants          []string      `json:"participants"`
	ParticipantsWithEmail []Participant `json:"participantsWithEmail"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	cfg := &Config{
		pingInterval: 30 * time.Second,
		exclusions:   filepath.Join(dir, "exclusions.txt"),
		results:      filepath.Join(dir, "results.txt"),
	}

	mux := httprouter.New()
	registerGiftExchange(cfg, "/santa", mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, query, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/santa/ws" + query

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Cookie", sessionCookieName+"="+token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame testFrame
	require.NoError(t, conn.ReadJSON(&frame))

	return frame
}

func claim(t *testing.T, conn *websocket.Conn, name, email string) testFrame {
	t.Helper()

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "set_name", Name: name, Email: email}))

	return readFrame(t, conn)
}

func TestClaimBroadcastsToObserver(t *testing.T) {
	srv := newTestServer(t)

	observer := dialWS(t, srv, "?role=observer", "")
	snapshot := readFrame(t, observer)
	assert.Equal(t, "participants", snapshot.Type)
	assert.Empty(t, snapshot.Participants)

	participant := dialWS(t, srv, "", "")
	ok := claim(t, participant, "Alice", "alice@example.com")
	require.Equal(t, "name_ok", ok.Type)
	assert.Equal(t, "Alice", ok.Name)
	assert.NotEmpty(t, ok.SessionToken)

	update := readFrame(t, observer)
	require.Equal(t, "participants", update.Type)
	assert.Equal(t, []string{"Alice"}, update.Participants)
	require.Len(t, update.ParticipantsWithEmail, 1)
	assert.Equal(t, Participant{Name: "Alice", Email: "alice@example.com", Online: true}, update.ParticipantsWithEmail[0])
}

func TestDuplicateNameRejected(t *testing.T) {
	srv := newTestServer(t)

	first := dialWS(t, srv, "", "")
	ok := claim(t, first, "Alice", "alice@example.com")
	require.Equal(t, "name_ok", ok.Type)

	second := dialWS(t, srv, "", "")
	rejected := claim(t, second, "alice", "other@example.com")
	assert.Equal(t, "error", rejected.Type)
	assert.NotEmpty(t, rejected.Message)
}

func TestMalformedFramesIgnored(t *testing.T) {
	srv := newTestServer(t)

	conn := dialWS(t, srv, "", "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))

	// The connection survives both and the next valid command works.
	ok := claim(t, conn, "Alice", "alice@example.com")
	assert.Equal(t, "name_ok", ok.Type)
}

func TestTwoPersonDraw(t *testing.T) {
	srv := newTestServer(t)

	alice := dialWS(t, srv, "", "")
	require.Equal(t, "name_ok", claim(t, alice, "Alice", "alice@example.com").Type)

	bob := dialWS(t, srv, "", "")
	require.Equal(t, "name_ok", claim(t, bob, "Bob", "bob@example.com").Type)

	observer := dialWS(t, srv, "?role=observer", "")
	snapshot := readFrame(t, observer)
	require.Equal(t, []string{"Alice", "Bob"}, snapshot.Participants)

	require.NoError(t, observer.WriteJSON(ClientMessage{Type: "start_draw"}))

	// The only derangement of two participants swaps them.
	aliceResult := readFrame(t, alice)
	require.Equal(t, "your_target", aliceResult.Type)
	assert.Equal(t, "Bob", aliceResult.Target)

	bobResult := readFrame(t, bob)
	require.Equal(t, "your_target", bobResult.Type)
	assert.Equal(t, "Alice", bobResult.Target)

	complete := readFrame(t, observer)
	assert.Equal(t, "draw_complete", complete.Type)
}

func TestDrawWithoutParticipants(t *testing.T) {
	srv := newTestServer(t)

	observer := dialWS(t, srv, "?role=observer", "")
	readFrame(t, observer)

	require.NoError(t, observer.WriteJSON(ClientMessage{Type: "start_draw"}))

	frame := readFrame(t, observer)
	assert.Equal(t, "error", frame.Type)
	assert.NotEmpty(t, frame.Message)
}

func TestRemoveNameResetsParticipant(t *testing.T) {
	srv := newTestServer(t)

	participant := dialWS(t, srv, "", "")
	require.Equal(t, "name_ok", claim(t, participant, "Alice", "alice@example.com").Type)

	observer := dialWS(t, srv, "?role=observer", "")
	readFrame(t, observer)

	require.NoError(t, observer.WriteJSON(ClientMessage{Type: "remove_name", Name: "Alice"}))

	reset := readFrame(t, participant)
	assert.Equal(t, "reset", reset.Type)

	update := readFrame(t, observer)
	require.Equal(t, "participants", update.Type)
	assert.Empty(t, update.Participants)

	// Removing an absent name is a harmless no-op broadcast.
	require.NoError(t, observer.WriteJSON(ClientMessage{Type: "remove_name", Name: "Ghost"}))
	update = readFrame(t, observer)
	assert.Equal(t, "participants", update.Type)
	assert.Empty(t, update.Participants)
}

func TestSessionRestore(t *testing.T) {
	srv := newTestServer(t)

	token := newSessionToken()

	first := dialWS(t, srv, "", token)
	ok := claim(t, first, "Alice", "alice@example.com")
	require.Equal(t, "name_ok", ok.Type)
	assert.Equal(t, token, ok.SessionToken)
	require.NoError(t, first.Close())

	// Reconnecting before the draw restores the confirmed claim.
	second := dialWS(t, srv, "", token)
	restored := readFrame(t, second)
	require.Equal(t, "name_ok", restored.Type)
	assert.Equal(t, "Alice", restored.Name)

	bob := dialWS(t, srv, "", "")
	require.Equal(t, "name_ok", claim(t, bob, "Bob", "bob@example.com").Type)

	observer := dialWS(t, srv, "?role=observer", "")
	readFrame(t, observer)
	require.NoError(t, observer.WriteJSON(ClientMessage{Type: "start_draw"}))

	live := readFrame(t, second)
	require.Equal(t, "your_target", live.Type)
	require.Equal(t, "Bob", live.Target)
	require.NoError(t, second.Close())

	// Reconnecting after the draw replays the committed result, the same
	// on every reconnect.
	for i := 0; i < 2; i++ {
		conn := dialWS(t, srv, "", token)
		replay := readFrame(t, conn)
		require.Equal(t, "your_target", replay.Type)
		assert.Equal(t, "Bob", replay.Target)
		require.NoError(t, conn.Close())
	}
}

func TestSessionLookup(t *testing.T) {
	srv := newTestServer(t)

	token := newSessionToken()
	participant := dialWS(t, srv, "", token)
	require.Equal(t, "name_ok", claim(t, participant, "Alice", "alice@example.com").Type)

	resp, err := http.Get(srv.URL + "/santa/session/" + token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state SessionState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "Alice", state.Name)
	assert.Equal(t, "alice@example.com", state.Email)
	assert.Empty(t, state.Target)

	resp, err = http.Get(srv.URL + "/santa/session/" + newSessionToken())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
