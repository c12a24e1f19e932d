package collab_test

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"plotwave.com/collab"
	"plotwave.com/collab/relay"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testToken(t *testing.T, sub string, name string) string {
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  sub,
		"name": name,
	}).SignedString([]byte("test-signing-key"))
	assert.Equal(t, err, nil)
	return token
}

func fastSettings() *collab.SessionSettings {
	settings := collab.DefaultSessionSettings()
	settings.Connection.ReconnectInitialInterval = 10 * time.Millisecond
	settings.Connection.ReconnectMaxInterval = 20 * time.Millisecond
	settings.Connection.PingTimeout = 50 * time.Millisecond
	settings.Ingestor.SnapshotTimeout = 200 * time.Millisecond
	return settings
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func startRelayServer(t *testing.T) (*relay.Relay, *httptest.Server) {
	r := relay.NewRelayWithDefaults(context.Background())
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		server.Close()
		r.Close()
	})
	return r, server
}

func connectTestSession(t *testing.T, url string, sub string, name string) *collab.Session {
	session, err := collab.NewSession(
		context.Background(),
		url,
		"doc-1",
		collab.NewStaticTokenSource(testToken(t, sub, name)),
		fastSettings(),
	)
	assert.Equal(t, err, nil)
	t.Cleanup(session.Close)

	err = session.Connect()
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return session.Connectivity().IsConnected()
	})
	return session
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestJoinCursorAnnotate(t *testing.T) {
	_, server := startRelayServer(t)

	session := connectTestSession(t, wsUrl(server), "u1", "User One")

	// the authoritative snapshot includes the joiner
	waitFor(t, 5*time.Second, func() bool {
		_, ok := session.Store().Collaborator("u1")
		return ok
	})

	session.MoveCursor(15, 42, "chart-0")
	annotationId := session.AddAnnotation("chart-0", collab.Position{X: 15, Y: 42}, "needs review")
	assert.Equal(t, annotationId.IsZero(), false)

	waitFor(t, 5*time.Second, func() bool {
		return len(session.Store().Annotations()) == 1
	})
	annotation := session.Store().Annotations()[0]
	assert.Equal(t, annotation.Id, annotationId)
	assert.Equal(t, annotation.AuthorId, "u1")
	assert.Equal(t, annotation.Text, "needs review")
	assert.Equal(t, annotation.SurfaceId, "chart-0")
}

func TestPresenceBetweenSessions(t *testing.T) {
	_, server := startRelayServer(t)

	session1 := connectTestSession(t, wsUrl(server), "u1", "User One")
	session2 := connectTestSession(t, wsUrl(server), "u2", "User Two")

	waitFor(t, 5*time.Second, func() bool {
		_, ok := session1.Store().Collaborator("u2")
		return ok
	})
	waitFor(t, 5*time.Second, func() bool {
		_, ok := session2.Store().Collaborator("u1")
		return ok
	})

	session1.MoveCursor(7, 8, "chart-0")
	waitFor(t, 5*time.Second, func() bool {
		collaborator, ok := session2.Store().Collaborator("u1")
		return ok && collaborator.LastCursor != nil
	})
	collaborator, _ := session2.Store().Collaborator("u1")
	assert.Equal(t, collaborator.LastCursor.Position, collab.Position{X: 7, Y: 8})

	session2.Close()
	waitFor(t, 5*time.Second, func() bool {
		_, ok := session1.Store().Collaborator("u2")
		return !ok
	})
}

func TestFollowEcho(t *testing.T) {
	_, server := startRelayServer(t)

	session1 := connectTestSession(t, wsUrl(server), "u1", "User One")
	session2 := connectTestSession(t, wsUrl(server), "u2", "User Two")

	waitFor(t, 5*time.Second, func() bool {
		_, ok := session1.Store().Collaborator("u2")
		return ok
	})

	// two-phase: the intent is only authoritative on the echo
	session1.StartFollowing("u2")
	waitFor(t, 5*time.Second, func() bool {
		return session1.Store().IsFollowing()
	})
	followMode, _ := session1.Store().FollowMode()
	assert.Equal(t, followMode.LeaderId, "u2")

	// peers see the relationship too
	waitFor(t, 5*time.Second, func() bool {
		collaborator, ok := session2.Store().Collaborator("u1")
		return ok && collaborator.IsFollowingId == "u2"
	})

	// the leader disconnecting implicitly stops the follow
	session2.Close()
	waitFor(t, 5*time.Second, func() bool {
		return !session1.Store().IsFollowing()
	})
}

func TestReconnectExhaustion(t *testing.T) {
	r, server := startRelayServer(t)

	session := connectTestSession(t, wsUrl(server), "u1", "User One")

	var connectivityLock sync.Mutex
	connectivities := []collab.Connectivity{}
	session.AddConnectivityCallback(func(connectivity collab.Connectivity) {
		connectivityLock.Lock()
		defer connectivityLock.Unlock()
		connectivities = append(connectivities, connectivity)
	})

	// drop everything and keep the relay down. httptest stops tracking
	// hijacked connections, so closing the relay is what actually drops
	// the live websocket; closing the server keeps redials failing.
	server.CloseClientConnections()
	server.Close()
	r.Close()

	waitFor(t, 10*time.Second, func() bool {
		return session.Connectivity() == collab.ConnectivityDisconnected
	})

	connectivityLock.Lock()
	sawReconnecting := false
	for _, connectivity := range connectivities {
		if connectivity == collab.ConnectivityReconnecting {
			sawReconnecting = true
		}
	}
	connectivityLock.Unlock()
	assert.Equal(t, sawReconnecting, true)

	// no further automatic attempts after exhaustion
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, session.Connectivity(), collab.ConnectivityDisconnected)
}

func TestProtocolRejectedNoRetry(t *testing.T) {
	r := relay.NewRelayWithDefaults(context.Background())
	defer r.Close()

	var dialLock sync.Mutex
	dialCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		dialLock.Lock()
		dialCount += 1
		dialLock.Unlock()
		r.ServeHTTP(w, req)
	}))
	defer server.Close()

	settings := fastSettings()
	connection := collab.NewConnectionManager(
		context.Background(),
		wsUrl(server),
		"doc-1",
		collab.Participant{Id: "u1", Name: "User One"},
		collab.NewStaticTokenSource("not-a-valid-token"),
		settings.Connection,
	)
	defer connection.Close()

	err := connection.Connect()
	assert.Equal(t, err, nil)

	waitFor(t, 5*time.Second, func() bool {
		return connection.Connectivity() == collab.ConnectivityDisconnected
	})

	// a rejected handshake is not retried
	time.Sleep(200 * time.Millisecond)
	dialLock.Lock()
	assert.Equal(t, dialCount, 1)
	dialLock.Unlock()
}

func TestAuthUnavailable(t *testing.T) {
	_, err := collab.NewSessionWithDefaults(
		context.Background(),
		"ws://localhost:0",
		"doc-1",
		collab.NewStaticTokenSource(""),
	)
	assert.Equal(t, errors.Is(err, collab.ErrAuthUnavailable), true)
}

// a relay stand-in that acks the handshake but never sends a snapshot
// on the second connection, to drive the reconnect reconciliation path
func TestReconnectWithoutSnapshot(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var connLock sync.Mutex
	connCount := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		connLock.Lock()
		connCount += 1
		n := connCount
		connLock.Unlock()

		// handshake
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		ackBytes, _ := collab.EncodeMessage(&collab.HandshakeAck{DocumentId: "doc-1"})
		ws.WriteMessage(websocket.TextMessage, ackBytes)
		// join
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}

		if n == 1 {
			snapshotBytes, _ := collab.EncodeMessage(&collab.SessionSnapshot{
				Collaborators: map[string]*collab.Collaborator{
					"u2": {Id: "u2", DisplayName: "User Two"},
				},
			})
			ws.WriteMessage(websocket.TextMessage, snapshotBytes)
			// drop the connection shortly after
			time.Sleep(100 * time.Millisecond)
			return
		}

		// no snapshot. Drain pings to keep the connection alive.
		for {
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	session, err := collab.NewSession(
		context.Background(),
		wsUrl(server),
		"doc-1",
		collab.NewStaticTokenSource(testToken(t, "u1", "User One")),
		fastSettings(),
	)
	assert.Equal(t, err, nil)
	defer session.Close()

	err = session.Connect()
	assert.Equal(t, err, nil)

	// pre-disconnect state from the first connection
	waitFor(t, 5*time.Second, func() bool {
		_, ok := session.Store().Collaborator("u2")
		return ok
	})

	// after the reconnect the snapshot never arrives, so the session
	// reconciles to an empty roster instead of stale presence
	waitFor(t, 10*time.Second, func() bool {
		return len(session.Store().Collaborators()) == 0
	})
}
