package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/config"
	"github.com/ricoschulte/opentalk-controller/internal/kvtest"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/modules/control"
	"github.com/ricoschulte/opentalk-controller/internal/modules/moderation"
	"github.com/ricoschulte/opentalk-controller/internal/pubsubtest"
	"github.com/ricoschulte/opentalk-controller/internal/room"
	"github.com/ricoschulte/opentalk-controller/internal/transport"
	"github.com/ricoschulte/opentalk-controller/internal/wire"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

type fakeRoomConfig struct {
	cfg room.StaticConfig
}

func (f fakeRoomConfig) Resolve(_ context.Context, roomID string) (room.StaticConfig, error) {
	cfg := f.cfg
	cfg.RoomID = roomID
	return cfg, nil
}

type harness struct {
	coord   *room.Coordinator
	rooms   *room.Registry
	modules *module.Registry
	srv     *httptest.Server
}

func newHarness(t *testing.T, staticCfg room.StaticConfig, appCfg *config.Config) *harness {
	t.Helper()
	bus := pubsubtest.New()
	coord := room.NewCoordinator(kvtest.New(), 0)
	rooms := room.NewRegistry(bus, coord)
	modules := module.NewRegistry(control.New(nil), moderation.New())
	roomCfg := fakeRoomConfig{cfg: staticCfg}

	h := &harness{coord: coord, rooms: rooms, modules: modules}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := transport.NewConnection(uuid.NewString(), ws)
		conn.Start()
		rn := New(conn, modules, rooms, coord, appCfg, roomCfg, nil)
		go rn.Run(context.Background(), "room-1")
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + h.srv.URL[len("http"):] + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendFrame(t *testing.T, c *websocket.Conn, namespace, action string, payload any) {
	t.Helper()
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	data, err := json.Marshal(wire.Inbound{Namespace: namespace, Action: action, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

type envelope struct {
	Namespace string          `json:"namespace"`
	Message   json.RawMessage `json:"message"`
}

func readEnvelope(t *testing.T, c *websocket.Conn) envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestRunner_DirectEntryReceivesJoinSuccess(t *testing.T) {
	h := newHarness(t, room.StaticConfig{}, &config.Config{})
	client := h.dial(t)

	sendFrame(t, client, wire.SessionNamespace, "join", wire.JoinPayload{DisplayName: "Alice", UserID: "U1"})

	env := readEnvelope(t, client)
	require.Equal(t, wire.SessionNamespace, env.Namespace)
	var msg wire.JoinSuccessMessage
	require.NoError(t, json.Unmarshal(env.Message, &msg))
	require.NotEmpty(t, msg.ParticipantID)
	require.Equal(t, string(room.RoleUser), msg.Role)
	require.Contains(t, msg.Modules, control.Namespace)
}

func TestRunner_ParticipantLimitBlocksJoin(t *testing.T) {
	appCfg := &config.Config{DefaultTariff: config.Tariff{ParticipantLimit: 1}}
	h := newHarness(t, room.StaticConfig{}, appCfg)
	require.NoError(t, h.coord.AddToRoster(context.Background(), "room-1", "existing-participant"))

	client := h.dial(t)
	sendFrame(t, client, wire.SessionNamespace, "join", wire.JoinPayload{DisplayName: "Bob", UserID: "U2"})

	env := readEnvelope(t, client)
	require.Equal(t, wire.SessionNamespace, env.Namespace)
	var msg wire.JoinBlockedMessage
	require.NoError(t, json.Unmarshal(env.Message, &msg))
	require.Equal(t, wire.CloseParticipantCap, msg.Reason)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
}

func TestRunner_BannedUserClosedWithoutJoinSuccess(t *testing.T) {
	h := newHarness(t, room.StaticConfig{}, &config.Config{})
	require.NoError(t, h.coord.BanUser(context.Background(), "room-1", "U-banned"))

	client := h.dial(t)
	sendFrame(t, client, wire.SessionNamespace, "join", wire.JoinPayload{DisplayName: "Grace", UserID: "U-banned"})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

// TestRunner_WaitingRoomAcceptAndEnter exercises end-to-end scenario 1 from
// §8: a waiting guest is accepted by a moderator and then completes entry.
func TestRunner_WaitingRoomAcceptAndEnter(t *testing.T) {
	h := newHarness(t, room.StaticConfig{CreatorUserID: "U-bob", WaitingRoomDefault: true}, &config.Config{})

	bob := h.dial(t)
	sendFrame(t, bob, wire.SessionNamespace, "join", wire.JoinPayload{DisplayName: "Bob", UserID: "U-bob"})
	bobJoin := readEnvelope(t, bob)
	require.Equal(t, wire.SessionNamespace, bobJoin.Namespace)

	alice := h.dial(t)
	sendFrame(t, alice, wire.SessionNamespace, "join", wire.JoinPayload{DisplayName: "Alice", UserID: "U-alice"})
	aliceWaiting := readEnvelope(t, alice)
	require.Equal(t, wire.SessionNamespace, aliceWaiting.Namespace)
	var inWaiting wire.InWaitingRoomMessage
	require.NoError(t, json.Unmarshal(aliceWaiting.Message, &inWaiting))

	notify := readEnvelope(t, bob)
	require.Equal(t, moderation.Namespace, notify.Namespace)
	var notifyMsg struct {
		ParticipantID string `json:"participant_id"`
	}
	require.NoError(t, json.Unmarshal(notify.Message, &notifyMsg))
	require.NotEmpty(t, notifyMsg.ParticipantID)
	aliceID := notifyMsg.ParticipantID

	sendFrame(t, bob, moderation.Namespace, "accept", struct {
		Target string `json:"target"`
	}{Target: aliceID})

	leftWaiting := readEnvelope(t, bob)
	require.Equal(t, moderation.Namespace, leftWaiting.Namespace)

	accepted := readEnvelope(t, alice)
	require.Equal(t, moderation.Namespace, accepted.Namespace)

	sendFrame(t, alice, control.Namespace, "enter_room", nil)

	aliceSuccess := readEnvelope(t, alice)
	require.Equal(t, wire.SessionNamespace, aliceSuccess.Namespace)
	var successMsg wire.JoinSuccessMessage
	require.NoError(t, json.Unmarshal(aliceSuccess.Message, &successMsg))
	require.Equal(t, aliceID, successMsg.ParticipantID)

	joinedForBob := readEnvelope(t, bob)
	require.Equal(t, control.Namespace, joinedForBob.Namespace)
}

func TestRunner_ModeratorBypassesWaitingRoom(t *testing.T) {
	h := newHarness(t, room.StaticConfig{CreatorUserID: "U-mod", WaitingRoomDefault: true}, &config.Config{})
	client := h.dial(t)
	sendFrame(t, client, wire.SessionNamespace, "join", wire.JoinPayload{DisplayName: "Mod", UserID: "U-mod"})

	env := readEnvelope(t, client)
	require.Equal(t, wire.SessionNamespace, env.Namespace)
	var msg wire.JoinSuccessMessage
	require.NoError(t, json.Unmarshal(env.Message, &msg))
	require.Equal(t, string(room.RoleModerator), msg.Role)
}
