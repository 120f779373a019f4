package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

type fakeSource struct {
	mu      sync.Mutex
	status  kneader.Status
	subs    []chan kneader.Status
	handled []kneader.Command
}

func (f *fakeSource) Status() kneader.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) Subscribe() (<-chan kneader.Status, func()) {
	ch := make(chan kneader.Status, 4)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSource) Handle(ctx context.Context, cmd kneader.Command) kneader.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, cmd)
	return kneader.Ack{Status: kneader.AckSuccess, Message: "ok"}
}

func (f *fakeSource) push(st kneader.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
	for _, ch := range f.subs {
		ch <- st
	}
}

type received struct {
	Type MessageType            `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func startHub(t *testing.T) (*fakeSource, *Hub, *websocket.Conn) {
	t.Helper()
	source := &fakeSource{status: kneader.Status{ProcessState: kneader.StateIdle}}
	hub := NewHub(source, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return source, hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_PushesStatus(t *testing.T) {
	source, hub, conn := startHub(t)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeProcessStatus, msg.Type)
	assert.Equal(t, "IDLE", msg.Data["process_state"])
	assert.Equal(t, 1, hub.GetClientCount())

	source.push(kneader.Status{ProcessState: kneader.StateMixing, WorkorderID: "WO-1"})

	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeProcessStatus, msg.Type)
	assert.Equal(t, "MIXING", msg.Data["process_state"])
	assert.Equal(t, "WO-1", msg.Data["workorder_id"])
}

func TestHub_Command(t *testing.T) {
	source, _, conn := startHub(t)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "command",
		"id":      "42",
		"command": "scan_item",
		"data":    map[string]interface{}{"barcode": "A"},
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeCommandResult, msg.Type)
	assert.Equal(t, "42", msg.Data["id"])

	source.mu.Lock()
	defer source.mu.Unlock()
	require.Len(t, source.handled, 1)
	assert.Equal(t, "A", source.handled[0].Barcode())
}
