package hmi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, cmd kneader.Command) kneader.Response {
	switch cmd.Command {
	case "get_status":
		return kneader.Status{ProcessState: kneader.StatePrescanning, WorkorderID: "WO-1", Steps: []kneader.StepStatus{}}
	case "prescan_item":
		return kneader.Ack{Status: kneader.AckSuccess, Message: "Item " + cmd.Barcode() + " prescanned"}
	}
	return kneader.Ack{Status: kneader.AckError, Message: "Unknown command: " + cmd.Command}
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", echoHandler{}, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestClientRoundTrip(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, s.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, kneader.StatePrescanning, st.ProcessState)
	assert.Equal(t, "WO-1", st.WorkorderID)

	a, err := c.Ack(ctx, kneader.Command{Command: "prescan_item", Data: map[string]interface{}{"barcode": "4711"}})
	require.NoError(t, err)
	assert.Equal(t, kneader.AckSuccess, a.Status)
	assert.Equal(t, "Item 4711 prescanned", a.Message)

	// same connection still usable
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "WO-1", st.WorkorderID)
}

func TestMalformedLineKeepsConnectionOpen(t *testing.T) {
	s := startServer(t)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	readAck := func() kneader.Ack {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var a kneader.Ack
		require.NoError(t, json.Unmarshal(line, &a))
		return a
	}

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	a := readAck()
	assert.Equal(t, kneader.AckError, a.Status)
	assert.Contains(t, a.Message, "Invalid JSON")

	_, err = conn.Write([]byte("{\"data\":{}}\n"))
	require.NoError(t, err)
	assert.Equal(t, "Missing command", readAck().Message)

	// blank lines are ignored, the next command is answered normally
	_, err = conn.Write([]byte("\n{\"command\":\"bogus\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, "Unknown command: bogus", readAck().Message)
}

func TestStopClosesClients(t *testing.T) {
	s := NewServer("127.0.0.1:0", echoHandler{}, zaptest.NewLogger(t))
	require.NoError(t, s.Start())

	c, err := Dial(context.Background(), s.Addr().String(), time.Second)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, s.Stop())

	_, err = c.Status(context.Background())
	assert.Error(t, err)
}
