package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipe_BidirectionalDelivery(t *testing.T) {
	srv := NewPipeServer()
	defer srv.Close()

	var mu sync.Mutex
	var serverGot []string
	var clientGot []string
	var serverConn Conn

	srv.OnConnect(func(c Conn) {
		mu.Lock()
		serverConn = c
		mu.Unlock()
	})
	srv.OnMessage(func(c Conn, channel string, payload []byte) {
		mu.Lock()
		serverGot = append(serverGot, channel+":"+string(payload))
		mu.Unlock()
	})

	cl := srv.Dial()
	cl.OnMessage(func(channel string, payload []byte) {
		mu.Lock()
		clientGot = append(clientGot, channel+":"+string(payload))
		mu.Unlock()
	})

	require.NoError(t, cl.Connect(context.Background()))
	require.NotNil(t, serverConn)
	require.NotEmpty(t, serverConn.ID())

	require.NoError(t, cl.Send("input", []byte("a")))
	require.NoError(t, cl.Send("input", []byte("b")))
	require.NoError(t, serverConn.Send("snapshot", []byte("s1")))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(serverGot) == 2 && len(clientGot) == 1
	}, "messages not delivered")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"input:a", "input:b"}, serverGot, "delivery must preserve order")
	require.Equal(t, []string{"snapshot:s1"}, clientGot)
}

func TestPipe_DisconnectCallbacks(t *testing.T) {
	srv := NewPipeServer()
	defer srv.Close()

	var mu sync.Mutex
	disconnects := 0
	clientClosed := false

	srv.OnDisconnect(func(Conn) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})

	cl := srv.Dial()
	cl.OnDisconnect(func(error) {
		mu.Lock()
		clientClosed = true
		mu.Unlock()
	})
	require.NoError(t, cl.Connect(context.Background()))

	require.NoError(t, cl.Close())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects == 1 && clientClosed
	}, "disconnect callbacks not delivered")

	require.Error(t, cl.Send("input", []byte("late")), "send after close must fail")
}

func TestPipe_ServerCloseRejectsNewConnections(t *testing.T) {
	srv := NewPipeServer()
	require.NoError(t, srv.Close())

	cl := srv.Dial()
	require.Error(t, cl.Connect(context.Background()))
}

func TestFrame_RoundTrip(t *testing.T) {
	buf, err := frame("snapshot", []byte{1, 2, 3})
	require.NoError(t, err)

	channel, payload, err := unframe(buf)
	require.NoError(t, err)
	require.Equal(t, "snapshot", channel)
	require.Equal(t, []byte{1, 2, 3}, payload)
}

func TestFrame_Malformed(t *testing.T) {
	if _, err := frame("", nil); err == nil {
		t.Error("empty channel accepted")
	}
	if _, _, err := unframe(nil); err == nil {
		t.Error("empty frame accepted")
	}
	if _, _, err := unframe([]byte{10, 'a'}); err == nil {
		t.Error("truncated frame accepted")
	}
}
