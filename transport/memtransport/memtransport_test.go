package memtransport

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiyeovo/core/transport"
)

func TestDialDeliversStreamToListener(t *testing.T) {
	net := NewNetwork()
	bob := net.Peer("bob")
	alice := net.Peer("alice")

	listener := bob.Listen(transport.ChatProtocolID)

	done := make(chan struct{})
	var serverMsg []byte
	go func() {
		defer close(done)
		stream, err := listener.Accept(context.Background())
		require.NoError(t, err)
		data, err := io.ReadAll(stream)
		require.NoError(t, err)
		serverMsg = data
		stream.Close()
	}()

	clientStream, err := alice.Dial(context.Background(), "bob", transport.ChatProtocolID)
	require.NoError(t, err)
	assert.Equal(t, "bob", clientStream.RemotePeerID())

	_, err = clientStream.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, clientStream.CloseWrite())

	<-done
	assert.Equal(t, []byte("hello"), serverMsg)
}

func TestDialToPeerNotListeningFails(t *testing.T) {
	net := NewNetwork()
	alice := net.Peer("alice")
	_, err := alice.Dial(context.Background(), "bob", transport.ChatProtocolID)
	assert.Error(t, err)
}

func TestRemotePeerIDOnResponderSide(t *testing.T) {
	net := NewNetwork()
	bob := net.Peer("bob")
	alice := net.Peer("alice")
	listener := bob.Listen(transport.ChatProtocolID)

	done := make(chan string, 1)
	go func() {
		stream, err := listener.Accept(context.Background())
		if err != nil {
			done <- ""
			return
		}
		done <- stream.RemotePeerID()
	}()

	_, err := alice.Dial(context.Background(), "bob", transport.ChatProtocolID)
	require.NoError(t, err)
	assert.Equal(t, "alice", <-done)
}
