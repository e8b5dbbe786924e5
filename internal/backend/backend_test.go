package backend

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/platt-gateway/internal/clusterhandle"
	"github.com/cuemby/platt-gateway/internal/index"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	cfc := newFrameConn(client)
	sfc := newFrameConn(server)

	done := make(chan error, 1)
	go func() { done <- cfc.writeFrame([]byte("hello world")) }()

	payload, err := sfc.readFrame()
	require.NoError(t, err)
	require.Equal(t, "hello world", string(payload))
	require.NoError(t, <-done)
}

func TestFrameJSONRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	cfc := newFrameConn(client)
	sfc := newFrameConn(server)

	type payload struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	in := payload{A: "x", B: 7}

	done := make(chan error, 1)
	go func() { done <- cfc.writeJSON(in) }()

	var out payload
	require.NoError(t, sfc.readJSON(&out))
	require.Equal(t, in, out)
	require.NoError(t, <-done)
}

func TestReadAckNackRecognizesNack(t *testing.T) {
	client, server := pipeConns(t)
	cfc := newFrameConn(client)

	go server.Write([]byte("nack"))

	err := cfc.readAckNack()
	require.ErrorIs(t, err, ErrNacked)
}

func TestReadAckNackRejectsUppercaseLegacyTokens(t *testing.T) {
	client, server := pipeConns(t)
	cfc := newFrameConn(client)

	go server.Write([]byte("ACK"))

	err := cfc.readAckNack()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNacked)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	client, server := pipeConns(t)
	sfc := newFrameConn(server)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(maxFrameSize)+1)
		if _, err := client.Write(buf); err != nil {
			done <- err
			return
		}
		// Drain the nack readFrame sends back so its Write doesn't block
		// forever on this unbuffered pipe.
		nack := make([]byte, 4)
		_, err := io.ReadFull(client, nack)
		done <- err
	}()

	_, err := sfc.readFrame()
	require.Error(t, err)
	require.NoError(t, <-done)
}

func TestReadFrameRejectsLengthThatCastsNegative(t *testing.T) {
	client, server := pipeConns(t)
	sfc := newFrameConn(server)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		// High bit set: casts to a negative int on a 64-bit platform.
		binary.LittleEndian.PutUint64(buf, uint64(1)<<63)
		if _, err := client.Write(buf); err != nil {
			done <- err
			return
		}
		nack := make([]byte, 4)
		_, err := io.ReadFull(client, nack)
		done <- err
	}()

	_, err := sfc.readFrame()
	require.Error(t, err)
	require.NoError(t, <-done)
}

func TestBrokerFanoutToMultipleSubscribers(t *testing.T) {
	source := make(chan index.Record, 4)
	b := newNewFileBroker(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	subA := b.Subscribe()
	subB := b.Subscribe()

	source <- index.Record{Namespace: "ns", Key: "k", Sha1sum: "h"}

	recA := <-subA
	recB := <-subB
	require.Equal(t, "k", recA.Key)
	require.Equal(t, "k", recB.Key)
}

func TestBrokerDropsWithoutSubscribers(t *testing.T) {
	source := make(chan index.Record, 4)
	b := newNewFileBroker(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	source <- index.Record{Namespace: "ns", Key: "k", Sha1sum: "h"}
	time.Sleep(50 * time.Millisecond) // drained and discarded, not blocked

	sub := b.Subscribe()
	select {
	case rec := <-sub:
		t.Fatalf("did not expect a buffered record, got %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

type stubSnapshotter struct {
	tree map[string]any
}

func (s stubSnapshotter) Snapshot(namespace string) map[string]any { return s.tree }

type stubReader struct {
	attrs   clusterhandle.ObjectAttrs
	content []byte
}

func (s stubReader) ReadObjectData(ctx context.Context, namespace, key string) (clusterhandle.ObjectAttrs, []byte, error) {
	return s.attrs, s.content, nil
}

func TestEndToEndNewFileMessageConversation(t *testing.T) {
	newFiles := make(chan index.Record, 4)
	srv := NewServer("127.0.0.1:0", newFiles, stubSnapshotter{}, stubReader{}, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.broker.Run(ctx)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		srv.handleConn(ctx, conn)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fc := newFrameConn(conn)
	require.NoError(t, fc.writeJSON(handshake{Task: TaskNewFileMessage}))

	newFiles <- index.Record{Namespace: "ns1", Key: "mesh.inp", Sha1sum: "abc123"}

	var got newFileMessage
	require.NoError(t, fc.readJSON(&got))
	require.Equal(t, "ns1", got.NewFile.Namespace)
	require.Equal(t, "mesh.inp", got.NewFile.Key)
	require.Equal(t, "abc123", got.NewFile.Sha1sum)
}

func TestEndToEndIndexConversation(t *testing.T) {
	tree := map[string]any{"ns1": map[string]any{"t0": map[string]any{}}}
	srv := NewServer("127.0.0.1:0", make(chan index.Record), stubSnapshotter{tree: tree}, stubReader{}, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		srv.handleConn(ctx, conn)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fc := newFrameConn(conn)
	require.NoError(t, fc.writeJSON(handshake{Task: TaskIndex}))
	require.NoError(t, fc.writeJSON(indexRequestMessage{Todo: "index"}))

	var reply indexReplyMessage
	require.NoError(t, fc.readJSON(&reply))
	require.Contains(t, reply.Index, "ns1")
}

func TestEndToEndFileDownloadConversation(t *testing.T) {
	content := []byte("element coordinates here")
	sum := sha1.Sum(content)
	attrs := clusterhandle.ObjectAttrs{"sha1sum": hex.EncodeToString(sum[:])}

	srv := NewServer("127.0.0.1:0", make(chan index.Record), stubSnapshotter{}, stubReader{attrs: attrs, content: content}, zerolog.Nop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		srv.handleConn(ctx, conn)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fc := newFrameConn(conn)
	require.NoError(t, fc.writeJSON(handshake{Task: TaskFileDownload}))
	require.NoError(t, fc.writeJSON(fileDownloadRequestMessage{
		RequestedFile: requestedFile{Namespace: "ns1", Key: "mesh.inp"},
	}))

	var reply fileDownloadReplyMessage
	require.NoError(t, fc.readJSON(&reply))
	require.Equal(t, content, reply.FileRequest.Contents)
	require.Equal(t, attrs["sha1sum"], reply.FileRequest.Tags["sha1sum"])

	gotSum := sha1.Sum(reply.FileRequest.Contents)
	require.Equal(t, hex.EncodeToString(gotSum[:]), attrs["sha1sum"])
}
