package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/platt-gateway/internal/index"
)

func startTestServer(t *testing.T) (addr string, out chan index.Record) {
	t.Helper()
	out = make(chan index.Record, 16)
	s := NewServer("", out, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { <-ctx.Done(); ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(ctx, conn)
		}
	}()
	t.Cleanup(cancel)
	return ln.Addr().String(), out
}

func sendPayload(t *testing.T, addr string, payload []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}
}

func TestIngestWellFormedAnnouncement(t *testing.T) {
	addr, out := startTestServer(t)
	sendPayload(t, addr, []byte("ns1\tuniverse.fo.eo.nodes@000000001.000000\tdeadbeef"))

	select {
	case rec := <-out:
		require.Equal(t, "ns1", rec.Namespace)
		require.Equal(t, "universe.fo.eo.nodes@000000001.000000", rec.Key)
		require.Equal(t, "deadbeef", rec.Sha1sum)
	case <-time.After(time.Second):
		t.Fatal("expected a forwarded record")
	}
}

func TestIngestEmptyPayloadIgnored(t *testing.T) {
	addr, out := startTestServer(t)
	sendPayload(t, addr, nil)

	select {
	case rec := <-out:
		t.Fatalf("did not expect a record, got %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIngestMalformedPayloadIgnored(t *testing.T) {
	addr, out := startTestServer(t)
	sendPayload(t, addr, []byte("not-tab-separated"))

	select {
	case rec := <-out:
		t.Fatalf("did not expect a record, got %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIngestConcurrentAnnouncementsAllArrive(t *testing.T) {
	addr, out := startTestServer(t)

	for i := 0; i < 10; i++ {
		go sendPayload(t, addr, []byte("ns1\tkey\thash"))
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 10 {
		select {
		case <-out:
			received++
		case <-timeout:
			t.Fatalf("only received %d of 10 announcements", received)
		}
	}
}
