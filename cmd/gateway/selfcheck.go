package main

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cuemby/platt-gateway/internal/arbiter"
	"github.com/cuemby/platt-gateway/internal/backend"
	"github.com/cuemby/platt-gateway/internal/clusterhandle"
	"github.com/cuemby/platt-gateway/internal/clusterstore"
	"github.com/cuemby/platt-gateway/internal/gwlog"
	"github.com/cuemby/platt-gateway/internal/index"
	"github.com/cuemby/platt-gateway/internal/ingest"
	"github.com/cuemby/platt-gateway/internal/refresher"
)

// runSelfCheck backs the --test flag: it wires up every core component
// against a throwaway BoltDB cluster store, drives one object through
// ingest admission (with the arbiter's hash lookup) and the backend index
// and file_download conversations, and reports pass/fail without
// requiring a real storage cluster or simulation client. The refresher is
// wired and running, but the check does not wait for its first sweep.
func runSelfCheck() error {
	log := gwlog.Component(gwlog.ComponentCore)
	fmt.Println("running embedded self-check...")

	dir, err := os.MkdirTemp("", "gateway-selfcheck-*")
	if err != nil {
		return fmt.Errorf("self-check: create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := clusterstore.Open(filepath.Join(dir, "cluster.db"))
	if err != nil {
		return fmt.Errorf("self-check: open cluster store: %w", err)
	}
	defer store.Close()

	content := []byte("self-check element coordinates")
	sum := sha1.Sum(content)
	wantSum := hex.EncodeToString(sum[:])
	const (
		namespace = "selfcheck_ns"
		key       = "x/universe.fo.eo.nodes@000000001.000000"
	)
	if err := store.PutObject(namespace, key, content, clusterhandle.ObjectAttrs{}); err != nil {
		return fmt.Errorf("self-check: seed object: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	dialer := clusterstore.NewDialer(store)
	arb, err := arbiter.Dial(ctx, dialer, dir, "selfcheck_pool", "selfcheck_user", arbiter.DefaultPoolSizes(), log)
	if err != nil {
		return fmt.Errorf("self-check: dial arbiter: %w", err)
	}
	// Shutdown waits for pool workers to observe ctx cancellation before
	// returning, so cancel must run first; a single combined defer (rather
	// than two separate ones) guarantees that ordering regardless of which
	// return statement below fires.
	defer func() {
		cancel()
		arb.Shutdown()
	}()

	idx := index.NewStore(arb, log)
	go idx.Run(ctx)

	ref := refresher.New(arb, idx.SweepChan(), idx.RefresherChan(), log)
	go ref.Run(ctx)

	ingestAddr := "127.0.0.1:18910"
	backendAddr := "127.0.0.1:18909"

	ingestSrv := ingest.NewServer(ingestAddr, idx.IngestChan(), log)
	backendSrv := backend.NewServer(backendAddr, idx.NewFileChan(), idx, arb, log)

	errCh := make(chan error, 2)
	go func() { errCh <- ingestSrv.ListenAndServe(ctx) }()
	go func() { errCh <- backendSrv.ListenAndServe(ctx) }()

	if err := waitForDial(ctx, ingestAddr); err != nil {
		return fmt.Errorf("self-check: ingest endpoint never came up: %w", err)
	}
	if err := waitForDial(ctx, backendAddr); err != nil {
		return fmt.Errorf("self-check: backend endpoint never came up: %w", err)
	}

	fmt.Println("  [1/4] announcing new object over the ingest endpoint...")
	if err := sendIngestAnnouncement(ingestAddr, namespace, key, ""); err != nil {
		return fmt.Errorf("self-check: ingest announcement: %w", err)
	}

	fmt.Println("  [2/4] waiting for the object to reach the index...")
	if err := waitForIndexEntry(ctx, idx, namespace); err != nil {
		return fmt.Errorf("self-check: index did not admit announced object: %w", err)
	}

	fmt.Println("  [3/4] fetching index snapshot over the backend endpoint...")
	gotTree, err := fetchIndexOverBackend(backendAddr)
	if err != nil {
		return fmt.Errorf("self-check: backend index conversation: %w", err)
	}
	if _, ok := gotTree[namespace]; !ok {
		return fmt.Errorf("self-check: backend index snapshot missing namespace %q", namespace)
	}

	fmt.Println("  [4/4] downloading object contents over the backend endpoint...")
	gotContent, gotSha, err := fetchFileOverBackend(backendAddr, namespace, key)
	if err != nil {
		return fmt.Errorf("self-check: backend file_download conversation: %w", err)
	}
	if string(gotContent) != string(content) {
		return fmt.Errorf("self-check: downloaded content mismatch")
	}
	if gotSha != wantSum {
		return fmt.Errorf("self-check: downloaded sha1sum mismatch: got %s want %s", gotSha, wantSum)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("self-check: server exited early: %w", err)
		}
	default:
	}

	fmt.Println("self-check passed")
	return nil
}

func waitForDial(ctx context.Context, addr string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out dialing %s", addr)
}

func sendIngestAnnouncement(addr, namespace, key, sha1sum string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(namespace + "\t" + key + "\t" + sha1sum))
	return err
}

func waitForIndexEntry(ctx context.Context, idx *index.Store, namespace string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if snap := idx.Snapshot(namespace); len(snap) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for index admission")
}

// selfCheckConn is a minimal client for the backend's length-prefixed
// ack/nack framing protocol, independent of the unexported frameConn the
// server uses, since the self-check plays the role of an external backend
// consumer.
type selfCheckConn struct {
	net.Conn
	r *bufio.Reader
}

func newSelfCheckConn(conn net.Conn) *selfCheckConn {
	return &selfCheckConn{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *selfCheckConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	lengthPrefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(lengthPrefix, uint64(len(data)))
	if _, err := c.Write(lengthPrefix); err != nil {
		return err
	}
	if err := c.readAckNack(); err != nil {
		return err
	}
	if _, err := c.Write(data); err != nil {
		return err
	}
	return c.readAckNack()
}

// selfCheckMaxFrameSize mirrors internal/backend's maxFrameSize: a
// declared length beyond this (or negative once cast to int) is a frame
// protocol violation, nacked before any allocation rather than trusted.
const selfCheckMaxFrameSize = 256 << 20 // 256 MiB

func (c *selfCheckConn) readJSON(v any) error {
	lengthPrefix := make([]byte, 8)
	if _, err := io.ReadFull(c.r, lengthPrefix); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint64(lengthPrefix)
	if length > selfCheckMaxFrameSize {
		c.Write([]byte("nack"))
		return fmt.Errorf("declared frame length out of bounds: %d", length)
	}
	if _, err := c.Write([]byte("ack")); err != nil {
		return err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		c.Write([]byte("nack"))
		return err
	}
	if _, err := c.Write([]byte("ack")); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// readAckNack is case-sensitive: the protocol uses lowercase tokens
// within the frame boundary, matching internal/backend.
func (c *selfCheckConn) readAckNack() error {
	buf := make([]byte, 3)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return err
	}
	switch string(buf) {
	case "ack":
		return nil
	case "nac":
		extra := make([]byte, 1)
		io.ReadFull(c.r, extra)
		return fmt.Errorf("peer nacked frame")
	default:
		return fmt.Errorf("malformed ack/nack token %q", buf)
	}
}

type selfCheckHandshake struct {
	Task string `json:"task"`
}

type selfCheckIndexRequest struct {
	Todo string `json:"todo"`
}

type selfCheckIndexReply struct {
	Todo  string         `json:"todo"`
	Index map[string]any `json:"index"`
}

type selfCheckFileRequest struct {
	RequestedFile struct {
		Namespace string `json:"namespace"`
		Key       string `json:"key"`
	} `json:"requested_file"`
}

type selfCheckFileReply struct {
	Todo        string `json:"todo"`
	FileRequest struct {
		Namespace string            `json:"namespace"`
		Object    string            `json:"object"`
		Contents  string            `json:"contents"`
		Tags      map[string]string `json:"tags"`
	} `json:"file_request"`
}

func fetchIndexOverBackend(addr string) (map[string]any, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	sc := newSelfCheckConn(conn)

	if err := sc.writeJSON(selfCheckHandshake{Task: backend.TaskIndex}); err != nil {
		return nil, err
	}
	if err := sc.writeJSON(selfCheckIndexRequest{Todo: "index"}); err != nil {
		return nil, err
	}
	var reply selfCheckIndexReply
	if err := sc.readJSON(&reply); err != nil {
		return nil, err
	}
	return reply.Index, nil
}

func fetchFileOverBackend(addr, namespace, key string) ([]byte, string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, "", err
	}
	defer conn.Close()
	sc := newSelfCheckConn(conn)

	if err := sc.writeJSON(selfCheckHandshake{Task: backend.TaskFileDownload}); err != nil {
		return nil, "", err
	}
	req := selfCheckFileRequest{}
	req.RequestedFile.Namespace = namespace
	req.RequestedFile.Key = key
	if err := sc.writeJSON(req); err != nil {
		return nil, "", err
	}
	var reply selfCheckFileReply
	if err := sc.readJSON(&reply); err != nil {
		return nil, "", err
	}
	raw, err := base64.StdEncoding.DecodeString(reply.FileRequest.Contents)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 contents: %w", err)
	}
	return raw, reply.FileRequest.Tags["sha1sum"], nil
}
