// Package backend implements the Backend Endpoint: a length-prefixed,
// ack/nack-framed JSON conversation protocol letting a
// downstream consumer subscribe to newly admitted objects, pull a full
// index snapshot, or download an object's bytes and tags.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/platt-gateway/internal/clusterhandle"
	"github.com/cuemby/platt-gateway/internal/index"
	"github.com/cuemby/platt-gateway/internal/metrics"
)

// IndexSnapshotter produces a deep-copied view of the index tree, optionally
// scoped to one namespace. Satisfied by *index.Store.
type IndexSnapshotter interface {
	Snapshot(namespace string) map[string]any
}

// ObjectReader fetches an object's tags and content. Satisfied by
// *arbiter.Arbiter.
type ObjectReader interface {
	ReadObjectData(ctx context.Context, namespace, key string) (clusterhandle.ObjectAttrs, []byte, error)
}

// handshakeTimeout bounds how long a freshly accepted connection may take
// to send its handshake frame.
const handshakeTimeout = 5 * time.Second

// Server accepts backend conversations on addr and dispatches each
// connection to the handler matching its handshake task.
type Server struct {
	addr      string
	snapshots IndexSnapshotter
	reader    ObjectReader
	broker    *newFileBroker
	log       zerolog.Logger
}

// NewServer builds a Server. newFiles is typically an index.Store's
// NewFileChan; the server owns fanning it out to every subscribed
// new_file_message conversation.
func NewServer(addr string, newFiles <-chan index.Record, snapshots IndexSnapshotter, reader ObjectReader, log zerolog.Logger) *Server {
	return &Server{
		addr:      addr,
		snapshots: snapshots,
		reader:    reader,
		broker:    newNewFileBroker(newFiles),
		log:       log.With().Str("component", "backend").Logger(),
	}
}

// ListenAndServe runs the broker and the accept loop until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("backend: listen on %s: %w", s.addr, err)
	}

	go s.broker.Run(ctx)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("backend: accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	fc := newFrameConn(conn)

	// The handshake is a control read; a peer that connects and never
	// declares its task is cut off after handshakeTimeout.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hs handshake
	if err := fc.readJSON(&hs); err != nil {
		s.log.Debug().Err(err).Msg("backend: handshake read failed")
		return
	}
	conn.SetReadDeadline(time.Time{})

	// Every conversation gets its own correlation ID so its frames can be
	// told apart in the logs from any other conversation of the same task
	// kind.
	connLog := s.log.With().Str("conversation_id", uuid.NewString()).Str("task", hs.Task).Logger()

	metrics.BackendConnectionsActive.WithLabelValues(hs.Task).Inc()
	defer metrics.BackendConnectionsActive.WithLabelValues(hs.Task).Dec()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch hs.Task {
	case TaskNewFileMessage:
		s.handleNewFileMessage(connCtx, cancel, conn, fc, connLog)
	case TaskIndex:
		s.handleIndex(connCtx, fc, connLog)
	case TaskFileDownload:
		s.handleFileDownload(connCtx, fc, connLog)
	default:
		connLog.Warn().Msg("backend: unknown handshake task")
	}
}

// handleNewFileMessage subscribes to the broker and pushes every new_file
// record until the peer disconnects. The EOF watcher runs only while this
// loop is idle on the subscription channel; each framed push reads acks
// off conn, so the watcher is stopped for the duration of the exchange and
// restarted afterwards.
func (s *Server) handleNewFileMessage(ctx context.Context, cancel context.CancelFunc, conn net.Conn, fc *frameConn, log zerolog.Logger) {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	stop := watchForEOF(ctx, conn, cancel)
	defer func() { stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub:
			if !ok {
				return
			}
			msg := newFileMessage{
				Todo: "new_file",
				NewFile: newFileWire{
					Namespace: rec.Namespace,
					Key:       rec.Key,
					Sha1sum:   rec.Sha1sum,
				},
			}
			stop()
			if err := fc.writeJSON(msg); err != nil {
				if errors.Is(err, ErrNacked) {
					metrics.BackendNacksTotal.WithLabelValues(TaskNewFileMessage).Inc()
					stop = watchForEOF(ctx, conn, cancel)
					continue
				}
				log.Debug().Err(err).Msg("backend: new_file_message push failed")
				return
			}
			metrics.BackendFramesTotal.WithLabelValues(TaskNewFileMessage, "sent").Inc()
			stop = watchForEOF(ctx, conn, cancel)
		}
	}
}

// handleIndex serves repeated index-snapshot requests on the same
// connection until the peer disconnects or a read fails.
func (s *Server) handleIndex(ctx context.Context, fc *frameConn, log zerolog.Logger) {
	for {
		var req indexRequestMessage
		if err := fc.readJSON(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("backend: index request read failed")
			}
			return
		}
		metrics.BackendFramesTotal.WithLabelValues(TaskIndex, "received").Inc()

		timer := metrics.NewTimer()
		tree := s.snapshots.Snapshot("")
		timer.ObserveDuration(metrics.IndexSnapshotDuration)

		reply := indexReplyMessage{Todo: "index", Index: tree}
		if err := fc.writeJSON(reply); err != nil {
			if errors.Is(err, ErrNacked) {
				metrics.BackendNacksTotal.WithLabelValues(TaskIndex).Inc()
				continue
			}
			log.Debug().Err(err).Msg("backend: index reply failed")
			return
		}
		metrics.BackendFramesTotal.WithLabelValues(TaskIndex, "sent").Inc()
	}
}

// handleFileDownload serves repeated object-download requests, reading
// tags and content through the arbiter and base64-encoding the content
// into the reply.
func (s *Server) handleFileDownload(ctx context.Context, fc *frameConn, log zerolog.Logger) {
	for {
		var req fileDownloadRequestMessage
		if err := fc.readJSON(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("backend: file_download request read failed")
			}
			return
		}
		metrics.BackendFramesTotal.WithLabelValues(TaskFileDownload, "received").Inc()

		tags, content, err := s.reader.ReadObjectData(ctx, req.RequestedFile.Namespace, req.RequestedFile.Key)
		if err != nil {
			log.Warn().Err(err).
				Str("namespace", req.RequestedFile.Namespace).
				Str("key", req.RequestedFile.Key).
				Msg("backend: file_download read failed")
			continue
		}

		reply := fileDownloadReplyMessage{
			Todo: "file_request",
			FileRequest: fileRequestWire{
				Namespace: req.RequestedFile.Namespace,
				Object:    req.RequestedFile.Key,
				Contents:  content,
				Tags:      tags,
			},
		}
		if err := fc.writeJSON(reply); err != nil {
			if errors.Is(err, ErrNacked) {
				metrics.BackendNacksTotal.WithLabelValues(TaskFileDownload).Inc()
				continue
			}
			log.Debug().Err(err).Msg("backend: file_download reply failed")
			return
		}
		metrics.BackendFramesTotal.WithLabelValues(TaskFileDownload, "sent").Inc()
	}
}

// HealthServer exposes liveness, readiness, and Prometheus scrape
// endpoints for the gateway process.
type HealthServer struct {
	mux   *http.ServeMux
	ready func() error
}

// NewHealthServer builds a HealthServer. ready is consulted by /ready and
// should return a non-nil error when the gateway isn't yet serving
// traffic (e.g. the arbiter hasn't dialed its pool).
func NewHealthServer(ready func() error) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{mux: mux, ready: ready}
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	return hs
}

// Start serves the health mux on addr until it fails or ctx is cancelled.
func (hs *HealthServer) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy"}`)
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := hs.ready(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not ready","message":%q}`, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready"}`)
}
