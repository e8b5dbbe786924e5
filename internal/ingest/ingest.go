// Package ingest implements the Ingest Endpoint: a TCP listener on the
// simulation port that accepts one-shot announcements of new objects.
package ingest

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/cuemby/platt-gateway/internal/index"
	"github.com/cuemby/platt-gateway/internal/metrics"
)

const (
	readBufferSize = 1024
	readTimeout    = 5 * time.Second
)

// Server accepts simulation announcements and forwards them to the Index
// Store's inbound-from-ingest channel.
type Server struct {
	addr string
	out  chan<- index.Record
	log  zerolog.Logger
}

// NewServer returns an ingest Server listening on addr. out is typically
// an index.Store's IngestChan().
func NewServer(addr string, out chan<- index.Record, log zerolog.Logger) *Server {
	return &Server{addr: addr, out: out, log: log}
}

// ListenAndServe binds the simulation port and serves until ctx is
// cancelled. Every accepted connection is handled independently so many
// concurrent simulation clients can be served without blocking one
// another.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info().Str("addr", s.addr).Msg("ingest endpoint listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("ingest accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			metrics.IngestConnectionsTotal.WithLabelValues("timeout").Inc()
			s.log.Debug().Msg("ingest read timed out")
			return
		}
		metrics.IngestConnectionsTotal.WithLabelValues("malformed").Inc()
		s.log.Debug().Msg("ingest received empty payload")
		return
	}

	payload := buf[:n]
	if !utf8.Valid(payload) {
		metrics.IngestConnectionsTotal.WithLabelValues("malformed").Inc()
		s.log.Debug().Msg("ingest payload is not valid UTF-8")
		return
	}

	fields := strings.Split(string(payload), "\t")
	if len(fields) != 3 {
		metrics.IngestConnectionsTotal.WithLabelValues("malformed").Inc()
		s.log.Debug().Int("fields", len(fields)).Msg("ingest payload is not formatted correctly")
		return
	}

	rec := index.Record{Namespace: fields[0], Key: fields[1], Sha1sum: fields[2]}
	select {
	case s.out <- rec:
		metrics.IngestConnectionsTotal.WithLabelValues("accepted").Inc()
	case <-ctx.Done():
	}
}
