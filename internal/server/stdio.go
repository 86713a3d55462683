package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// Handler processes one decoded protocol message and returns the response
// to write back, or nil when there is none. Runtime and Gateway both
// satisfy it.
type Handler interface {
	Handle(ctx context.Context, sessionID string, msg *protocol.Message) *protocol.Message
}

// stdioSessionID is the session key for the single implicit stdio peer.
const stdioSessionID = "stdio"

// StdioOptions configures a StdioServer.
type StdioOptions struct {
	Handler Handler
	Stdin   io.Reader
	Stdout  io.Writer
	Logger  *zap.Logger

	// Control delivers functions executed on the serve goroutine between
	// messages, serializing state changes (config reloads) with request
	// handling. May be nil.
	Control <-chan func()
}

// StdioServer pumps newline-delimited JSON-RPC envelopes between stdin
// and stdout. It also satisfies Notifier so a Runtime can push
// server-initiated notifications onto the same stream.
type StdioServer struct {
	handler Handler
	stdin   io.Reader
	stdout  io.Writer
	control <-chan func()
	log     *zap.Logger

	writeMu sync.Mutex
}

// NewStdioServer creates a stdio server. Handler is required.
func NewStdioServer(opts StdioOptions) *StdioServer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &StdioServer{
		handler: opts.Handler,
		stdin:   opts.Stdin,
		stdout:  opts.Stdout,
		control: opts.Control,
		log:     log,
	}
}

type readResult struct {
	line []byte
	err  error
}

// Run serves until stdin closes or ctx is cancelled. A clean EOF returns
// nil so the process can exit 0 when the parent closes the pipe. On
// cancellation the stdin reader is closed when it supports Close, which
// unblocks the read goroutine; a plain os.Stdin reader otherwise stays
// blocked until process exit.
func (s *StdioServer) Run(ctx context.Context) error {
	reader := newLineReader(s.stdin)
	lines := make(chan readResult)
	go func() {
		for {
			line, err := reader.next()
			if len(line) > 0 {
				select {
				case lines <- readResult{line: line}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case lines <- readResult{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if closer, ok := s.stdin.(io.Closer); ok {
				_ = closer.Close()
			}
			return ctx.Err()
		case fn := <-s.control:
			fn()
		case res := <-lines:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					s.log.Info("stdin closed, shutting down")
					return nil
				}
				return fmt.Errorf("read stdin: %w", res.err)
			}
			s.handleLine(ctx, res.line)
		}
	}
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	msg, rpcErr := protocol.ValidateMessage(line)
	if rpcErr != nil {
		s.log.Warn("rejecting malformed message", zap.String("error", rpcErr.Message))
		s.write(protocol.NewErrorResponse(nil, rpcErr))
		return
	}

	if reply := s.handler.Handle(ctx, stdioSessionID, msg); reply != nil {
		s.write(reply)
	}
}

// Notify writes a server-initiated message to stdout. The session id is
// ignored; stdio has a single peer.
func (s *StdioServer) Notify(_ string, msg *protocol.Message) error {
	return s.write(msg)
}

// Broadcast writes a server-initiated message to stdout.
func (s *StdioServer) Broadcast(msg *protocol.Message) {
	if err := s.write(msg); err != nil {
		s.log.Warn("broadcast write failed", zap.Error(err))
	}
}

func (s *StdioServer) write(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdout.Write(data); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	return nil
}

// lineReader reads newline-delimited frames, returning each line as a
// fresh buffer so the caller may retain it across reads.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r)}
}

func (l *lineReader) next() ([]byte, error) {
	line, err := l.r.ReadBytes('\n')
	if len(line) == 0 {
		return nil, err
	}
	buf := make([]byte, len(line))
	copy(buf, line)
	return buf, err
}
