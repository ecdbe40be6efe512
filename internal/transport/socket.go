package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbuschat/relay/internal/hub"
)

var (
	errSocketClosed = errors.New("socket closed")
	errWriterStuck  = errors.New("socket writer queue full")
)

// outboundWrite pairs a payload with its completion callback.
type outboundWrite struct {
	data []byte
	done func(error)
}

// wsSocket adapts a gorilla/websocket connection to the hub's Socket
// contract. A single writer goroutine serializes data frames; control frames
// (ping, close) go through WriteControl, which gorilla allows concurrently
// with a data writer.
//
// Every accepted Send completes exactly once: through the write result, or
// with errSocketClosed when the socket is torn down first.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	buffered atomic.Int64

	mu     sync.Mutex
	state  hub.ReadyState
	writes chan outboundWrite
	done   chan struct{}
}

const writerQueueCap = 512

func newWSSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	s := &wsSocket{
		conn:         conn,
		writeTimeout: writeTimeout,
		state:        hub.StateOpen,
		writes:       make(chan outboundWrite, writerQueueCap),
		done:         make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *wsSocket) ReadyState() hub.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *wsSocket) BufferedAmount() int64 {
	return s.buffered.Load()
}

func (s *wsSocket) Send(data []byte, done func(err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != hub.StateOpen {
		return errSocketClosed
	}

	s.buffered.Add(int64(len(data)))
	select {
	case s.writes <- outboundWrite{data: data, done: done}:
		return nil
	default:
		s.buffered.Add(-int64(len(data)))
		return errWriterStuck
	}
}

func (s *wsSocket) writeLoop() {
	for {
		select {
		case w := <-s.writes:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, w.data)
			s.buffered.Add(-int64(len(w.data)))
			w.done(err)
		case <-s.done:
			return
		}
	}
}

// Close sends a close frame and tears the socket down.
func (s *wsSocket) Close(code int, reason string) error {
	deadline := time.Now().Add(s.writeTimeout)
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	s.teardown()
	return err
}

// Terminate drops the connection without a close handshake.
func (s *wsSocket) Terminate() {
	s.teardown()
}

func (s *wsSocket) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// teardown moves the socket to closed, fails every parked write so its
// completion still fires, stops the writer, and closes the underlying
// connection. Idempotent.
func (s *wsSocket) teardown() {
	s.mu.Lock()
	if s.state == hub.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = hub.StateClosed
	close(s.done)
	for {
		select {
		case w := <-s.writes:
			s.buffered.Add(-int64(len(w.data)))
			w.done(errSocketClosed)
		default:
			s.mu.Unlock()
			s.conn.Close()
			return
		}
	}
}
