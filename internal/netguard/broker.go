package netguard

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"code-sandbox/internal/dlp"
)

// maxRequestBytes bounds one broker request line, payload included.
const maxRequestBytes = 4 << 20

const connIdleTimeout = 30 * time.Second

// Broker operations sent by the bootstrap.
const (
	opCheck   = "check"   // decide without recording, ahead of name resolution
	opConnect = "connect" // decide and record a connection attempt
	opSend    = "send"    // DLP over a payload on an already decided connection
	opSendTo  = "sendto"  // DLP, then decide, for a connectionless payload
)

type request struct {
	Op   string `json:"op"`
	Host string `json:"host"`
	Port int    `json:"port"`
	Data []byte `json:"data,omitempty"`
}

type response struct {
	Allow      bool     `json:"allow"`
	Kind       string   `json:"kind,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// broker answers bootstrap requests over a unix socket. Each connection
// carries newline-delimited JSON requests, each answered in order.
type broker struct {
	path     string
	guard    *Guard
	listener net.Listener

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func startBroker(path string, g *Guard) (*broker, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	// The child may run as another user inside a container.
	if err := os.Chmod(path, 0o777); err != nil { // #nosec G302 -- socket lives in a private work directory
		_ = ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}

	b := &broker{
		path:     path,
		guard:    g,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}
	b.wg.Add(1)
	go b.serve()
	return b, nil
}

func (b *broker) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.guard.logger.Error().Err(err).Msg("broker accept failed")
			return
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.conns[conn] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go b.handle(conn)
	}
}

func (b *broker) handle(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)
	enc := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				b.guard.logger.Warn().Err(err).Msg("broker read failed")
			}
			return
		}

		var req request
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = response{Allow: false, Kind: "error", Reason: "malformed request"}
		} else {
			resp = b.dispatch(req)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (b *broker) dispatch(req request) response {
	var err error
	switch req.Op {
	case opCheck:
		allowed, reason := b.guard.policy.Decide(req.Host)
		return response{Allow: allowed, Kind: "network", Reason: reason}
	case opConnect:
		err = b.guard.Check(req.Host, req.Port)
	case opSend:
		err = b.guard.Inspect(req.Host, req.Port, req.Data)
	case opSendTo:
		err = b.guard.Gate(req.Host, req.Port, req.Data)
	default:
		return response{Allow: false, Kind: "error", Reason: fmt.Sprintf("unknown op %q", req.Op)}
	}
	return toResponse(err)
}

func toResponse(err error) response {
	if err == nil {
		return response{Allow: true}
	}
	var dlpErr *DLPBlockedError
	if errors.As(err, &dlpErr) {
		return response{
			Allow:      false,
			Kind:       "dlp",
			Reason:     dlp.Summary(dlpErr.Findings),
			Categories: dlpErr.Categories(),
		}
	}
	return response{Allow: false, Kind: "network", Reason: err.Error()}
}

func (b *broker) close() error {
	b.mu.Lock()
	b.closed = true
	err := b.listener.Close()
	for c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	if rmErr := os.Remove(b.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
