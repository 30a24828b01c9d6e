// Package ipc is the local control socket through which jarvis-ctl (usually
// bound to a desktop hotkey) drives a running console.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const DefaultSocketPath = "/tmp/jarvis.sock"

const (
	CmdToggle = "toggle" // start or stop voice capture
	CmdSay    = "say"    // submit Text as if typed
)

type ControlMessage struct {
	Cmd  string `json:"cmd"`
	Text string `json:"text,omitempty"`
}

type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Handler acts on one control message. A returned error is reported back to
// the sender.
type Handler func(ControlMessage) error

type Server struct {
	ln   net.Listener
	path string
	wg   sync.WaitGroup
}

// StartServer listens on a unix socket at path, replacing a stale socket file
// left by a previous run.
func StartServer(path string, handler Handler) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{ln: ln, path: path}

	s.wg.Add(1)
	go s.serve(handler)

	return s, nil
}

func (s *Server) serve(handler Handler) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Warn("Control socket accept failed", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handleConn(conn, handler)
		}()
	}
}

// Close stops accepting, waits for in-flight connections and removes the
// socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	os.Remove(s.path)
	return err
}

func handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		log.Warn("Malformed control message", "err", err)
		json.NewEncoder(conn).Encode(response{Error: "malformed message"})
		return
	}

	log.Debug("Control message", "cmd", msg.Cmd)

	resp := response{OK: true}
	if err := handler(msg); err != nil {
		resp = response{Error: err.Error()}
	}
	json.NewEncoder(conn).Encode(resp)
}

// SendCommand delivers msg to the console listening on path and waits for it
// to be accepted.
func SendCommand(path string, msg ControlMessage) error {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("console closed the connection")
		}
		return fmt.Errorf("read reply: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("rejected: %s", resp.Error)
	}
	return nil
}
