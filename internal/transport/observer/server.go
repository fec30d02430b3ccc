package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"clearpath.ai/internal/observerproto"
)

// Server streams engine snapshots to debug observers. The engine hands
// snapshots over a channel; the server never calls back into it.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	boot     observerproto.BootstrapResponse
	last     *observerproto.TickMsg
	sessions map[string]*session
	dropped  uint64
}

type session struct {
	sub observerproto.SubscribeMsg
	out chan []byte
}

func NewServer(boot observerproto.BootstrapResponse, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log:      logger,
		boot:     boot,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Run publishes every snapshot from in until ctx is done or in is closed.
func (s *Server) Run(ctx context.Context, in <-chan observerproto.TickMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			s.Publish(msg)
		}
	}
}

// Publish fans msg out to every session. Slow sessions miss ticks.
func (s *Server) Publish(msg observerproto.TickMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg
	s.last = &m
	for id, sess := range s.sessions {
		b, err := json.Marshal(msg.Filter(sess.sub))
		if err != nil {
			s.log.Printf("observer %s: marshal: %v", id, err)
			continue
		}
		select {
		case sess.out <- b:
		default:
			s.dropped++
		}
	}
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Server) join(id string, sub observerproto.SubscribeMsg) *session {
	sess := &session{sub: sub, out: make(chan []byte, 8)}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
	if s.last != nil {
		if b, err := json.Marshal(s.last.Filter(sub)); err == nil {
			sess.out <- b
		}
	}
	return sess
}

func (s *Server) resubscribe(id string, sub observerproto.SubscribeMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[id]; sess != nil {
		sess.sub = sub
	}
}

func (s *Server) leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		s.mu.Lock()
		resp := s.boot
		if s.last != nil {
			resp.Tick = s.last.Tick
			resp.Now = s.last.Now
		}
		s.mu.Unlock()

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sess := s.join(sid, sub)
		defer s.leave(sid)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			normalizeSubscribe(&sub)
			s.resubscribe(sid, sub)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.MaxTasks < 0 {
		sub.MaxTasks = 0
	}
	if sub.MaxTasks > 1024 {
		sub.MaxTasks = 1024
	}
	kinds := sub.Kinds[:0]
	for _, k := range sub.Kinds {
		if k = strings.ToUpper(strings.TrimSpace(k)); k != "" {
			kinds = append(kinds, k)
		}
	}
	sub.Kinds = kinds
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
