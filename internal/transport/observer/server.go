package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymerlab.ai/internal/observerproto"
	"polymerlab.ai/internal/sim/sampler"
)

// Server broadcasts sweep progress to websocket observers. It satisfies
// sampler.Sink; broadcasting never blocks the sampler, slow observers drop messages.
type Server struct {
	runID  string
	params observerproto.RunParams
	log    *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber
	done bool

	// AllowRemote disables the loopback-only check (tests, trusted networks).
	AllowRemote bool
}

type subscriber struct {
	out           chan []byte
	progressEvery int
}

func NewServer(runID string, params observerproto.RunParams, logger *log.Logger) *Server {
	return &Server{
		runID:  runID,
		params: params,
		log:    logger,
		subs:   map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler routes the bootstrap and websocket endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", s.WSHandler())
	return mux
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.runID,
			RunParams:       s.params,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
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
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out, ok := s.join(sid, sub.ProgressEvery)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(time.Second))
			return
		}
		defer s.leave(sid)
		if s.log != nil {
			s.log.Printf("observer %s joined progress_every=%d", sid, sub.ProgressEvery)
		}

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
				case b, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(time.Second))
						writeErr <- nil
						return
					}
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
			var upd observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.Type != observerproto.TypeSubscribe || upd.ProtocolVersion != observerproto.Version {
				continue
			}
			normalizeSubscribe(&upd)
			s.resubscribe(sid, upd.ProgressEvery)
		}

		cancel()
		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) join(sid string, progressEvery int) (<-chan []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, false
	}
	sub := &subscriber{out: make(chan []byte, 256), progressEvery: progressEvery}
	s.subs[sid] = sub
	return sub.out, true
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[sid]; ok {
		delete(s.subs, sid)
		if !s.done {
			close(sub.out)
		}
	}
}

func (s *Server) resubscribe(sid string, progressEvery int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[sid]; ok {
		sub.progressEvery = progressEvery
	}
}

// Observers returns the number of connected observers.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) broadcast(msg any, want func(*subscriber) bool) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	for _, sub := range s.subs {
		if want != nil && !want(sub) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			// Drop under load; POINT messages are also in the index and on stdout.
		}
	}
}

func (s *Server) Trial(t sampler.Trial) error {
	msg := observerproto.ProgressMsg{
		Type:            observerproto.TypeProgress,
		ProtocolVersion: observerproto.Version,
		RunID:           s.runID,
		N:               t.N,
		Try:             t.Try,
		Tries:           s.params.Tries,
		REESqr:          t.REESqr,
		LogW:            t.LogWeight,
		Accepted:        t.Accepted,
	}
	s.broadcast(msg, func(sub *subscriber) bool {
		return sub.progressEvery > 0 && (t.Try+1)%sub.progressEvery == 0
	})
	return nil
}

func (s *Server) Point(p sampler.Point) error {
	s.broadcast(observerproto.PointMsg{
		Type:            observerproto.TypePoint,
		ProtocolVersion: observerproto.Version,
		RunID:           s.runID,
		N:               p.N,
		Bonds:           p.Bonds,
		Value:           p.Value(s.params.Estimator),
		MeanR2:          p.MeanR2,
		WeightedR2:      p.WeightedR2,
		MarkovR2:        p.MarkovR2,
		AcceptRate:      p.AcceptRate,
		Restarts:        p.Restarts,
	}, nil)
	return nil
}

// Finish sends DONE to every observer and closes their streams. Later joins are refused.
func (s *Server) Finish(status string) {
	s.broadcast(observerproto.DoneMsg{
		Type:            observerproto.TypeDone,
		ProtocolVersion: observerproto.Version,
		RunID:           s.runID,
		Status:          status,
	}, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for _, sub := range s.subs {
		close(sub.out)
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.ProgressEvery < 0 {
		sub.ProgressEvery = 0
	}
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
