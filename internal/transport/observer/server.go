package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wallsim.ai/internal/observerproto"
	"wallsim.ai/internal/sim/scan"
)

const (
	// Passive observers never send after SUBSCRIBE; pongs keep them alive.
	readIdle  = 60 * time.Second
	pingEvery = 25 * time.Second
)

// Source describes the running simulation for the bootstrap endpoint.
type Source interface {
	Bootstrap() observerproto.BootstrapResponse
}

type session struct {
	id  string
	out chan []byte

	mu  sync.Mutex
	sub observerproto.SubscribeMsg
}

func (s *session) filter() observerproto.SubscribeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *session) setFilter(sub observerproto.SubscribeMsg) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Server streams frame reports to loopback websocket observers.
type Server struct {
	src Source
	log *zap.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewServer(src Source, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		src:      src,
		log:      log.Named("observer"),
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type Stats struct {
	Sessions int
	Sent     uint64
	Dropped  uint64
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return Stats{Sessions: n, Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// NewFrame converts a scan report into its wire form.
func NewFrame(rep scan.Report) observerproto.FrameMsg {
	msg := observerproto.FrameMsg{
		Type:            observerproto.TypeFrame,
		ProtocolVersion: observerproto.Version,
		Tick:            rep.Tick,
		Shooter:         int32(rep.Shooter),
		Weapon:          rep.Weapon,
		Wallbang:        rep.Wallbang,
		Targets:         make([]observerproto.TargetState, 0, len(rep.Targets)),
	}
	for _, t := range rep.Targets {
		o := t.Outcome
		ts := observerproto.TargetState{
			ID:              int32(t.Target),
			Name:            t.Name,
			Aim:             t.Aim.String(),
			Hitgroup:        o.Hitgroup.String(),
			DidHit:          o.DidHit,
			Damage:          o.Damage,
			PotentialDamage: o.PotentialDamage,
			MinDamage:       o.MinDamage,
			Secure:          o.SecurePoint,
			VerySecure:      o.VerySecure,
			End:             [3]float64{o.End[0], o.End[1], o.End[2]},
		}
		for i := 0; i < int(o.ImpactCount); i++ {
			p := o.Impacts[i]
			ts.Impacts = append(ts.Impacts, [3]float64{p[0], p[1], p[2]})
		}
		msg.Targets = append(msg.Targets, ts)
	}
	return msg
}

func applyFilter(msg observerproto.FrameMsg, sub observerproto.SubscribeMsg) (observerproto.FrameMsg, bool) {
	if sub.Every > 1 && msg.Tick%uint64(sub.Every) != 0 {
		return msg, false
	}
	if len(sub.Targets) == 0 && !sub.HitsOnly {
		return msg, true
	}
	want := map[int32]bool{}
	for _, id := range sub.Targets {
		want[id] = true
	}
	out := msg
	out.Targets = make([]observerproto.TargetState, 0, len(msg.Targets))
	for _, t := range msg.Targets {
		if len(want) > 0 && !want[t.ID] {
			continue
		}
		if sub.HitsOnly && !t.DidHit {
			continue
		}
		out.Targets = append(out.Targets, t)
	}
	return out, true
}

// Publish fans a report out to every session. Slow sessions lose frames
// rather than stall the frame loop.
func (s *Server) Publish(rep scan.Report) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()
	if len(sessions) == 0 {
		return
	}

	msg := NewFrame(rep)
	for _, ss := range sessions {
		f, ok := applyFilter(msg, ss.filter())
		if !ok {
			continue
		}
		b, err := json.Marshal(f)
		if err != nil {
			s.log.Warn("encode frame", zap.Error(err))
			continue
		}
		select {
		case ss.out <- b:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
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
		resp := s.src.Bootstrap()
		resp.ProtocolVersion = observerproto.Version
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func readSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if sub.Every < 0 {
		sub.Every = 0
	}
	return sub, true
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
		sub, ok := readSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		ss := &session{
			id:  fmt.Sprintf("O%d", s.nextID.Add(1)),
			out: make(chan []byte, 64),
			sub: sub,
		}
		s.mu.Lock()
		s.sessions[ss.id] = ss
		s.mu.Unlock()
		s.log.Info("observer joined", zap.String("session", ss.id), zap.String("remote", r.RemoteAddr))
		defer func() {
			s.mu.Lock()
			delete(s.sessions, ss.id)
			s.mu.Unlock()
			s.log.Info("observer left", zap.String("session", ss.id))
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readIdle))
		})

		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(pingEvery)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						writeErr <- err
						return
					}
				case b := <-ss.out:
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
			_ = conn.SetReadDeadline(time.Now().Add(readIdle))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := readSubscribe(msg); ok {
				ss.setFilter(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
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
