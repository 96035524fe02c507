// Package peer serves control sessions over the framed wire protocol. A
// session answers STATUS, SUBMIT and LATEST requests and, after SUBSCRIBE,
// registers with the hub and streams OUTCOME messages until it disconnects.
package peer

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go.klb.dev/clipstage/internal/crypto"
	"go.klb.dev/clipstage/internal/hub"
	"go.klb.dev/clipstage/internal/logging"
	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/wire"
)

const (
	pingInterval = 15 * time.Second
	pongDeadline = 10 * time.Second
	authTimeout  = 10 * time.Second
	sendQueue    = 64
)

// Backend is the daemon surface a session drives.
type Backend interface {
	Status() *message.Status
	Submit(text, category string) (eventID string, err error)
}

// Config configures sessions accepted on one listener.
type Config struct {
	Hub     *hub.Hub
	Backend Backend
	// Token, when set, must be presented in an AUTH message before anything
	// else is served.
	Token     string
	Key       *crypto.Key
	Transport string
	Logger    *slog.Logger
}

// Session is one control connection. It implements hub.Subscriber once
// subscribed.
type Session struct {
	id   string
	cfg  Config
	conn *wire.Conn
	log  *slog.Logger

	sendCh chan *message.Message
	pongCh chan struct{}
	done   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	info     message.SubscriberInfo
	lastSeen atomic.Int64
}

// New wraps conn as a session.
func New(conn net.Conn, cfg Config) *Session {
	now := time.Now()
	id := cfg.Transport + "-" + uuid.NewString()[:8]
	s := &Session{
		id:     id,
		cfg:    cfg,
		conn:   wire.New(conn, cfg.Key),
		log:    logging.Component(cfg.Logger, "peer").With("session", id),
		sendCh: make(chan *message.Message, sendQueue),
		pongCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
		info: message.SubscriberInfo{
			ID:          id,
			Addr:        conn.RemoteAddr().String(),
			Transport:   cfg.Transport,
			ConnectedAt: now,
			LastSeen:    now,
		},
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Info() message.SubscriberInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.LastSeen = time.Unix(0, s.lastSeen.Load())
	return info
}

// Send queues msg for the writer. It never blocks; a full queue drops msg.
func (s *Session) Send(msg *message.Message) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.sendCh <- msg:
	case <-s.done:
	default:
		s.log.Warn("send queue full, dropping", "type", msg.Type)
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Serve runs the session until the connection ends or Close is called.
func (s *Session) Serve() {
	defer s.Close()

	if s.cfg.Token != "" && !s.authenticate() {
		return
	}

	go s.writer()

	subscribed := false
	defer func() {
		if subscribed {
			s.cfg.Hub.Unregister(s)
		}
	}()

	for {
		msg, err := s.conn.ReadMsg()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				s.log.Info("connection closed", "err", err)
			}
			return
		}
		s.alive()

		switch msg.Type {
		case message.TypePing:
			s.Send(&message.Message{Type: message.TypePong})
		case message.TypePong:
		case message.TypeStatus:
			st := s.cfg.Backend.Status()
			st.Subscribers = s.cfg.Hub.Subscribers()
			s.Send(&message.Message{Type: message.TypeStatusResponse, Status: st})
		case message.TypeSubmit:
			s.submit(msg)
		case message.TypeLatest:
			if o, ok := s.cfg.Hub.Latest(msg.Category); ok {
				s.Send(&message.Message{Type: message.TypeOutcome, Outcome: &o})
			} else {
				s.Send(message.Errorf(message.ErrNoOutcome, "no outcome for category %q", msg.Category))
			}
		case message.TypeSubscribe:
			if subscribed {
				continue
			}
			s.mu.Lock()
			s.info.Source = msg.Source
			s.info.Categories = msg.Categories()
			s.mu.Unlock()
			subscribed = true
			s.cfg.Hub.Register(s)
			go s.pinger()
		default:
			s.log.Warn("unexpected message type", "type", msg.Type)
			s.Send(message.Errorf(message.ErrBadRequest, "unexpected message type %q", msg.Type))
		}
	}
}

func (s *Session) authenticate() bool {
	s.conn.SetReadDeadline(authTimeout)
	msg, err := s.conn.ReadMsg()
	s.conn.SetReadDeadline(0)
	if err != nil {
		s.log.Warn("auth read failed", "err", err)
		return false
	}
	tok, _ := msg.PayloadText()
	if msg.Type != message.TypeAuth || subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.Token)) != 1 {
		s.log.Warn("auth failed", "source", msg.Source)
		_ = s.conn.WriteMsg(message.Errorf(message.ErrAuthFailed, "invalid token"))
		return false
	}
	s.mu.Lock()
	s.info.Source = msg.Source
	s.mu.Unlock()
	if err := s.conn.WriteMsg(&message.Message{Type: message.TypePong}); err != nil {
		return false
	}
	s.log.Info("authenticated", "source", msg.Source)
	return true
}

func (s *Session) submit(msg *message.Message) {
	text, err := msg.PayloadText()
	if err != nil {
		s.Send(message.Errorf(message.ErrBadRequest, "%v", err))
		return
	}
	id, err := s.cfg.Backend.Submit(text, msg.Category)
	if err != nil {
		s.Send(message.Errorf(message.ErrUnavailable, "%v", err))
		return
	}
	s.Send(&message.Message{Type: message.TypeAccepted, EventID: id, Category: msg.Category})
}

func (s *Session) writer() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sendCh:
			if err := s.conn.WriteMsg(msg); err != nil {
				s.log.Error("write failed", "err", err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) pinger() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.Send(&message.Message{Type: message.TypePing})
		timer := time.NewTimer(pongDeadline)
		select {
		case <-s.pongCh:
			timer.Stop()
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.log.Warn("pong timeout, closing")
			s.Close()
			return
		}
	}
}

func (s *Session) alive() {
	s.lastSeen.Store(time.Now().UnixNano())
	select {
	case s.pongCh <- struct{}{}:
	default:
	}
}

// ServeListener accepts sessions on ln until ctx is done, then closes ln and
// every open session and waits for them to finish.
func ServeListener(ctx context.Context, ln net.Listener, cfg Config) error {
	log := logging.Component(cfg.Logger, "peer")
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions = map[*Session]struct{}{}
	)

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		mu.Lock()
		for s := range sessions {
			s.Close()
		}
		mu.Unlock()
	})
	defer stop()

	log.Info("listening", "transport", cfg.Transport, "addr", ln.Addr().String(), "encrypted", cfg.Key != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s := New(conn, cfg)
		mu.Lock()
		sessions[s] = struct{}{}
		mu.Unlock()
		if ctx.Err() != nil {
			s.Close()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Serve()
			mu.Lock()
			delete(sessions, s)
			mu.Unlock()
		}()
	}
}
