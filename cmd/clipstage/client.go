package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"

	"go.klb.dev/clipstage/internal/crypto"
	"go.klb.dev/clipstage/internal/ipc"
	"go.klb.dev/clipstage/internal/message"
	"go.klb.dev/clipstage/internal/wire"
)

// session is a client connection to a running daemon.
type session struct {
	*wire.Conn
	transport string
	timeout   time.Duration
}

// dialDaemon connects to the daemon named by --server, or to the local
// control socket. A token authenticates the TCP session and seals it.
func dialDaemon(ctx context.Context, v *viper.Viper) (*session, error) {
	timeout := v.GetDuration("timeout")
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	server := v.GetString("server")
	if server == "" {
		path := ipc.SocketPath()
		conn, err := ipc.Dial(dctx, path)
		if err != nil {
			return nil, fmt.Errorf("no daemon on %s (is \"clipstage watch\" running?): %w", path, err)
		}
		return &session{Conn: wire.New(conn, nil), transport: "ipc (" + path + ")", timeout: timeout}, nil
	}

	token := v.GetString("token")
	key, err := crypto.DeriveKey(token)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	s := &session{Conn: wire.New(conn, key), transport: "tcp (" + server + ")", timeout: timeout}
	if token != "" {
		auth := &message.Message{Type: message.TypeAuth, Source: v.GetString("source"), Payload: message.EncodePayload(token)}
		if _, err := s.Call(auth, timeout); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	return s, nil
}

// call sends req and waits for one reply.
func (s *session) call(req *message.Message) (*message.Message, error) {
	return s.Call(req, s.timeout)
}
