package wire

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.klb.dev/clipstage/internal/crypto"
	"go.klb.dev/clipstage/internal/message"
)

func pipe(t *testing.T, ka, kb *crypto.Key) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return New(a, ka), New(b, kb)
}

func TestPlainRoundTrip(t *testing.T) {
	a, b := pipe(t, nil, nil)
	go func() { _ = a.WriteMsg(message.Submit("cli", "cloze", "x\ny")) }()

	m, err := b.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, message.TypeSubmit, m.Type)
	text, err := m.PayloadText()
	require.NoError(t, err)
	assert.Equal(t, "x\ny", text)
	assert.False(t, b.Encrypted())
}

func TestSealedRoundTrip(t *testing.T) {
	k, err := crypto.DeriveKey("tok")
	require.NoError(t, err)
	a, b := pipe(t, k, k)
	go func() { _ = a.WriteMsg(&message.Message{Type: message.TypePing}) }()

	m, err := b.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, message.TypePing, m.Type)
	assert.True(t, b.Encrypted())
}

func TestKeyMismatchFailsRead(t *testing.T) {
	k1, _ := crypto.DeriveKey("one")
	k2, _ := crypto.DeriveKey("two")
	a, b := pipe(t, k1, k2)
	go func() { _ = a.WriteMsg(&message.Message{Type: message.TypePing}) }()

	_, err := b.ReadMsg()
	assert.ErrorIs(t, err, crypto.ErrOpen)
}

func TestLongLineRejected(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	go func() {
		_, _ = a.Write([]byte(strings.Repeat("x", MaxLineSize+1)))
	}()
	_, err := New(b, nil).ReadMsg()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestCallReturnsErrorReply(t *testing.T) {
	a, b := pipe(t, nil, nil)
	go func() {
		req, err := b.ReadMsg()
		if err != nil {
			return
		}
		if req.Type == message.TypeLatest {
			_ = b.WriteMsg(message.Errorf(message.ErrNoOutcome, "nothing for %q", req.Category))
		}
	}()

	_, err := a.Call(&message.Message{Type: message.TypeLatest, Category: "cloze"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_outcome")
}
