package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipeRoundTrip(t *testing.T) {
	ctx := testContext(t)
	a, b := Pipe()

	for i := 0; i < 3; i++ {
		env := protocol.MustEnvelope(protocol.TypeAck, protocol.Ack{FileName: "f", Seq: uint64(i)})
		if err := a.Send(env); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		env, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive(%d) error = %v", i, err)
		}
		var ack protocol.Ack
		if err := env.DecodePayload(&ack); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if ack.Seq != uint64(i) {
			t.Errorf("ack seq = %d, want %d", ack.Seq, i)
		}
	}
}

func TestPipeCloseUnblocksBothEnds(t *testing.T) {
	ctx := testContext(t)
	a, b := Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(ctx)
		done <- err
	}()
	_ = a.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
	if err := b.Send(protocol.MustEnvelope(protocol.TypeAck, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestPipeDeliversBeforeClose(t *testing.T) {
	ctx := testContext(t)
	a, b := Pipe()
	if err := a.Send(protocol.MustEnvelope(protocol.TypeReport, nil)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	_ = a.Close()

	env, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v, want buffered envelope", err)
	}
	if env.Type != protocol.TypeReport {
		t.Errorf("type = %s, want %s", env.Type, protocol.TypeReport)
	}
}

func TestCloseOnDone(t *testing.T) {
	a, b := Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	stop := CloseOnDone(ctx, a)
	defer stop()
	cancel()

	_, err := b.Receive(testContext(t))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() error = %v, want ErrClosed", err)
	}
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, WSOptions{MaxMessageBytes: 1 << 20})
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			env, err := conn.Receive(r.Context())
			if errors.Is(err, ErrInvalidFrame) {
				_ = conn.Send(protocol.MustEnvelope(protocol.TypeError, protocol.Error{Code: protocol.CodeInvalidFrame}))
				continue
			}
			if err != nil {
				return
			}
			if err := conn.Send(env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRoundTrip(t *testing.T) {
	ctx := testContext(t)
	srv := newEchoServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := DialWS(ctx, wsURL, WSOptions{})
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}
	defer conn.Close()

	sent := protocol.MustEnvelope(protocol.TypeDataChunk, protocol.DataChunk{FileName: "a.txt", Data: []byte("hello")})
	if err := conn.Send(sent); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got.MsgID != sent.MsgID {
		t.Errorf("echoed msg_id = %s, want %s", got.MsgID, sent.MsgID)
	}
	var chunk protocol.DataChunk
	if err := got.DecodePayload(&chunk); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if string(chunk.Data) != "hello" {
		t.Errorf("chunk data = %q, want hello", chunk.Data)
	}
}

func TestWebSocketInvalidFrameKeepsConnection(t *testing.T) {
	ctx := testContext(t)
	srv := newEchoServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	raw, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer raw.Close()

	if err := raw.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var env protocol.Envelope
	if err := raw.ReadJSON(&env); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if env.Type != protocol.TypeError {
		t.Fatalf("type = %s, want error", env.Type)
	}

	if err := raw.WriteJSON(protocol.MustEnvelope(protocol.TypeAck, nil)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if err := raw.ReadJSON(&env); err != nil {
		t.Fatalf("connection dropped after invalid frame: %v", err)
	}
	if env.Type != protocol.TypeAck {
		t.Errorf("type = %s, want ack", env.Type)
	}
}

func TestQUICRoundTrip(t *testing.T) {
	ctx := testContext(t)
	ln, err := ListenQUIC("127.0.0.1:0", QUICOptions{}, nil)
	if err != nil {
		t.Skipf("quic listener unavailable: %v", err)
	}
	defer ln.Close()

	go func() {
		_ = ln.Serve(ctx, func(conn Conn) {
			defer conn.Close()
			for {
				env, err := conn.Receive(ctx)
				if err != nil {
					return
				}
				if err := conn.Send(env); err != nil {
					return
				}
			}
		})
	}()

	conn, err := DialQUIC(ctx, ln.Addr().String(), QUICOptions{})
	if err != nil {
		t.Fatalf("DialQUIC() error = %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		sent := protocol.MustEnvelope(protocol.TypeAck, protocol.Ack{Seq: uint64(i)})
		if err := conn.Send(sent); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		got, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if got.MsgID != sent.MsgID {
			t.Errorf("echo %d msg_id = %s, want %s", i, got.MsgID, sent.MsgID)
		}
	}
}

func TestQUICConfigClampsWindows(t *testing.T) {
	cfg := QUICConfig(QUICOptions{ConnWindow: 1, StreamWindow: maxQUICWindow * 2})
	if cfg.MaxConnectionReceiveWindow != uint64(minQUICWindow) {
		t.Errorf("conn window = %d, want %d", cfg.MaxConnectionReceiveWindow, minQUICWindow)
	}
	if cfg.MaxStreamReceiveWindow > cfg.MaxConnectionReceiveWindow {
		t.Errorf("stream window %d exceeds conn window %d", cfg.MaxStreamReceiveWindow, cfg.MaxConnectionReceiveWindow)
	}

	def := QUICConfig(QUICOptions{})
	if def.MaxConnectionReceiveWindow != defaultConnWindow || def.MaxStreamReceiveWindow != defaultStreamWindow {
		t.Errorf("default windows = %d/%d", def.MaxConnectionReceiveWindow, def.MaxStreamReceiveWindow)
	}
}

func TestIsNormalClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "local close", err: ErrClosed, want: true},
		{name: "wrapped local close", err: fmt.Errorf("read: %w", ErrClosed), want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "ws normal closure", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: true},
		{name: "ws going away", err: &websocket.CloseError{Code: websocket.CloseGoingAway}, want: true},
		{name: "ws abnormal closure", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, want: true},
		{name: "ws internal error", err: &websocket.CloseError{Code: websocket.CloseInternalServerErr}, want: false},
		{name: "ws message too big", err: &websocket.CloseError{Code: websocket.CloseMessageTooBig}, want: false},
		{name: "quic clean close", err: &quic.ApplicationError{ErrorCode: 0, Remote: true}, want: true},
		{name: "quic error close", err: &quic.ApplicationError{ErrorCode: 1, Remote: true}, want: false},
		{name: "connection reset", err: errors.New("read tcp 127.0.0.1:3000: connection reset by peer"), want: false},
		{name: "read limit", err: websocket.ErrReadLimit, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNormalClose(tt.err); got != tt.want {
				t.Errorf("IsNormalClose(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
