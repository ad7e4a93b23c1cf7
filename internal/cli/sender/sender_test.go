package sender

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/fanrelay/internal/cli/receiver"
	"github.com/sheerbytes/fanrelay/internal/presence"
	"github.com/sheerbytes/fanrelay/internal/relay"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSendAndRecvThroughRelay(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Given a relay and one destination running the recv command
	reg := presence.NewRegistry([]string{"client1"}, nil)
	srv := httptest.NewServer(relay.New(reg, relay.Options{}).Handler(ctx))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	out := t.TempDir()
	recvOut := &syncBuffer{}
	recvDone := make(chan int, 1)
	recvCtx, stopRecv := context.WithCancel(ctx)
	go func() {
		recvDone <- receiver.Run(recvCtx, []string{"-server-url", url, "-name", "client1", "-out", out}, recvOut, &syncBuffer{})
	}()
	req.Eventually(func() bool { return len(reg.Online()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// When a file is sent to it
	src := filepath.Join(t.TempDir(), "notes.txt")
	req.NoError(os.WriteFile(src, []byte(strings.Repeat("fan out ", 1000)), 0o600))
	sendOut := &syncBuffer{}
	code := Run(ctx, []string{"-server-url", url, "-chunk-size", "1024", src, "client1"}, strings.NewReader(""), sendOut, &syncBuffer{})

	// Then the send succeeds and the file lands under documents
	req.Equal(0, code, sendOut.String())
	req.Contains(sendOut.String(), "client1")
	req.Contains(sendOut.String(), "completed")
	got, err := os.ReadFile(filepath.Join(out, "documents", "notes.txt"))
	req.NoError(err)
	req.Equal(strings.Repeat("fan out ", 1000), string(got))

	// And a text message reaches the destination
	req.Equal(0, RunMessage(ctx, []string{"-server-url", url, "-to", "client1", "hello", "there"}, &syncBuffer{}, &syncBuffer{}))
	req.Eventually(func() bool { return strings.Contains(recvOut.String(), "[master] hello there") }, 5*time.Second, 10*time.Millisecond)

	stopRecv()
	select {
	case code := <-recvDone:
		req.Equal(0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("recv did not exit")
	}
}

func TestSendUsageErrors(t *testing.T) {
	req := require.New(t)
	stderr := &syncBuffer{}

	req.Equal(2, Run(context.Background(), nil, nil, &syncBuffer{}, stderr))
	req.Contains(stderr.String(), "usage: fan send")

	req.Equal(2, Run(context.Background(), []string{"-pause-policy", "drop", "a.txt"}, nil, &syncBuffer{}, &syncBuffer{}))
	req.Equal(0, Run(context.Background(), []string{"-h"}, nil, &syncBuffer{}, &syncBuffer{}))
	req.Equal(2, RunMessage(context.Background(), nil, &syncBuffer{}, &syncBuffer{}))
}

type idleConn struct{}

func (idleConn) Send(protocol.Envelope) error { return nil }
func (idleConn) Close() error                 { return nil }

func TestStatusReportsPresence(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Given a relay with one destination online
	reg := presence.NewRegistry([]string{"client1", "client2"}, nil)
	srv := httptest.NewServer(relay.New(reg, relay.Options{}).Handler(ctx))
	defer srv.Close()
	req.NoError(reg.Attach("client1", idleConn{}))

	// When status is queried with the websocket URL
	out := &syncBuffer{}
	code := RunStatus(ctx, []string{"-server-url", "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}, out, &syncBuffer{})

	// Then the relay is healthy and presence is listed
	req.Equal(0, code)
	req.Contains(out.String(), "ok")
	req.Regexp(`client1\s+online`, out.String())
	req.Regexp(`client2\s+offline`, out.String())
}

func TestStatusUnreachableRelay(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	require.Equal(t, 1, RunStatus(context.Background(), []string{"-server-url", url}, &syncBuffer{}, &syncBuffer{}))
}
