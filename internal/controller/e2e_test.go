package controller_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/fanrelay/internal/controller"
	"github.com/sheerbytes/fanrelay/internal/destination"
	"github.com/sheerbytes/fanrelay/internal/presence"
	"github.com/sheerbytes/fanrelay/internal/receiver"
	"github.com/sheerbytes/fanrelay/internal/relay"
	"github.com/sheerbytes/fanrelay/internal/scheduler"
	"github.com/sheerbytes/fanrelay/internal/session"
	"github.com/sheerbytes/fanrelay/internal/storage"
	"github.com/sheerbytes/fanrelay/internal/transport"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

var destinations = []string{"client1", "client2", "client3"}

type dialer func(ctx context.Context, name string) (*session.Session, error)

// gatedReader blocks reads at or past gateAt until open is called.
type gatedReader struct {
	*bytes.Reader
	gateAt int64
	gate   chan struct{}
}

func (g *gatedReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= g.gateAt {
		<-g.gate
	}
	return g.Reader.ReadAt(p, off)
}

func TestFanOutOverPipes(t *testing.T) {
	runCancelScenario(t, func(ctx context.Context, r *relay.Relay) dialer {
		return func(ctx context.Context, name string) (*session.Session, error) {
			client, server := transport.Pipe()
			go r.Serve(ctx, server)
			return session.Open(ctx, client, name, nil)
		}
	})
}

func TestFanOutOverWebSocket(t *testing.T) {
	runCancelScenario(t, func(ctx context.Context, r *relay.Relay) dialer {
		srv := httptest.NewServer(r.Handler(ctx))
		t.Cleanup(srv.Close)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		return func(ctx context.Context, name string) (*session.Session, error) {
			return session.Dial(ctx, session.Options{URL: url, Transport: session.TransportWS, Name: name})
		}
	})
}

// runCancelScenario sends a 150KB file in 64KB chunks to three destinations
// and cancels client2 once it has chunk 0.
func runCancelScenario(t *testing.T, start func(context.Context, *relay.Relay) dialer) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Given a relay with three destinations and a controller connected
	reg := presence.NewRegistry(destinations, nil)
	dial := start(ctx, relay.New(reg, relay.Options{}))

	root := t.TempDir()
	agents := map[string]*destination.Agent{}
	stores := map[string]*storage.Disk{}
	for _, name := range destinations {
		sess, err := dial(ctx, name)
		req.NoError(err)
		req.Equal(protocol.RoleDestination, sess.Role())
		stores[name] = storage.NewDisk(filepath.Join(root, name))
		agent := destination.New(sess, destination.Options{Store: stores[name]})
		agents[name] = agent
		go func() { _ = agent.Run(ctx) }()
	}

	sess, err := dial(ctx, relay.DefaultControllerName)
	req.NoError(err)
	req.Equal(protocol.RoleController, sess.Role())
	ctl := controller.New(sess, controller.Options{ChunkSize: 64 * 1024})
	go func() { _ = ctl.Run(ctx) }()
	req.NoError(ctl.WaitOnline(ctx, destinations...))

	data := make([]byte, 150*1024)
	for i := range data {
		data[i] = byte(i * 7)
	}
	src := &gatedReader{Reader: bytes.NewReader(data), gateAt: 64 * 1024, gate: make(chan struct{})}

	// When the upload starts and client2 is cancelled after chunk 0
	_, err = ctl.UploadFrom(ctx, "video.mp4", src, int64(len(data)), nil)
	req.NoError(err)
	req.Eventually(func() bool {
		return agents["client2"].Status().Written == 64*1024
	}, 5*time.Second, 5*time.Millisecond)
	req.NoError(ctl.Cancel("client2"))
	close(src.gate)

	snap, err := ctl.WaitSettled(ctx)
	req.NoError(err)

	// Then client1 and client3 hold the whole file
	for _, name := range []string{"client1", "client3"} {
		path, err := stores[name].Path("video.mp4")
		req.NoError(err)
		req.Equal(filepath.Join(root, name, "videos", "video.mp4"), path)
		got, err := os.ReadFile(path)
		req.NoError(err, name)
		req.True(bytes.Equal(data, got), "%s content differs", name)

		d, _ := snap.Dest(name)
		req.Equal(scheduler.Completed, d.State)
		req.Equal(protocol.ReportCompleted, d.Report)
		req.Equal(receiver.Completed, agents[name].Status().State)
	}

	// And client2 has no partial file left
	path, err := stores["client2"].Path("video.mp4")
	req.NoError(err)
	req.Eventually(func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err) && agents["client2"].Status().State == receiver.Cancelled
	}, 5*time.Second, 5*time.Millisecond)
	d, _ := snap.Dest("client2")
	req.Equal(scheduler.Cancelled, d.State)
	req.Equal(uint64(1), d.SentChunks)
}
