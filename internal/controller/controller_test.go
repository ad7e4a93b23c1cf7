package controller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/fanrelay/internal/scheduler"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

type fakeSession struct {
	in   chan protocol.Envelope
	mu   sync.Mutex
	sent []protocol.Envelope
}

func newFakeSession() *fakeSession {
	return &fakeSession{in: make(chan protocol.Envelope, 64)}
}

func (f *fakeSession) Name() string { return "master" }

func (f *fakeSession) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSession) ReadLoop(ctx context.Context, onEnv func(protocol.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-f.in:
			onEnv(env)
		}
	}
}

func (f *fakeSession) sentOfType(typ string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	return path
}

func snapshotOf(online ...string) protocol.Envelope {
	list := make([]protocol.DestinationStatus, 0, len(online))
	for _, name := range online {
		list = append(list, protocol.DestinationStatus{Name: name, Online: true})
	}
	list = append(list, protocol.DestinationStatus{Name: "client9", Online: false})
	return protocol.MustEnvelope(protocol.TypePresenceSnapshot, protocol.PresenceSnapshot{Destinations: list})
}

func from(name string, env protocol.Envelope) protocol.Envelope {
	env.From = name
	return env
}

func TestUploadAddressesEveryChunkAndSettles(t *testing.T) {
	req := require.New(t)
	sess := newFakeSession()
	c := New(sess, Options{ChunkSize: 64 * 1024})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// Given two destinations online
	sess.in <- snapshotOf("client1", "client2")
	req.NoError(c.WaitOnline(ctx, "client1", "client2"))

	// When a 150KB file is uploaded with no explicit targets
	path := writeFile(t, "video.mp4", 150*1024)
	id, err := c.Upload(ctx, path, nil)
	req.NoError(err)
	snap, err := c.Wait(ctx)
	req.NoError(err)
	req.True(snap.Done)

	// Then every chunk went out addressed to one online destination
	chunks := sess.sentOfType(protocol.TypeDataChunk)
	req.Len(chunks, 6)
	for i, env := range chunks {
		var dc protocol.DataChunk
		req.NoError(env.DecodePayload(&dc))
		req.Equal([]string{"client1", "client2"}[i%2], env.To)
		req.Equal(uint64(i/2), dc.Seq)
		req.Equal(id, dc.TransferID)
		req.Equal("video.mp4", dc.FileName)
	}

	// And acks drive progress
	sess.in <- protocol.MustEnvelope(protocol.TypeAck, protocol.Ack{FileName: "video.mp4", Seq: 2, Target: "client1"})
	req.Eventually(func() bool {
		v := c.View()
		return len(v.Rows) == 2 && v.Rows[0].Stats.Percent == 100
	}, time.Second, 5*time.Millisecond)

	// And the transfer settles once both report back
	for _, name := range []string{"client1", "client2"} {
		sess.in <- from(name, protocol.MustEnvelope(protocol.TypeReport, protocol.Report{
			TransferID: id, FileName: "video.mp4", Kind: protocol.ReportCompleted, Bytes: 150 * 1024,
		}))
	}
	snap, err = c.WaitSettled(ctx)
	req.NoError(err)
	req.True(snap.Settled())
	d, ok := snap.Dest("client2")
	req.True(ok)
	req.Equal(protocol.ReportCompleted, d.Report)
}

func TestRouteErrorsSurfaceInView(t *testing.T) {
	req := require.New(t)
	sess := newFakeSession()
	c := New(sess, Options{})

	c.handle(protocol.MustEnvelope(protocol.TypeStatus, protocol.DestinationStatus{Name: "client3", Online: true}))
	id, err := c.Upload(context.Background(), writeFile(t, "a.txt", 10), []string{"client3"})
	req.NoError(err)
	_, err = c.Wait(context.Background())
	req.NoError(err)

	c.handle(protocol.MustEnvelope(protocol.TypeError, protocol.Error{
		Code: protocol.CodeDestinationUnavailable, Target: "client3", TransferID: "stale", FileName: "a.txt",
	}))
	req.NotContains(c.View().Rows[0].Status, "undelivered")
	c.handle(protocol.MustEnvelope(protocol.TypeError, protocol.Error{
		Code: protocol.CodeDestinationUnavailable, Target: "client3", TransferID: id, FileName: "a.txt",
	}))

	v := c.View()
	req.Len(v.Rows, 1)
	req.Contains(v.Rows[0].Status, "1 undelivered")
	req.Contains(v.Header, "a.txt")

	// A destination that never got the file is not waited on.
	snap, ok := c.Transfer()
	req.True(ok)
	req.True(snap.Settled())
}

func TestPresenceTracksStatusAndSnapshots(t *testing.T) {
	req := require.New(t)
	c := New(newFakeSession(), Options{})

	c.handle(snapshotOf("client1"))
	req.Equal([]string{"client1"}, c.Online())

	c.handle(protocol.MustEnvelope(protocol.TypeStatus, protocol.DestinationStatus{Name: "client2", Online: true}))
	c.handle(protocol.MustEnvelope(protocol.TypeStatus, protocol.DestinationStatus{Name: "client1", Online: false}))
	req.Equal([]string{"client2"}, c.Online())
	req.Equal([]protocol.DestinationStatus{
		{Name: "client1", Online: false},
		{Name: "client2", Online: true},
		{Name: "client9", Online: false},
	}, c.Presence())

	// A snapshot replaces the whole view.
	c.handle(snapshotOf("client3"))
	req.Equal([]string{"client3"}, c.Online())
}

func TestUploadErrors(t *testing.T) {
	req := require.New(t)
	c := New(newFakeSession(), Options{})

	_, err := c.Upload(context.Background(), writeFile(t, "a.txt", 1), nil)
	req.ErrorIs(err, ErrNothingOnline)

	_, err = c.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.txt"), []string{"client1"})
	req.ErrorIs(err, os.ErrNotExist)

	_, err = c.Upload(context.Background(), t.TempDir(), []string{"client1"})
	req.Error(err)

	req.ErrorIs(c.Pause("client1"), scheduler.ErrNoTransfer)
}

func TestSendText(t *testing.T) {
	req := require.New(t)
	sess := newFakeSession()
	c := New(sess, Options{})

	req.NoError(c.SendText([]string{"client1", "client3"}, "hello"))

	sent := sess.sentOfType(protocol.TypeTextMessage)
	req.Len(sent, 1)
	var msg protocol.TextMessage
	req.NoError(sent[0].DecodePayload(&msg))
	req.Equal([]string{"client1", "client3"}, msg.Targets)
	req.Equal("hello", msg.Text)
}

func TestSessionSenderAddressesControl(t *testing.T) {
	req := require.New(t)
	sess := newFakeSession()

	req.NoError(sessionSender{sess: sess}.SendControl("client2", protocol.TypePause, protocol.Control{TransferID: "t", FileName: "a"}))

	sent := sess.sentOfType(protocol.TypePause)
	req.Len(sent, 1)
	req.Equal("client2", sent[0].To)
}

func TestViewWithoutTransfer(t *testing.T) {
	v := New(newFakeSession(), Options{}).View()
	require.True(t, strings.Contains(v.Header, "no transfer"))
	require.Empty(t, v.Rows)
}
