package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/samber/lo"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// ALPNProtocol identifies the relay's envelope stream on QUIC.
const ALPNProtocol = "fanrelay-v1"

const (
	defaultConnWindow   = 16 * 1024 * 1024
	defaultStreamWindow = 4 * 1024 * 1024
	minQUICWindow       = 1 * 1024 * 1024
	maxQUICWindow       = 256 * 1024 * 1024

	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024
)

// QUICOptions tunes the QUIC carrier. Zero values pick defaults.
type QUICOptions struct {
	ConnWindow   int
	StreamWindow int
	UDPBuffer    int
}

// ServerTLSConfig returns a TLS config with a freshly generated self-signed certificate.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig trusts any server certificate; the relay is self-signed.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// QUICConfig builds a quic.Config with receive windows clamped to sane bounds.
func QUICConfig(opts QUICOptions) *quic.Config {
	conn := lo.Clamp(orDefault(opts.ConnWindow, defaultConnWindow), minQUICWindow, maxQUICWindow)
	stream := lo.Clamp(orDefault(opts.StreamWindow, defaultStreamWindow), minQUICWindow, maxQUICWindow)
	if stream > conn {
		stream = conn
	}
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             4,
		InitialConnectionReceiveWindow: uint64(conn),
		MaxConnectionReceiveWindow:     uint64(conn),
		InitialStreamReceiveWindow:     uint64(stream),
		MaxStreamReceiveWindow:         uint64(stream),
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{"fanrelay"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: priv}, nil
}

// QUICListener accepts relay peers over QUIC. Each peer opens one
// bidirectional stream and speaks newline-delimited JSON envelopes on it.
type QUICListener struct {
	udp    *net.UDPConn
	ln     *quic.Listener
	logger *slog.Logger
}

// ListenQUIC binds addr and starts a QUIC listener on it.
func ListenQUIC(addr string, opts QUICOptions, logger *slog.Logger) (*QUICListener, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	if err := tuneUDP(udp, orDefault(opts.UDPBuffer, 8*1024*1024)); err != nil {
		logger.Warn("udp buffer tuning denied", "error", err)
	}
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	ln, err := quic.Listen(udp, tlsConf, QUICConfig(opts))
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	logger.Info("quic listener ready", "addr", udp.LocalAddr().String())
	return &QUICListener{udp: udp, ln: ln, logger: logger}, nil
}

// Addr returns the bound UDP address.
func (l *QUICListener) Addr() net.Addr {
	return l.udp.LocalAddr()
}

// Serve accepts peers until ctx ends or the listener is closed, calling
// handle on its own goroutine for each peer once its stream arrives.
func (l *QUICListener) Serve(ctx context.Context, handle func(Conn)) error {
	for {
		qc, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go func() {
			acceptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			stream, err := qc.AcceptStream(acceptCtx)
			cancel()
			if err != nil {
				l.logger.Warn("quic peer opened no stream", "remote", qc.RemoteAddr().String(), "error", err)
				_ = qc.CloseWithError(1, "no stream")
				return
			}
			handle(newStreamConn(qc, stream))
		}()
	}
}

// Close stops accepting and releases the socket.
func (l *QUICListener) Close() error {
	err := l.ln.Close()
	return errors.Join(err, l.udp.Close())
}

// DialQUIC connects to a relay QUIC endpoint. The server only sees the
// stream after the first Send.
func DialQUIC(ctx context.Context, addr string, opts QUICOptions) (Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), QUICConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}
	return newStreamConn(qc, stream), nil
}

type streamConn struct {
	qc        *quic.Conn
	stream    *quic.Stream
	enc       *json.Encoder
	dec       *json.Decoder
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamConn(qc *quic.Conn, stream *quic.Stream) *streamConn {
	return &streamConn{
		qc:     qc,
		stream: stream,
		enc:    json.NewEncoder(stream),
		dec:    json.NewDecoder(stream),
		closed: make(chan struct{}),
	}
}

func (c *streamConn) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.enc.Encode(env)
}

// Receive decodes the next envelope. A malformed frame desynchronizes the
// stream, so decode errors are fatal here rather than ErrInvalidFrame.
func (c *streamConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Envelope{}, err
	}
	var env protocol.Envelope
	if err := c.dec.Decode(&env); err != nil {
		select {
		case <-c.closed:
			return protocol.Envelope{}, ErrClosed
		default:
		}
		return protocol.Envelope{}, err
	}
	return env, nil
}

func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// Closing the connection unblocks a Send stuck on flow control.
		err = c.qc.CloseWithError(0, "closed")
	})
	return err
}

func (c *streamConn) RemoteAddr() string {
	return c.qc.RemoteAddr().String()
}

func tuneUDP(conn *net.UDPConn, size int) error {
	size = lo.Clamp(size, minUDPBuffer, maxUDPBuffer)
	var errs []string
	if err := conn.SetReadBuffer(size); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
