package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sheerbytes/fanrelay/internal/transport"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// Handler serves the relay over HTTP: /ws for peers, /health and /presence
// for operators. Peer sessions live until ctx ends or the peer disconnects.
func (r *Relay) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/presence", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, protocol.PresenceSnapshot{Destinations: r.reg.List()})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := transport.Accept(w, req, r.opts.WS)
		if err != nil {
			r.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		r.Serve(ctx, conn)
	})

	return mux
}

// ServeQUIC accepts peers from ln until ctx ends.
func (r *Relay) ServeQUIC(ctx context.Context, ln *transport.QUICListener) error {
	return ln.Serve(ctx, func(conn transport.Conn) {
		r.Serve(ctx, conn)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
