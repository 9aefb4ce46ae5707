package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/heartline/internal/metrics"
)

// ServerOptions configures what the relay serves besides /ws.
type ServerOptions struct {
	Metrics *metrics.Metrics

	// Store backs the records API both peers of a call share. Nil disables it.
	Store Store
	// Token, when set, must be sent as a bearer token to the records API.
	Token string
}

// Handler mounts the hub at /ws next to health, metrics and the records API.
func Handler(h *Hub, opts ServerOptions) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.Store != nil {
		mountRecords(mux, opts.Store, opts.Token)
	}
	return mux
}

// Serve runs the relay on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h *Hub, opts ServerOptions) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(h, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("RELAY: listening on ws://%s/ws", ln.Addr())

	go func() {
		<-ctx.Done()
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
