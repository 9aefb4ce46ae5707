// Package viewer serves the local control API: call intents, status, the
// event stream, records, logs and metrics.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/heartline/internal/call"
	"github.com/petervdpas/heartline/internal/metrics"
	"github.com/petervdpas/heartline/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Call routes.Caller

	// Records serves /api/call/records/{id}; optional.
	Records    call.Recorder
	IsNotFound func(error) bool

	Metrics *metrics.Metrics
	Logs    *LogBuffer
}

// Handler builds the mux for v.
func Handler(v Viewer) http.Handler {
	api := http.NewServeMux()
	routes.RegisterCall(api, v.Call, v.Records, v.IsNotFound)
	if v.Logs != nil {
		routes.RegisterLogs(api, v.Logs)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", noCache(api))
	if v.Metrics != nil {
		mux.Handle("/metrics", v.Metrics.Handler())
	}
	return mux
}

// Start serves v on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("VIEWER: control API on http://%s/api/call/status", ln.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
