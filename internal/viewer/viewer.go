// Package viewer is the local HTTP surface the UI talks to: call control,
// the live session state over WebSocket, avatars and logs.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/avatar"
	"github.com/petervdpas/roomcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Call routes.Call
	Logs *LogBuffer
	Diag func() map[string]any

	SelfName      func() string
	AvatarStore   *avatar.Store
	AvatarCache   *avatar.Cache
	FetchAvatar   func(ctx context.Context, peerID string) ([]byte, error)
	AvatarChanged func(ref string)
}

// Handler builds the router.
func (v Viewer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	deps := routes.Deps{
		Call:          v.Call,
		Diag:          v.Diag,
		SelfName:      v.SelfName,
		AvatarStore:   v.AvatarStore,
		AvatarCache:   v.AvatarCache,
		FetchAvatar:   v.FetchAvatar,
		AvatarChanged: v.AvatarChanged,
	}
	// A nil *LogBuffer must stay a nil interface.
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(r, deps)
	return r
}

// Start serves addr until ctx ends.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("viewer listening on http://%s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
