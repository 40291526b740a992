package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/roomcall/internal/avatar"
	"github.com/petervdpas/roomcall/internal/call"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Call is the session coordinator as the UI drives it.
type Call interface {
	Join(ctx context.Context, roomID string) error
	Leave(ctx context.Context) error
	ToggleMic(ctx context.Context) (bool, error)
	ToggleCamera(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) error
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
}

type Deps struct {
	Call Call
	Logs Logs

	// Diag reports the p2p host for /api/p2p.
	Diag func() map[string]any

	SelfName    func() string
	AvatarStore *avatar.Store
	AvatarCache *avatar.Cache
	FetchAvatar func(ctx context.Context, peerID string) ([]byte, error)

	// AvatarChanged is told the new avatarRef after an upload or delete.
	AvatarChanged func(ref string)
}

func Register(r chi.Router, d Deps) {
	registerAPILogRoutes(r, d)
	registerCallRoutes(r, d)
	registerAvatarRoutes(r, d)

	if d.Diag != nil {
		r.Get("/api/p2p", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Diag())
		})
	}
}
