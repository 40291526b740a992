package routes

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/util"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// The UI is served from this host or a local webview.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// callError maps coordinator errors to HTTP status codes.
func callError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrNotInRoom):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, call.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

type toggleResult struct {
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Notice    string `json:"notice,omitempty"`
}

// toggle runs op and reports a missing device as a notice, not a failure.
func toggle(w http.ResponseWriter, c Call, on bool, err error, missing error) {
	if errors.Is(err, missing) {
		writeJSON(w, toggleResult{Available: false, Notice: c.Snapshot().Notice})
		return
	}
	if err != nil {
		callError(w, err)
		return
	}
	writeJSON(w, toggleResult{Enabled: on, Available: true})
}

func registerCallRoutes(r chi.Router, d Deps) {
	if d.Call == nil {
		return
	}
	c := d.Call

	r.Route("/api/call", func(r chi.Router) {
		// GET /api/call/state
		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, c.Snapshot())
		})

		// POST /api/call/join {"room": "..."}
		handlePost(r, "/join", func(w http.ResponseWriter, r *http.Request, req struct {
			Room string `json:"room"`
		}) {
			room := strings.TrimSpace(req.Room)
			if room == "" {
				writeError(w, http.StatusBadRequest, "missing room")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), util.DefaultConnectTimeout)
			defer cancel()
			if err := c.Join(ctx, room); err != nil {
				callError(w, err)
				return
			}
			writeJSON(w, c.Snapshot())
		})

		handlePost(r, "/leave", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			ctx, cancel := context.WithTimeout(r.Context(), util.DefaultConnectTimeout)
			defer cancel()
			if err := c.Leave(ctx); err != nil {
				// Teardown attempted every step; report what failed.
				log.Warnf("leave: %v", err)
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, c.Snapshot())
		})

		handlePost(r, "/mic", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			on, err := c.ToggleMic(r.Context())
			toggle(w, c, on, err, media.ErrNoMicrophone)
		})

		handlePost(r, "/camera", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			on, err := c.ToggleCamera(r.Context())
			toggle(w, c, on, err, media.ErrNoCamera)
		})

		handlePost(r, "/refresh", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := c.Refresh(r.Context()); err != nil {
				callError(w, err)
				return
			}
			writeJSON(w, c.Snapshot())
		})

		// GET /api/call/events: WebSocket; one JSON snapshot per state change.
		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			serveEvents(w, r, c)
		})
	})
}

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

func serveEvents(w http.ResponseWriter, r *http.Request, c Call) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("events upgrade: %v", err)
		return
	}
	defer conn.Close()

	snaps, stop := c.Subscribe()
	defer stop()

	// The client only sends close frames; reading is what notices them.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debugf("events read: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case s, ok := <-snaps:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(s); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
