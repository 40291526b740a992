package routes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/roomcall/internal/avatar"
)

func registerAvatarRoutes(r chi.Router, d Deps) {
	// GET /api/avatar: own avatar, or the initials fallback
	r.Get("/api/avatar", func(w http.ResponseWriter, r *http.Request) {
		var data []byte
		if d.AvatarStore != nil {
			data, _ = d.AvatarStore.Read()
		}
		if data == nil {
			serveFallbackSVG(w, safeCall(d.SelfName))
			return
		}
		serveImage(w, data, "no-cache")
	})

	// GET /api/avatar/peer/{peerID}: a participant's avatar, fetched over
	// p2p when the cached copy is older than their advertised avatarRef
	r.Get("/api/avatar/peer/{peerID}", func(w http.ResponseWriter, r *http.Request) {
		serveRemoteAvatar(w, r, d, chi.URLParam(r, "peerID"))
	})

	if d.AvatarStore == nil {
		return
	}

	r.Group(func(r chi.Router) {
		r.Use(localOnly)

		// POST /api/avatar/upload: multipart field "avatar"
		r.Post("/api/avatar/upload", func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, avatar.MaxBytes+64*1024)
			if err := r.ParseMultipartForm(avatar.MaxBytes + 64*1024); err != nil {
				writeError(w, http.StatusBadRequest, "file too large (max 512KB)")
				return
			}
			file, _, err := r.FormFile("avatar")
			if err != nil {
				writeError(w, http.StatusBadRequest, "missing avatar field")
				return
			}
			defer file.Close()

			data, err := io.ReadAll(io.LimitReader(file, avatar.MaxBytes+1))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "read error")
				return
			}
			if err := d.AvatarStore.Write(data); err != nil {
				if errors.Is(err, avatar.ErrNotImage) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				writeError(w, http.StatusInternalServerError, "write error")
				return
			}
			ref := d.AvatarStore.Hash()
			if d.AvatarChanged != nil {
				d.AvatarChanged(ref)
			}
			writeJSON(w, map[string]any{"ok": true, "hash": ref})
		})

		r.Delete("/api/avatar", func(w http.ResponseWriter, r *http.Request) {
			if err := d.AvatarStore.Delete(); err != nil {
				writeError(w, http.StatusInternalServerError, "delete error")
				return
			}
			if d.AvatarChanged != nil {
				d.AvatarChanged("")
			}
			writeJSON(w, map[string]any{"ok": true})
		})
	})
}

// participant finds the display name and avatarRef the room advertises for
// peerID.
func participant(d Deps, peerID string) (name, ref string) {
	if d.Call == nil {
		return "", ""
	}
	for _, p := range d.Call.Snapshot().Participants {
		if p.PeerID == peerID {
			return p.DisplayName, p.AvatarRef
		}
	}
	return "", ""
}

func serveRemoteAvatar(w http.ResponseWriter, r *http.Request, d Deps, peerID string) {
	name, ref := participant(d, peerID)
	if name == "" {
		name = peerID
	}
	if ref == "" || d.AvatarCache == nil {
		serveFallbackSVG(w, name)
		return
	}

	if cached := d.AvatarCache.Get(peerID, ref); cached != nil {
		serveImage(w, cached, "public, max-age=300")
		return
	}
	if d.FetchAvatar == nil {
		serveFallbackSVG(w, name)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	data, err := d.FetchAvatar(ctx, peerID)
	if err != nil || data == nil {
		if err != nil {
			log.Debugf("fetch avatar of %s: %v", peerID, err)
		}
		serveFallbackSVG(w, name)
		return
	}
	if _, err := avatar.ContentType(data); err != nil {
		serveFallbackSVG(w, name)
		return
	}
	if err := d.AvatarCache.Put(peerID, ref, data); err != nil {
		log.Debugf("cache avatar of %s: %v", peerID, err)
	}
	serveImage(w, data, "public, max-age=300")
}

func serveImage(w http.ResponseWriter, data []byte, cache string) {
	ct, err := avatar.ContentType(data)
	if err != nil {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", cache)
	_, _ = w.Write(data)
}

func serveFallbackSVG(w http.ResponseWriter, label string) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(avatar.InitialsSVG(label, ""))
}
