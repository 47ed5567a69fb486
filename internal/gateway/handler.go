// Package gateway is the HTTP/websocket surface of the room messaging core.
// Each websocket connection owns exactly one room session; the REST routes
// expose history and contributor lookups to plain HTTP consumers.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/techSaswata/StackLane/internal/middleware"
	"github.com/techSaswata/StackLane/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	transport    room.Transport
	store        room.Store
	contributors room.ContributorSource
}

func NewHandler(transport room.Transport, store room.Store, contributors room.ContributorSource) *Handler {
	return &Handler{
		transport:    transport,
		store:        store,
		contributors: contributors,
	}
}

// ServeWs upgrades the connection and binds it to a room session. The
// session is opened first so a transport failure is still a plain HTTP
// error the frontend can surface and retry.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	channelKey := r.URL.Query().Get("room")
	if channelKey == "" {
		http.Error(w, "room query parameter required", http.StatusBadRequest)
		return
	}

	// The request context dies with this handler; the session outlives it.
	session, err := room.Open(r.Context(), room.Config{
		ChannelKey:   channelKey,
		Self:         identity,
		Transport:    h.transport,
		Store:        h.store,
		Contributors: h.contributors,
	})
	if err != nil {
		var histErr *room.HistoryLoadError
		if !errors.As(err, &histErr) {
			log.Printf("gateway: open %s: %v", channelKey, err)
			http.Error(w, "could not join room", http.StatusServiceUnavailable)
			return
		}
		// Channel is live with an empty list; the frontend can reload.
		log.Printf("gateway: %v", histErr)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.Close()
		log.Println(err)
		return
	}

	c := &client{session: session, conn: conn}
	go c.writePump()
	go c.readPump()
}

// GetHistory returns the full persisted log for a room, ascending by
// created_at.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	channelKey := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	msgs, err := h.store.SelectAll(r.Context(), channelKey)
	if err != nil {
		log.Printf("gateway: history %s: %v", channelKey, err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []room.ChatMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

// GetContributors proxies the hosting platform's contributor list for
// @-mention autocomplete.
func (h *Handler) GetContributors(w http.ResponseWriter, r *http.Request) {
	repoFullName := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
	list, err := h.contributors.Contributors(r.Context(), repoFullName)
	if err != nil {
		log.Printf("gateway: contributors %s: %v", repoFullName, err)
		http.Error(w, "failed to fetch contributors", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}
