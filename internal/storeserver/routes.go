package storeserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes builds the daemon's HTTP surface: a health probe and the websocket
// store endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", s.HandleWS)
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
