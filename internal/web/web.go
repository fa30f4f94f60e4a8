package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"flock/pkg/registry"
)

// Web serves a debug view of the live peer table.
type Web struct {
	registry *registry.Registry
}

func NewWeb(reg *registry.Registry) (*Web, error) {
	return &Web{registry: reg}, nil
}

type peerView struct {
	Kind     string `json:"kind"`
	ID       uint16 `json:"id"`
	Public   string `json:"public"`
	Local    string `json:"local"`
	Active   string `json:"active,omitempty"`
	LastSeen string `json:"last_seen"`
	Age      string `json:"age"`
}

func (w *Web) Handler(log logr.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/web/peers", func(rw http.ResponseWriter, req *http.Request) {
		now := time.Now()
		views := []peerView{}
		for _, rec := range w.registry.Snapshot() {
			v := peerView{
				Kind:     string(rec.Kind),
				ID:       rec.ID,
				Public:   rec.Public.String(),
				Local:    rec.Local.String(),
				LastSeen: rec.LastSeen().Format(time.RFC3339Nano),
				Age:      now.Sub(rec.LastSeen()).String(),
			}
			if rec.Resolved() {
				v.Active = rec.Active().String()
			}
			views = append(views, v)
		}
		rw.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(rw).Encode(views)
		if err != nil {
			log.Error(err, "could not encode peer table")
		}
	})
	return mux
}
