package sandbox

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// DeliverFunc hands a signed event to the webhook endpoint.
type DeliverFunc func(ctx context.Context, d Delivery) (interface{}, error)

// Routes exposes the simulated hosted checkout: paying or abandoning a session
// and settling a refund each produce a signed event that is delivered
// immediately through deliver.
func (g *Gateway) Routes(deliver DeliverFunc) http.Handler {
	r := chi.NewRouter()
	r.Get("/checkout/{sessionID}", func(w http.ResponseWriter, req *http.Request) {
		view, err := g.Session(chi.URLParam(req, "sessionID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	})
	r.Post("/checkout/{sessionID}/pay", g.serve(deliver, func(req *http.Request) (Delivery, error) {
		return g.Pay(chi.URLParam(req, "sessionID"))
	}))
	r.Post("/checkout/{sessionID}/abandon", g.serve(deliver, func(req *http.Request) (Delivery, error) {
		return g.Abandon(chi.URLParam(req, "sessionID"))
	}))
	r.Post("/refunds/{refundID}/settle", g.serve(deliver, func(req *http.Request) (Delivery, error) {
		return g.SettleRefund(chi.URLParam(req, "refundID"))
	}))
	return r
}

func (g *Gateway) serve(deliver DeliverFunc, produce func(*http.Request) (Delivery, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := produce(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		res, err := deliver(r.Context(), d)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}
