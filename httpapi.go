package hapwled

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Read-only HTTP status channel: health, accessories and metrics.
type HTTPServer struct {
	Addr string

	Registry *Registry
	Bridge   *Bridge // optional, enables /accessories/{key}/hap
	Gatherer prometheus.Gatherer
}

type accessoryStatus struct {
	Key     string   `json:"key"`
	Device  Device   `json:"device"`
	Presets []Preset `json:"presets"`
	State   string   `json:"state"`
}

func (s *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.homeHandler).Methods(http.MethodGet)
	r.HandleFunc("/accessories", s.accessoriesHandler).Methods(http.MethodGet)
	r.HandleFunc("/accessories/{key}", s.accessoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/accessories/{key}/hap", s.hapHandler).Methods(http.MethodGet)

	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Serves until the context is cancelled
func (s *HTTPServer) Run(ctx context.Context) error {
	srv := http.Server{
		Addr:         s.Addr,
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*15)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("starting up HTTP status channel on %s", s.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("cannot write response")
	}
}

func (s *HTTPServer) homeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *HTTPServer) status(e *Entry) accessoryStatus {
	dev := e.Device()
	return accessoryStatus{
		Key:     e.Key(),
		Device:  dev,
		Presets: e.Presets(),
		State:   s.Registry.State(dev.Address).String(),
	}
}

func (s *HTTPServer) accessoriesHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.Registry.Entries()
	list := make([]accessoryStatus, 0, len(entries))
	for _, e := range entries {
		list = append(list, s.status(e))
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) accessoryHandler(w http.ResponseWriter, r *http.Request) {
	e, ok := s.Registry.Entry(mux.Vars(r)["key"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrUnknownDevice.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.status(e))
}

func (s *HTTPServer) hapHandler(w http.ResponseWriter, r *http.Request) {
	if s.Bridge == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no bridge"})
		return
	}

	d, ok := s.Bridge.Device(mux.Vars(r)["key"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrUnknownDevice.Error()})
		return
	}

	j, err := dumpAccessory(d.Accessory)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	if _, err := w.Write(j); err != nil {
		log.WithError(err).Warn("cannot write response")
	}
}
