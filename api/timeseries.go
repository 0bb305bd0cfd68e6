package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Chart queries default to every 100th sample over the last four hours,
// matching what the overview page renders.
const (
	defaultFilterModN    = 100.0
	defaultLookbackHours = 4.0
)

func floatParam(r *http.Request, name string, fallback float64) float64 {
	if raw := r.URL.Query().Get(name); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			return value
		}
	}
	return fallback
}

type seriesQuery func(experiment string, filterModN, lookbackHours float64) (json.RawMessage, error)

func (s *Server) writeSeries(w http.ResponseWriter, r *http.Request, query seriesQuery) {
	var result, err = query(
		mux.Vars(r)["experiment"],
		floatParam(r, "filter_mod_N", defaultFilterModN),
		floatParam(r, "lookback", defaultLookbackHours))
	if err != nil {
		s.serverError(w, "time_series", err)
		return
	}
	w.Header().Set("Cache-Control", "public,max-age=4")
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) growthRates(w http.ResponseWriter, r *http.Request) {
	s.writeSeries(w, r, s.Store.GrowthRates)
}

func (s *Server) temperatureReadings(w http.ResponseWriter, r *http.Request) {
	s.writeSeries(w, r, s.Store.TemperatureReadings)
}

func (s *Server) odReadingsFiltered(w http.ResponseWriter, r *http.Request) {
	s.writeSeries(w, r, s.Store.ODReadingsFiltered)
}

func (s *Server) odReadings(w http.ResponseWriter, r *http.Request) {
	s.writeSeries(w, r, s.Store.ODReadings)
}

// fallbackTimeSeries serves charts contributed by plugins, which name an
// arbitrary (table, column) pair. Identifiers are scrubbed in the store.
func (s *Server) fallbackTimeSeries(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var result, err = s.Store.FallbackTimeSeries(
		vars["source"], vars["column"], vars["experiment"],
		floatParam(r, "lookback", defaultLookbackHours))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Cache-Control", "public,max-age=4")
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) mediaRates(w http.ResponseWriter, r *http.Request) {
	var rates, err = s.Store.MediaRates(mux.Vars(r)["experiment"])
	if err != nil {
		s.serverError(w, "media_rates", err)
		return
	}
	w.Header().Set("Cache-Control", "public,max-age=4")
	writeJSON(w, http.StatusOK, rates)
}
