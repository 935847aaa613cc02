// Package httpserver exposes the HTTP surface of the ingest pipeline: result
// submission, the raw collection, the reference catalog, recomputed rollup
// views, and the live websocket channel.
package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tallywire/tallywire/config"
	"github.com/tallywire/tallywire/errs"
	"github.com/tallywire/tallywire/internal/catalog"
	"github.com/tallywire/tallywire/internal/schema"
	"github.com/tallywire/tallywire/internal/store"
	"github.com/tallywire/tallywire/internal/tally"
	"github.com/tallywire/tallywire/internal/telemetry"
)

const (
	resultsPath           = "/api/results"
	districtsPath         = "/api/districts"
	rollupsPath           = "/api/rollups"
	islandRollupPath      = rollupsPath + "/island"
	trendRollupPath       = rollupsPath + "/trend"
	divisionStandingsPath = rollupsPath + "/divisions"
	livePath              = "/api/live"
	swaggerSpecPath       = "/docs/openapi.json"
	swaggerUIPath         = "/docs"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	store       *store.Store
	catalog     *catalog.Catalog
	metrics     *telemetry.Metrics

	maxBodyBytes int64
	autoRecalc   bool
}

// Options tunes handler behaviour beyond its collaborators.
type Options struct {
	MaxBodyBytes int64
	AutoRecalc   bool
}

// NewHandler creates the HTTP handler for the ingest pipeline.
func NewHandler(environment config.Environment, st *store.Store, cat *catalog.Catalog, metrics *telemetry.Metrics, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	server := &httpServer{
		environment:  environment,
		store:        st,
		catalog:      cat,
		metrics:      metrics,
		maxBodyBytes: opts.MaxBodyBytes,
		autoRecalc:   opts.AutoRecalc,
	}
	mux := http.NewServeMux()

	mux.Handle(resultsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listResults,
		http.MethodPost: server.submitResult,
	}))
	mux.Handle(districtsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listDistricts,
	}))
	mux.Handle(rollupsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.districtRollups,
	}))
	mux.Handle(islandRollupPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.islandTotals,
	}))
	mux.Handle(trendRollupPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.trendSeries,
	}))
	mux.Handle(divisionStandingsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.divisionStandings,
	}))
	mux.Handle(livePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.live,
	}))

	if environment == config.EnvDev {
		mux.Handle(swaggerSpecPath, http.HandlerFunc(server.serveSwaggerSpec))
		mux.Handle(swaggerUIPath, http.HandlerFunc(server.serveSwaggerUI))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type submitResponse struct {
	*schema.ResultRecord
	Overridden bool `json:"overridden"`
}

func (s *httpServer) submitResult(w http.ResponseWriter, r *http.Request) {
	s.limitRequestBody(w, r)
	payload, err := decodeSubmission(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if s.autoRecalc {
		payload.Recalculate()
	}
	record, overridden, err := s.store.Submit(r.Context(), payload)
	if err != nil {
		if errs.HasCode(err, errs.CodeInvalid) {
			s.metrics.RecordSubmission(r.Context(), "invalid")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusCreated
	outcome := "created"
	if overridden {
		status = http.StatusOK
		outcome = "overridden"
	}
	s.metrics.RecordSubmission(r.Context(), outcome)
	writeJSON(w, status, submitResponse{ResultRecord: record, Overridden: overridden})
}

func (s *httpServer) listResults(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.store.Snapshot()
	if snapshot == nil {
		snapshot = []*schema.ResultRecord{}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *httpServer) listDistricts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Districts())
}

func (s *httpServer) districtRollups(w http.ResponseWriter, _ *http.Request) {
	latest := tally.LatestPerDivision(s.store.Snapshot())
	writeJSON(w, http.StatusOK, tally.DistrictRollups(s.catalog.Districts(), latest))
}

func (s *httpServer) islandTotals(w http.ResponseWriter, _ *http.Request) {
	latest := tally.LatestPerDivision(s.store.Snapshot())
	rollups := tally.DistrictRollups(s.catalog.Districts(), latest)
	totals := tally.IslandTotals(rollups)
	if totals == nil {
		totals = []tally.PartyTotal{}
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *httpServer) trendSeries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tally.TrendSeries(s.catalog.Districts(), s.store.Snapshot()))
}

func (s *httpServer) divisionStandings(w http.ResponseWriter, _ *http.Request) {
	latest := tally.LatestPerDivision(s.store.Snapshot())
	standings := tally.DivisionStandings(latest)
	if standings == nil {
		standings = []tally.DivisionStanding{}
	}
	writeJSON(w, http.StatusOK, standings)
}

func decodeSubmission(r *http.Request) (*schema.Submission, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload schema.Submission
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (s *httpServer) limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
