package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/sparsefit/hmlasso/internal/config"
	apperrors "github.com/sparsefit/hmlasso/internal/errors"
	"github.com/sparsefit/hmlasso/internal/logging"
	"github.com/sparsefit/hmlasso/internal/regression"
	"github.com/sparsefit/hmlasso/internal/regression/hmlasso"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// FitState represents the state of a fit job. It tracks progress, status,
// and results, and is safe for concurrent access through the server's lock.
type FitState struct {
	ID          string
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	StartTime   time.Time
	EndTime     *time.Time
	Estimator   regression.Estimator
	Result      *regression.FitResult
	Error       string
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// Server implements the HTTP and JSON-RPC API of the regression service.
// It manages fit jobs and provides endpoints to start, monitor, cancel,
// and evaluate them.
type Server struct {
	cfg        *config.Config
	logger     Logger
	coreLogger *zap.Logger

	// Fit job state management
	fits   map[string]*FitState
	fitsMu sync.RWMutex // Protects the fits map
}

// NewServer creates a new server instance. coreLogger is handed to the
// numeric pipeline, which logs its diagnostics through zap.
func NewServer(cfg *config.Config, logger Logger, coreLogger *zap.Logger) *Server {
	if coreLogger == nil {
		coreLogger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		coreLogger: coreLogger,
		fits:       make(map[string]*FitState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fit", s.handleFit)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/fit/{id}", s.handleCancel)
		r.Post("/predict/{id}", s.handlePredict)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// fitRequest is the wire form of a fit job. Feature entries may be null,
// which marks the value missing.
type fitRequest struct {
	X      [][]*float64     `json:"x"`
	Y      []float64        `json:"y"`
	Config *fitConfigParams `json:"config,omitempty"`
}

// fitConfigParams overrides the server-wide solver defaults per job.
type fitConfigParams struct {
	Alpha          *float64 `json:"alpha,omitempty"`
	MaxIter        *int     `json:"max_iter,omitempty"`
	Tol            *float64 `json:"tol,omitempty"`
	MinSupport     *int     `json:"min_support,omitempty"`
	EigenTolerance *float64 `json:"eigen_tol,omitempty"`
	ErrorsHandling *string  `json:"errors_handling,omitempty"`
}

// predictRequest carries fully observed rows to evaluate a fitted model on.
type predictRequest struct {
	X [][]float64 `json:"x"`
}

// fitConfig merges the server defaults with any per-request overrides.
func (s *Server) fitConfig(params *fitConfigParams) regression.Config {
	cfg := regression.Config{
		Alpha:          s.cfg.Solver.Alpha,
		MaxIter:        s.cfg.Solver.MaxIter,
		Tol:            s.cfg.Solver.Tol,
		MinSupport:     s.cfg.Solver.MinSupport,
		EigenTolerance: s.cfg.Solver.EigenTolerance,
		ErrorsHandling: regression.ErrorsPolicy(s.cfg.Solver.ErrorsHandling),
	}
	if params == nil {
		return cfg
	}
	if params.Alpha != nil {
		cfg.Alpha = *params.Alpha
	}
	if params.MaxIter != nil {
		cfg.MaxIter = *params.MaxIter
	}
	if params.Tol != nil {
		cfg.Tol = *params.Tol
	}
	if params.MinSupport != nil {
		cfg.MinSupport = *params.MinSupport
	}
	if params.EigenTolerance != nil {
		cfg.EigenTolerance = *params.EigenTolerance
	}
	if params.ErrorsHandling != nil {
		cfg.ErrorsHandling = regression.ErrorsPolicy(*params.ErrorsHandling)
	}
	return cfg
}

// buildTrainingData converts the wire form into dense matrices, mapping
// null entries to NaN, the missing sentinel of the numeric core.
func buildTrainingData(req *fitRequest) (*mat.Dense, *mat.VecDense, error) {
	if len(req.X) == 0 {
		return nil, nil, fmt.Errorf("feature matrix x is required")
	}
	if len(req.Y) != len(req.X) {
		return nil, nil, fmt.Errorf("x has %d rows but y has length %d", len(req.X), len(req.Y))
	}

	p := len(req.X[0])
	if p == 0 {
		return nil, nil, fmt.Errorf("feature matrix x has no columns")
	}

	X := mat.NewDense(len(req.X), p, nil)
	for i, row := range req.X {
		if len(row) != p {
			return nil, nil, fmt.Errorf("row %d has %d entries, expected %d", i, len(row), p)
		}
		for j, v := range row {
			if v == nil {
				X.Set(i, j, math.NaN())
			} else {
				X.Set(i, j, *v)
			}
		}
	}

	return X, mat.NewVecDense(len(req.Y), req.Y), nil
}

// startFit validates the request, creates the estimator, and launches the
// fit in a goroutine. Returns the new job's id.
func (s *Server) startFit(req *fitRequest) (string, error) {
	X, y, err := buildTrainingData(req)
	if err != nil {
		return "", apperrors.Wrap(err, "invalid fit request").WithComponent("server")
	}

	estimator, err := hmlasso.New(s.fitConfig(req.Config), s.coreLogger)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("fit_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())

	state := &FitState{
		ID:          id,
		Status:      "pending",
		StartTime:   time.Now(),
		Estimator:   estimator,
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}

	s.fitsMu.Lock()
	s.fits[id] = state
	s.fitsMu.Unlock()

	go s.runFit(ctx, state, X, y)

	return id, nil
}

// runFit executes the fit in a goroutine. The numeric pipeline itself is
// synchronous and uninterruptible; cancellation is honored at the job level
// by discarding the result of a cancelled fit.
func (s *Server) runFit(ctx context.Context, state *FitState, X *mat.Dense, y *mat.VecDense) {
	s.fitsMu.Lock()
	state.Status = "running"
	state.LastUpdated = time.Now()
	s.fitsMu.Unlock()

	err := state.Estimator.Fit(X, y)

	s.fitsMu.Lock()
	defer s.fitsMu.Unlock()

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	if ctx.Err() != nil || state.Status == "cancelled" {
		state.Status = "cancelled"
		return
	}

	if err != nil {
		s.logger.Error("Fit failed", map[string]interface{}{
			"fit_id": state.ID,
			"error":  err.Error(),
		})
		state.Status = "failed"
		state.Error = err.Error()
		return
	}

	state.Status = "completed"
	state.Result = state.Estimator.Result()
}

// fitStatus builds the status response for a job.
func (s *Server) fitStatus(id string) (map[string]interface{}, error) {
	s.fitsMu.RLock()
	defer s.fitsMu.RUnlock()

	state, exists := s.fits[id]
	if !exists {
		return nil, fmt.Errorf("fit not found")
	}

	response := map[string]interface{}{
		"status":      state.Status,
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Result != nil {
		response["result"] = map[string]interface{}{
			"coefficients":   state.Result.Coefficients,
			"intercept":      state.Result.Intercept,
			"converged":      state.Result.Converged,
			"iterations":     state.Result.Iterations,
			"psd_shift":      state.Result.PSDShift,
			"min_eigenvalue": state.Result.MinEigenvalue,
			"warnings":       state.Result.Warnings,
		}
	}

	return response, nil
}

// cancelFit cancels a running fit job.
func (s *Server) cancelFit(id string) error {
	s.fitsMu.Lock()
	defer s.fitsMu.Unlock()

	state, exists := s.fits[id]
	if !exists {
		return fmt.Errorf("fit not found")
	}

	switch state.Status {
	case "completed", "failed", "cancelled":
		return fmt.Errorf("cannot cancel fit with status: %s", state.Status)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}

	state.Status = "cancelled"
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Fit cancelled", map[string]interface{}{
		"fit_id": id,
	})

	return nil
}

// predictWith evaluates a completed fit on complete rows.
func (s *Server) predictWith(id string, req *predictRequest) ([]float64, error) {
	s.fitsMu.RLock()
	state, exists := s.fits[id]
	s.fitsMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("fit not found")
	}
	if state.Status != "completed" {
		return nil, fmt.Errorf("fit has status %q, predictions require a completed fit", state.Status)
	}
	if len(req.X) == 0 {
		return nil, fmt.Errorf("feature matrix x is required")
	}

	p := len(req.X[0])
	X := mat.NewDense(len(req.X), p, nil)
	for i, row := range req.X {
		if len(row) != p {
			return nil, fmt.Errorf("row %d has %d entries, expected %d", i, len(row), p)
		}
		for j, v := range row {
			X.Set(i, j, v)
		}
	}

	predictions, err := state.Estimator.Predict(X)
	if err != nil {
		return nil, err
	}

	out := make([]float64, predictions.Len())
	for i := range out {
		out[i] = predictions.AtVec(i)
	}
	return out, nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      interface{}   `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", nil)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "regression.fit":
		result, err = s.rpcFit(request.Params)
	case "regression.status":
		result, err = s.rpcStatus(request.Params)
	case "regression.cancel":
		err = s.rpcCancel(request.Params)
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, -32000, err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// rpcFit handles the regression.fit JSON-RPC method.
// Expected parameters: {"x": [[1.5, null, ...], ...], "y": [...], "config": {...}}
// Returns: {"fit_id": "fit_123", "status": "pending"}
func (s *Server) rpcFit(params []interface{}) (interface{}, error) {
	req, err := decodeParams[fitRequest](params)
	if err != nil {
		return nil, err
	}

	id, err := s.startFit(req)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"fit_id": id,
		"status": "pending",
	}, nil
}

// rpcStatus handles the regression.status JSON-RPC method.
// Expected parameters: {"fit_id": "fit_123"}
func (s *Server) rpcStatus(params []interface{}) (interface{}, error) {
	req, err := decodeParams[struct {
		FitID string `json:"fit_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	if req.FitID == "" {
		return nil, fmt.Errorf("fit_id is required")
	}

	return s.fitStatus(req.FitID)
}

// rpcCancel handles the regression.cancel JSON-RPC method.
// Expected parameters: {"fit_id": "fit_123"}
func (s *Server) rpcCancel(params []interface{}) error {
	req, err := decodeParams[struct {
		FitID string `json:"fit_id"`
	}](params)
	if err != nil {
		return err
	}
	if req.FitID == "" {
		return fmt.Errorf("fit_id is required")
	}

	return s.cancelFit(req.FitID)
}

// decodeParams extracts the first positional parameter into a typed request.
func decodeParams[T any](params []interface{}) (*T, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("missing required parameters")
	}

	raw, err := json.Marshal(params[0])
	if err != nil {
		return nil, fmt.Errorf("invalid parameter format: %v", err)
	}

	req := new(T)
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("invalid parameter format: %v", err)
	}
	return req, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// Close cleans up resources
func (s *Server) Close() error {
	// Cancel all running fits
	s.fitsMu.Lock()
	defer s.fitsMu.Unlock()

	for _, fit := range s.fits {
		if fit.CancelFunc != nil {
			fit.CancelFunc()
		}
	}
	return nil
}

// handleFit handles the HTTP POST /api/v1/fit endpoint for starting a new fit
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req fitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	id, err := s.startFit(&req)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"fit_id": id,
		"status": "pending",
	})
}

// handleStatus handles the HTTP GET /api/v1/status/{id} endpoint
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing fit ID", http.StatusBadRequest)
		return
	}

	result, err := s.fitStatus(id)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// handleCancel handles the HTTP DELETE /api/v1/fit/{id} endpoint
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing fit ID", http.StatusBadRequest)
		return
	}

	err := s.cancelFit(id)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "cancellation requested",
	})
}

// handlePredict handles the HTTP POST /api/v1/predict/{id} endpoint
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing fit ID", http.StatusBadRequest)
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	predictions, err := s.predictWith(id, &req)

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"predictions": predictions,
	})
}
