package readapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/smart-autoscaler/operator/internal/controlplane"
	"github.com/smart-autoscaler/operator/internal/domain"
)

var (
	errMissingProviderID = errors.New("readapi: provider id is required")
	errProviderNotFound   = errors.New("readapi: provider not found")
)

// Server is the HTTP front end over the control plane's store and
// actuator (spec.md §6). It is read-only except for notification-provider
// CRUD and the provider test-send action; it never patches a Kubernetes
// object or feeds a decision back into the control loop.
type Server struct {
	cp     *controlplane.ControlPlane
	log    logr.Logger
	router *mux.Router
	srv    *http.Server
}

// New builds a Server listening on addr. It wires routes but does not bind
// the socket until Run is called.
func New(addr string, cp *controlplane.ControlPlane, log logr.Logger) *Server {
	s := &Server{cp: cp, log: log, router: mux.NewRouter()}
	s.routes()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workloads", s.handleListWorkloads).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{namespace}/{name}/predictions", s.handlePredictions).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{namespace}/{name}/autopilot", s.handleAutopilot).Methods(http.MethodGet)
	api.HandleFunc("/workloads/{namespace}/{name}/prescale", s.handlePrescale).Methods(http.MethodGet)
	api.HandleFunc("/nodes", s.handleNodeEfficiency).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)

	api.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	api.HandleFunc("/providers", s.handleCreateProvider).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}", s.handleDeleteProvider).Methods(http.MethodDelete)
	api.HandleFunc("/providers/{id}/test", s.handleTestProvider).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Use(s.loggingMiddleware)
}

// Run blocks serving HTTP until ctx is canceled, then shuts down gracefully
// with a bounded drain window.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("read API listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.log.V(1).Info("read API request", "method", r.Method, "path", r.URL.Path)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func workloadKeyFromPath(r *http.Request) domain.WorkloadKey {
	vars := mux.Vars(r)
	return domain.WorkloadKey{Namespace: vars["namespace"], Name: vars["name"]}
}

// handleListWorkloads returns per-workload current state (spec.md §6 (a)).
func (s *Server) handleListWorkloads(w http.ResponseWriter, r *http.Request) {
	workloads := s.cp.Workloads()
	out := make([]WorkloadStateDTO, 0, len(workloads))
	for _, wl := range workloads {
		out = append(out, s.workloadState(wl))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) workloadState(wl domain.Workload) WorkloadStateDTO {
	dto := WorkloadStateDTO{
		Spec: WorkloadSpecDTO{
			Namespace:            wl.Namespace,
			Name:                 wl.Name,
			HPAName:              wl.HPAName,
			Priority:             string(wl.Priority),
			StartupFilterMinutes: wl.StartupFilterMinutes,
			AutoDiscovered:       wl.AutoDiscovered,
		},
	}

	samples, err := s.cp.Store().Range(wl.WorkloadKey, time.Time{}, time.Now())
	if err == nil && len(samples) > 0 {
		latest := samples[len(samples)-1]
		dto.Status.LastSampleAt = latest.Timestamp
		dto.Status.CPUMillicores = latest.CPUMillicores
		dto.Status.MemoryBytes = latest.MemoryBytes
		dto.Status.ReplicaCount = latest.ReplicaCount
	}

	if profile, err := s.cp.Store().GetPatternProfile(wl.WorkloadKey); err == nil {
		dto.Status.Pattern = string(profile.Pattern)
		dto.Status.PatternConfidence = profile.Confidence
	}

	if prescale, err := s.cp.Store().GetPrescaleProfile(wl.WorkloadKey); err == nil && prescale.State != domain.PrescaleIdle {
		dto.Status.ReplicaTargets = append(dto.Status.ReplicaTargets, ReplicaTargetDTO{
			Source:      "prescale",
			MinReplicas: int32(prescale.CurrentMinReplicas),
			Reason:      prescale.PreScaleReason,
		})
		dto.Status.Conditions = append(dto.Status.Conditions, ConditionDTO{
			Type:               "PreScaling",
			Status:             "True",
			Reason:             string(prescale.State),
			LastTransitionTime: prescale.PreScaleStartedAt,
		})
	}

	if autopilot, err := s.cp.Store().GetAutopilotProfile(wl.WorkloadKey); err == nil && autopilot.State != domain.AutopilotDisabled {
		dto.Status.Conditions = append(dto.Status.Conditions, ConditionDTO{
			Type:               "Autopilot",
			Status:             "True",
			Reason:             string(autopilot.SubState),
			LastTransitionTime: autopilot.LastActionAt,
		})
	}

	return dto
}

// handlePredictions returns recent predictions and model accuracy (spec.md
// §6 (b)).
func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	key := workloadKeyFromPath(r)
	now := time.Now()
	preds, err := s.cp.Store().RangePredictions(key, now.Add(-7*24*time.Hour), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]PredictionDTO, 0, len(preds))
	for _, p := range preds {
		out = append(out, PredictionDTO{
			ID:                  p.ID,
			Horizon:             time.Duration(p.Horizon).String(),
			MadeAt:              p.MadeAt,
			PredictedCPUPercent: p.PredictedCPUPercent,
			Confidence:          p.Confidence,
			CILow:               p.CILow,
			CIHigh:              p.CIHigh,
			ModelUsed:           string(p.ModelUsed),
			Status:              string(p.Status),
			ActualCPUPercent:    p.ActualCPUPercent,
			AccuracyScore:       p.AccuracyScore,
		})
	}

	accuracy := s.cp.Accuracy(key)
	accOut := make([]ModelAccuracyDTO, 0, len(accuracy))
	for _, a := range accuracy {
		accOut = append(accOut, ModelAccuracyDTO{
			Model:          string(a.Model),
			MeanAbsPctErr:  a.MeanAbsPctErr,
			ValidatedCount: a.ValidatedCount,
		})
	}

	writeJSON(w, http.StatusOK, PredictionsResponse{Predictions: out, Accuracy: accOut})
}

// handleAutopilot returns a workload's current autopilot state, baselines
// and any pending post-apply health check (spec.md §6 (c)); no
// resource-request recommendation is included.
func (s *Server) handleAutopilot(w http.ResponseWriter, r *http.Request) {
	key := workloadKeyFromPath(r)
	profile, err := s.cp.Store().GetAutopilotProfile(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	dto := AutopilotDTO{
		State:             string(profile.State),
		SubState:          string(profile.SubState),
		LearningStartedAt: profile.LearningStartedAt,
		BaselineCPUP95:    profile.BaselineCPUP95,
		BaselineMemoryP95: profile.BaselineMemoryP95,
		SamplesCollected:  profile.SamplesCollected,
		LastActionAt:      profile.LastActionAt,
		AutoRollbacks:     profile.AutoRollbacks,
	}
	if profile.PendingSnapshot != nil {
		snap := *profile.PendingSnapshot
		dto.PendingHealthCheck = &HealthSnapshotDTO{
			TakenAt:               snap.TakenAt,
			PodRestartCount:       snap.PodRestartCount,
			OOMKillCount:          snap.OOMKillCount,
			ReadyReplicasFraction: snap.ReadyReplicasFraction,
			PreviousCPURequest:    snap.PreviousCPURequest,
			PreviousMemoryRequest: snap.PreviousMemoryRequest,
			AppliedCPURequest:     snap.AppliedCPURequest,
			AppliedMemoryRequest:  snap.AppliedMemoryRequest,
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// handlePrescale returns a workload's Pre-Scale Manager bookkeeping
// (spec.md §6 (d)).
func (s *Server) handlePrescale(w http.ResponseWriter, r *http.Request) {
	key := workloadKeyFromPath(r)
	profile, err := s.cp.Store().GetPrescaleProfile(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, PrescaleDTO{
		State:                 string(profile.State),
		OriginalMinReplicas:   profile.OriginalMinReplicas,
		OriginalMaxReplicas:   profile.OriginalMaxReplicas,
		CurrentMinReplicas:    profile.CurrentMinReplicas,
		PreScaleStartedAt:     profile.PreScaleStartedAt,
		PreScaleReason:        profile.PreScaleReason,
		PredictedCPU:          profile.PredictedCPU,
		PredictionConfidence:  profile.PredictionConfidence,
		CooldownUntil:         profile.CooldownUntil,
		PreScaleCount:         profile.PreScaleCount,
		SuccessfulPredictions: profile.SuccessfulPredictions,
		FailedPredictions:     profile.FailedPredictions,
	})
}

// handleNodeEfficiency returns cluster node allocatable capacity and the
// pressure ratio the Coordinator is currently acting on (spec.md §6 (e)).
func (s *Server) handleNodeEfficiency(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.cp.Actuator().ListNodeCapacity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]NodeEfficiencyDTO, 0, len(nodes))
	var totalAlloc float64
	for _, n := range nodes {
		out = append(out, NodeEfficiencyDTO{
			Name:               n.Name,
			AllocatableCPUM:    n.AllocatableCPUM,
			AllocatableMemoryB: n.AllocatableMemoryB,
		})
		totalAlloc += float64(n.AllocatableCPUM)
	}

	var usedMillicores float64
	for _, wl := range s.cp.Workloads() {
		samples, err := s.cp.Store().Range(wl.WorkloadKey, time.Now().Add(-5*time.Minute), time.Now())
		if err != nil || len(samples) == 0 {
			continue
		}
		usedMillicores += samples[len(samples)-1].CPUMillicores
	}
	pressure := 0.0
	if totalAlloc > 0 {
		pressure = usedMillicores / totalAlloc
	}

	writeJSON(w, http.StatusOK, ClusterEfficiencyResponse{Nodes: out, ClusterPressure: pressure})
}

// handleAnomalies returns the most recent anomalies across all workloads
// (spec.md §6 (f)). ?limit caps the result, default 100.
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	anomalies, err := s.cp.Store().AllAnomalies(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]AnomalyDTO, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, AnomalyDTO{
			ID:          a.ID,
			Workload:    a.Workload.String(),
			Timestamp:   a.Timestamp,
			Kind:        string(a.Kind),
			Severity:    string(a.Severity),
			Description: a.Description,
			Metrics:     a.MetricsSnapshot,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListProviders returns every configured notification provider
// (spec.md §6 (g)).
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.cp.Store().ListProviders()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]ProviderDTO, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateProvider creates or replaces a notification provider.
func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var dto ProviderDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if dto.ID == "" {
		writeError(w, http.StatusBadRequest, errMissingProviderID)
		return
	}

	subscribed := make([]domain.AnomalyKind, 0, len(dto.SubscribedKinds))
	for _, k := range dto.SubscribedKinds {
		subscribed = append(subscribed, domain.AnomalyKind(k))
	}
	provider := domain.NotificationProvider{
		ID:              dto.ID,
		Kind:            domain.NotificationKind(dto.Kind),
		WebhookURL:      dto.WebhookURL,
		Enabled:         dto.Enabled,
		SubscribedKinds: subscribed,
	}
	if err := s.cp.Store().UpsertProvider(provider); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, providerDTO(provider))
}

// handleDeleteProvider removes a notification provider by ID.
func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.cp.Store().DeleteProvider(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestProvider sends a synthetic anomaly through the named provider
// so the dashboard can verify a webhook URL before relying on it.
func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	providers, err := s.cp.Store().ListProviders()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var found *domain.NotificationProvider
	for i := range providers {
		if providers[i].ID == id {
			found = &providers[i]
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, errProviderNotFound)
		return
	}
	if err := s.cp.Notifier().Test(r.Context(), *found); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func providerDTO(p domain.NotificationProvider) ProviderDTO {
	kinds := make([]string, 0, len(p.SubscribedKinds))
	for _, k := range p.SubscribedKinds {
		kinds = append(kinds, string(k))
	}
	return ProviderDTO{
		ID:              p.ID,
		Kind:            string(p.Kind),
		WebhookURL:      p.WebhookURL,
		Enabled:         p.Enabled,
		SubscribedKinds: kinds,
	}
}
