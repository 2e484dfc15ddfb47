// Package readapi exposes the operator's internal state over HTTP as the
// "Read API" spec.md §6 describes: JSON endpoints the external dashboard
// consumes, never endpoints that feed back into the control loop itself.
package readapi

import "time"

// WorkloadStateDTO is a workload's current state, shaped after the
// teacher's Optimizer CRD (api/v1alpha1/optimizer_types.go: Spec/Status/
// Conditions) minus the Kubernetes TypeMeta/ObjectMeta/kubebuilder
// machinery a plain HTTP client has no use for.
type WorkloadStateDTO struct {
	Spec   WorkloadSpecDTO   `json:"spec"`
	Status WorkloadStatusDTO `json:"status"`
}

// WorkloadSpecDTO is the configured, rarely-changing half of a workload.
type WorkloadSpecDTO struct {
	Namespace            string `json:"namespace"`
	Name                 string `json:"name"`
	HPAName              string `json:"hpaName,omitempty"`
	Priority             string `json:"priority"`
	StartupFilterMinutes int    `json:"startupFilterMinutes,omitempty"`
	AutoDiscovered       bool   `json:"autoDiscovered"`
}

// WorkloadStatusDTO is the observed, cycle-to-cycle half of a workload.
type WorkloadStatusDTO struct {
	LastSampleAt      time.Time          `json:"lastSampleAt,omitempty"`
	CPUMillicores     float64            `json:"cpuMillicores"`
	MemoryBytes       float64            `json:"memoryBytes"`
	ReplicaCount      int                `json:"replicaCount"`
	Pattern           string             `json:"pattern"`
	PatternConfidence float64            `json:"patternConfidence"`
	ReplicaTargets    []ReplicaTargetDTO `json:"replicaTargets,omitempty"`
	Conditions        []ConditionDTO     `json:"conditions,omitempty"`
}

// ReplicaTargetDTO mirrors the teacher's ReplicaTargetEntry: the most
// recent replica-count decision made for this workload and why.
type ReplicaTargetDTO struct {
	Source      string `json:"source"` // "autotuner", "prescale", "preemption"
	MinReplicas int32  `json:"minReplicas,omitempty"`
	MaxReplicas int32  `json:"maxReplicas,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ConditionDTO mirrors the shape of metav1.Condition without importing
// apimachinery into a package that otherwise has no Kubernetes dependency.
type ConditionDTO struct {
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
}

// PredictionDTO is one forecast, with the accuracy of the model that made
// it once validated.
type PredictionDTO struct {
	ID                  string    `json:"id"`
	Horizon             string    `json:"horizon"`
	MadeAt              time.Time `json:"madeAt"`
	PredictedCPUPercent float64   `json:"predictedCpuPercent"`
	Confidence          float64   `json:"confidence"`
	CILow               float64   `json:"ciLow"`
	CIHigh              float64   `json:"ciHigh"`
	ModelUsed           string    `json:"modelUsed"`
	Status              string    `json:"status"`
	ActualCPUPercent    float64   `json:"actualCpuPercent,omitempty"`
	AccuracyScore       float64   `json:"accuracyScore,omitempty"`
}

// ModelAccuracyDTO is the rolling accuracy of one ensemble model for one
// workload.
type ModelAccuracyDTO struct {
	Model          string  `json:"model"`
	MeanAbsPctErr  float64 `json:"meanAbsPctErr"`
	ValidatedCount int     `json:"validatedCount"`
}

// PredictionsResponse bundles a workload's recent predictions with the
// accuracy ledger behind them (spec.md §6 (b)).
type PredictionsResponse struct {
	Predictions []PredictionDTO    `json:"predictions"`
	Accuracy    []ModelAccuracyDTO `json:"accuracy"`
}

// AutopilotDTO is Autopilot's current state, learned baselines and any
// pending post-apply health check for a workload (spec.md §6 (c)). It does
// not carry a resource-request recommendation.
type AutopilotDTO struct {
	State             string     `json:"state"`
	SubState          string     `json:"subState"`
	LearningStartedAt time.Time  `json:"learningStartedAt,omitempty"`
	BaselineCPUP95    float64    `json:"baselineCpuP95"`
	BaselineMemoryP95 float64    `json:"baselineMemoryP95"`
	SamplesCollected  int        `json:"samplesCollected"`
	LastActionAt      time.Time  `json:"lastActionAt,omitempty"`
	AutoRollbacks     int        `json:"autoRollbacks"`
	PendingHealthCheck *HealthSnapshotDTO `json:"pendingHealthCheck,omitempty"`
}

// HealthSnapshotDTO mirrors domain.AutopilotHealthSnapshot.
type HealthSnapshotDTO struct {
	TakenAt               time.Time `json:"takenAt"`
	PodRestartCount       int       `json:"podRestartCount"`
	OOMKillCount          int       `json:"oomKillCount"`
	ReadyReplicasFraction float64   `json:"readyReplicasFraction"`
	PreviousCPURequest    string    `json:"previousCpuRequest"`
	PreviousMemoryRequest string    `json:"previousMemoryRequest"`
	AppliedCPURequest     string    `json:"appliedCpuRequest"`
	AppliedMemoryRequest  string    `json:"appliedMemoryRequest"`
}

// PrescaleDTO is the Pre-Scale Manager's current bookkeeping for a workload
// (spec.md §6 (d)).
type PrescaleDTO struct {
	State                 string    `json:"state"`
	OriginalMinReplicas   int       `json:"originalMinReplicas"`
	OriginalMaxReplicas   int       `json:"originalMaxReplicas"`
	CurrentMinReplicas    int       `json:"currentMinReplicas"`
	PreScaleStartedAt     time.Time `json:"preScaleStartedAt,omitempty"`
	PreScaleReason        string    `json:"preScaleReason,omitempty"`
	PredictedCPU          float64   `json:"predictedCpu"`
	PredictionConfidence  float64   `json:"predictionConfidence"`
	CooldownUntil         time.Time `json:"cooldownUntil,omitempty"`
	PreScaleCount         int       `json:"preScaleCount"`
	SuccessfulPredictions int       `json:"successfulPredictions"`
	FailedPredictions     int       `json:"failedPredictions"`
}

// NodeEfficiencyDTO is one node's allocatable capacity (spec.md §6 (e)).
type NodeEfficiencyDTO struct {
	Name               string `json:"name"`
	AllocatableCPUM    int64  `json:"allocatableCpuMillicores"`
	AllocatableMemoryB int64  `json:"allocatableMemoryBytes"`
}

// ClusterEfficiencyResponse is the node efficiency endpoint's full payload:
// per-node allocatable capacity plus the cluster pressure ratio the
// Coordinator is currently acting on.
type ClusterEfficiencyResponse struct {
	Nodes           []NodeEfficiencyDTO `json:"nodes"`
	ClusterPressure float64             `json:"clusterPressure"`
}

// AnomalyDTO is one surfaced anomaly (spec.md §6 (f)).
type AnomalyDTO struct {
	ID          string             `json:"id"`
	Workload    string             `json:"workload"`
	Timestamp   time.Time          `json:"timestamp"`
	Kind        string             `json:"kind"`
	Severity    string             `json:"severity"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// ProviderDTO is a notification provider, for the CRUD endpoint (spec.md §6
// (g)). WebhookURL is included on read because the dashboard is a trusted,
// operator-authenticated surface, not a public one.
type ProviderDTO struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	WebhookURL      string   `json:"webhookUrl"`
	Enabled         bool     `json:"enabled"`
	SubscribedKinds []string `json:"subscribedKinds,omitempty"`
}

// errorResponse is the JSON body written for any non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}
