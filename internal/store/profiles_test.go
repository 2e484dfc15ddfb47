package store

import (
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-autoscaler/operator/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPrescaleProfileDefaultsToIdle(t *testing.T) {
	s := openTestStore(t)
	key := domain.WorkloadKey{Namespace: "ns", Name: "wl"}

	profile, err := s.GetPrescaleProfile(key)
	require.NoError(t, err)
	assert.Equal(t, domain.PrescaleIdle, profile.State)
	assert.Equal(t, key, profile.Workload)
}

func TestPrescaleProfileRoundTrips(t *testing.T) {
	s := openTestStore(t)
	key := domain.WorkloadKey{Namespace: "ns", Name: "wl"}

	want := domain.PrescaleProfile{
		Workload:            key,
		State:               domain.PrescalePreScaling,
		OriginalMinReplicas: 2,
		OriginalMaxReplicas: 10,
		OriginalCaptured:    true,
		CurrentMinReplicas:  4,
	}
	require.NoError(t, s.PutPrescaleProfile(want))

	got, err := s.GetPrescaleProfile(key)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAutopilotProfileDefaultsToDisabledLearning(t *testing.T) {
	s := openTestStore(t)
	key := domain.WorkloadKey{Namespace: "ns", Name: "wl"}

	profile, err := s.GetAutopilotProfile(key)
	require.NoError(t, err)
	assert.Equal(t, domain.AutopilotDisabled, profile.State)
	assert.Equal(t, domain.AutopilotLearning, profile.SubState)
}

func TestPatternProfileDefaultsToUnknown(t *testing.T) {
	s := openTestStore(t)
	key := domain.WorkloadKey{Namespace: "ns", Name: "wl"}

	profile, err := s.GetPatternProfile(key)
	require.NoError(t, err)
	assert.Equal(t, domain.PatternUnknown, profile.Pattern)
}

func TestProviderCRUDRoundTrips(t *testing.T) {
	s := openTestStore(t)
	provider := domain.NotificationProvider{
		ID:         "slack-1",
		Kind:       domain.NotificationSlack,
		WebhookURL: "https://example.invalid/webhook",
		Enabled:    true,
	}

	require.NoError(t, s.UpsertProvider(provider))

	list, err := s.ListProviders()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, provider, list[0])

	require.NoError(t, s.DeleteProvider(provider.ID))
	list, err = s.ListProviders()
	require.NoError(t, err)
	assert.Empty(t, list)
}
