package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/smart-autoscaler/operator/internal/domain"
)

// PutPrescaleProfile persists a workload's Pre-Scale Manager state.
func (s *Store) PutPrescaleProfile(p domain.PrescaleProfile) error {
	return putFlat(s.db, bucketPrescale, workloadBucketKey(p.Workload), p)
}

// GetPrescaleProfile returns the stored profile for w, or a fresh Idle
// profile if none exists yet.
func (s *Store) GetPrescaleProfile(w domain.WorkloadKey) (domain.PrescaleProfile, error) {
	out := domain.PrescaleProfile{Workload: w, State: domain.PrescaleIdle}
	found, err := getFlat(s.db, bucketPrescale, workloadBucketKey(w), &out)
	if err != nil {
		return out, err
	}
	if !found {
		out = domain.PrescaleProfile{Workload: w, State: domain.PrescaleIdle}
	}
	return out, nil
}

// PutAutopilotProfile persists a workload's Autopilot state.
func (s *Store) PutAutopilotProfile(p domain.AutopilotProfile) error {
	return putFlat(s.db, bucketAutopilot, workloadBucketKey(p.Workload), p)
}

// GetAutopilotProfile returns the stored profile for w, or a fresh
// Disabled/Learning profile if none exists yet.
func (s *Store) GetAutopilotProfile(w domain.WorkloadKey) (domain.AutopilotProfile, error) {
	out := domain.AutopilotProfile{Workload: w, State: domain.AutopilotDisabled, SubState: domain.AutopilotLearning}
	found, err := getFlat(s.db, bucketAutopilot, workloadBucketKey(w), &out)
	if err != nil {
		return out, err
	}
	if !found {
		out = domain.AutopilotProfile{Workload: w, State: domain.AutopilotDisabled, SubState: domain.AutopilotLearning}
	}
	return out, nil
}

// PutPatternProfile persists a workload's Pattern Recognizer classification.
func (s *Store) PutPatternProfile(p domain.PatternProfile) error {
	return putFlat(s.db, bucketPattern, workloadBucketKey(p.Workload), p)
}

// GetPatternProfile returns the stored classification for w, or
// PatternUnknown if none exists yet.
func (s *Store) GetPatternProfile(w domain.WorkloadKey) (domain.PatternProfile, error) {
	out := domain.PatternProfile{Workload: w, Pattern: domain.PatternUnknown}
	found, err := getFlat(s.db, bucketPattern, workloadBucketKey(w), &out)
	if err != nil {
		return out, err
	}
	if !found {
		out = domain.PatternProfile{Workload: w, Pattern: domain.PatternUnknown}
	}
	return out, nil
}

// UpsertProvider creates or replaces a notification provider by ID.
func (s *Store) UpsertProvider(p domain.NotificationProvider) error {
	return putFlat(s.db, bucketProviders, []byte(p.ID), p)
}

// DeleteProvider removes a notification provider by ID.
func (s *Store) DeleteProvider(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketProviders)).Delete([]byte(id))
	})
}

// ListProviders returns every configured notification provider.
func (s *Store) ListProviders() ([]domain.NotificationProvider, error) {
	var out []domain.NotificationProvider
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketProviders))
		return b.ForEach(func(_, v []byte) error {
			var p domain.NotificationProvider
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// putFlat marshals v as JSON into the flat (non-nested) top-level bucket
// bucketName under key.
func putFlat(db *bolt.DB, bucketName string, key []byte, v interface{}) error {
	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("store: missing top-level bucket %q", bucketName)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
}

// getFlat unmarshals the value stored under key in bucketName into out,
// reporting found=false rather than an error when the key is absent.
func getFlat(db *bolt.DB, bucketName string, key []byte, out interface{}) (bool, error) {
	found := false
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("store: missing top-level bucket %q", bucketName)
		}
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, out)
	})
	return found, err
}
