// Package store implements the Metric Store (spec.md §4.1): a durable,
// embedded, single-writer key-space for MetricSamples, ScalingEvents,
// Predictions, Anomalies, OptimalTargets, and NotificationProviders. It is
// backed by go.etcd.io/bbolt, the embedded KV store two pack repos
// (flyingrobots-go-redis-work-queue, nitin2goyal-katalyst) depend on for
// exactly this kind of single-writer, memory-mapped durability.
//
// Bucket layout: one top-level bucket per entity kind; MetricSample,
// ScalingEvent, Prediction, and Anomaly buckets are further nested one
// level by workload ("namespace/name"), with big-endian nanosecond
// timestamps as keys so a bucket cursor yields time order for free.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-logr/logr"
	bolt "go.etcd.io/bbolt"

	"github.com/smart-autoscaler/operator/internal/domain"
	"github.com/smart-autoscaler/operator/internal/errkind"
)

const (
	bucketSamples      = "samples"
	bucketEvents       = "events"
	bucketPredictions  = "predictions"
	bucketAnomalies    = "anomalies"
	bucketOptimal      = "optimal_targets"
	bucketProviders    = "notification_providers"
	bucketPrescale     = "prescale_profiles"
	bucketAutopilot    = "autopilot_profiles"
	bucketPattern      = "pattern_profiles"
	bucketMeta         = "meta"
)

var topLevelBuckets = []string{
	bucketSamples, bucketEvents, bucketPredictions, bucketAnomalies,
	bucketOptimal, bucketProviders, bucketPrescale, bucketAutopilot,
	bucketPattern, bucketMeta,
}

// Store is the single-writer Metric Store. Reads may run concurrently;
// writes are serialized by bbolt's own single-writer transaction model,
// which is exactly the guarantee spec.md §4.1 asks for.
type Store struct {
	db  *bolt.DB
	log logr.Logger
}

// Open opens (creating if absent) the embedded store at path.
func Open(path string, log logr.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db, log: log}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func workloadBucketKey(w domain.WorkloadKey) []byte {
	return []byte(w.String())
}

func timeKey(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func keyTime(k []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k)))
}

// nestedBucket fetches or creates the per-workload bucket nested under
// parentName for w.
func nestedBucket(tx *bolt.Tx, parentName string, w domain.WorkloadKey, create bool) (*bolt.Bucket, error) {
	parent := tx.Bucket([]byte(parentName))
	if parent == nil {
		return nil, fmt.Errorf("store: missing top-level bucket %q", parentName)
	}
	key := workloadBucketKey(w)
	if create {
		return parent.CreateBucketIfNotExists(key)
	}
	return parent.Bucket(key), nil
}

// AppendSamples writes a batch of MetricSamples. Idempotent by
// (workload, timestamp): a retried write with the same timestamp overwrites
// the prior value (last-writer-wins), satisfying spec.md §4.1's idempotency
// requirement. On I/O error the whole batch is rolled back by bbolt's
// transaction semantics and a retryable error is returned; the caller (the
// control loop) continues with previous state per spec.md §4.1/§7.
func (s *Store) AppendSamples(batch []domain.MetricSample) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		byWorkload := map[domain.WorkloadKey][]domain.MetricSample{}
		for _, smp := range batch {
			byWorkload[smp.Workload] = append(byWorkload[smp.Workload], smp)
		}
		for w, samples := range byWorkload {
			b, err := nestedBucket(tx, bucketSamples, w, true)
			if err != nil {
				return err
			}
			for _, smp := range samples {
				raw, err := json.Marshal(smp)
				if err != nil {
					return err
				}
				if err := b.Put(timeKey(smp.Timestamp), raw); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return errkind.Wrap(errkind.StoreIO, fmt.Errorf("store: append_samples: %w", err))
	}
	return nil
}

// Range yields MetricSamples for w with t0 <= timestamp <= t1, ordered by
// time ascending. It is a synchronous call returning a finite slice rather
// than a generator/iterator — Go has no lazy-sequence primitive without
// goroutine-based iterators, and every caller in this codebase consumes the
// whole window anyway (p95/mean/std, pattern features, predictor windows).
func (s *Store) Range(w domain.WorkloadKey, t0, t1 time.Time) ([]domain.MetricSample, error) {
	var out []domain.MetricSample
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketSamples, w, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(timeKey(t0)); k != nil && !keyTime(k).After(t1); k, v = c.Next() {
			var smp domain.MetricSample
			if err := json.Unmarshal(v, &smp); err != nil {
				return err
			}
			out = append(out, smp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: range: %w", err)
	}
	return out, nil
}

// GetP95 returns the p95 of raw CPUMillicores over window, excluding
// startup samples; converting it to a utilization percent is the caller's
// concern.
func (s *Store) GetP95(w domain.WorkloadKey, window time.Duration, now time.Time) (float64, error) {
	samples, err := s.Range(w, now.Add(-window), now)
	if err != nil {
		return 0, err
	}
	vals := learnableValues(samples)
	if len(vals) == 0 {
		return 0, nil
	}
	return percentile(vals, 0.95), nil
}

// GetMeanStd returns the mean and standard deviation of CPU millicores over
// window, excluding startup samples.
func (s *Store) GetMeanStd(w domain.WorkloadKey, window time.Duration, now time.Time) (mean, std float64, err error) {
	samples, err := s.Range(w, now.Add(-window), now)
	if err != nil {
		return 0, 0, err
	}
	vals := learnableValues(samples)
	if len(vals) == 0 {
		return 0, 0, nil
	}
	return meanStd(vals)
}

func learnableValues(samples []domain.MetricSample) []float64 {
	vals := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Startup {
			continue
		}
		vals = append(vals, s.CPUMillicores)
	}
	return vals
}

func meanStd(vals []float64) (mean, std float64, err error) {
	if len(vals) == 0 {
		return 0, 0, nil
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(len(vals))
	var sqDiff float64
	for _, v := range vals {
		d := v - mean
		sqDiff += d * d
	}
	std = sqDiff / float64(len(vals))
	if std > 0 {
		std = math.Sqrt(std)
	}
	return mean, std, nil
}

func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// AppendEvent records a ScalingEvent.
func (s *Store) AppendEvent(e domain.ScalingEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketEvents, e.Workload, true)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(timeKey(e.Timestamp), raw)
	})
}

// RangeEvents returns ScalingEvents for w within [t0,t1].
func (s *Store) RangeEvents(w domain.WorkloadKey, t0, t1 time.Time) ([]domain.ScalingEvent, error) {
	var out []domain.ScalingEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketEvents, w, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(timeKey(t0)); k != nil && !keyTime(k).After(t1); k, v = c.Next() {
			var e domain.ScalingEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// AppendPrediction persists a Prediction, keyed by MadeAt so it sorts
// alongside samples.
func (s *Store) AppendPrediction(p domain.Prediction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketPredictions, p.Workload, true)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(predictionKey(p), raw)
	})
}

// predictionKey combines MadeAt and the prediction ID so multiple
// horizons made at (nearly) the same instant don't collide.
func predictionKey(p domain.Prediction) []byte {
	base := timeKey(p.MadeAt)
	return append(base, []byte(p.ID)...)
}

// UpdatePrediction rewrites an existing Prediction in place (used when a
// pending prediction transitions to Validated or Lost).
func (s *Store) UpdatePrediction(p domain.Prediction) error {
	return s.AppendPrediction(p)
}

// RangePredictions returns Predictions for w made within [t0,t1].
func (s *Store) RangePredictions(w domain.WorkloadKey, t0, t1 time.Time) ([]domain.Prediction, error) {
	var out []domain.Prediction
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketPredictions, w, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(timeKey(t0)); k != nil && !keyTime(k).After(t1); k, v = c.Next() {
			var p domain.Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// PendingPredictions returns every Prediction for w still in Pending
// status, regardless of MadeAt, so the closure sweep (spec.md §3 invariant
// 6) can evaluate them against the deadline.
func (s *Store) PendingPredictions(w domain.WorkloadKey) ([]domain.Prediction, error) {
	var out []domain.Prediction
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketPredictions, w, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p domain.Prediction
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status == domain.PredictionPending {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// AppendAnomaly persists an Anomaly row.
func (s *Store) AppendAnomaly(a domain.Anomaly) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketAnomalies, a.Workload, true)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(append(timeKey(a.Timestamp), []byte(a.ID)...), raw)
	})
}

// RangeAnomalies returns Anomalies for w within [t0,t1].
func (s *Store) RangeAnomalies(w domain.WorkloadKey, t0, t1 time.Time) ([]domain.Anomaly, error) {
	var out []domain.Anomaly
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := nestedBucket(tx, bucketAnomalies, w, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(timeKey(t0)); k != nil && !keyTime(k).After(t1); k, v = c.Next() {
			var a domain.Anomaly
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// AllAnomalies returns every Anomaly across every workload, newest first,
// for the read API (spec.md §6).
func (s *Store) AllAnomalies(limit int) ([]domain.Anomaly, error) {
	var out []domain.Anomaly
	err := s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket([]byte(bucketAnomalies))
		return top.ForEach(func(k, v []byte) error {
			if v != nil {
				// Not expected: bucketAnomalies only holds nested
				// per-workload buckets, never direct key/value pairs.
				return nil
			}
			sub := top.Bucket(k)
			return sub.ForEach(func(_, raw []byte) error {
				var a domain.Anomaly
				if err := json.Unmarshal(raw, &a); err != nil {
					return err
				}
				out = append(out, a)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// hourSlotKey encodes the (workload, hour-of-week) optimal-target key.
func hourSlotKey(w domain.WorkloadKey, hourSlot int) []byte {
	return []byte(fmt.Sprintf("%s#%03d", w.String(), hourSlot))
}

// UpsertOptimal performs the read-modify-write OptimalTarget update spec.md
// §4.1 describes: increments samples_count and is verified by a
// read-after-write within the same transaction.
func (s *Store) UpsertOptimal(w domain.WorkloadKey, hourSlot int, target, confidence float64) (domain.OptimalTarget, error) {
	var result domain.OptimalTarget
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOptimal))
		key := hourSlotKey(w, hourSlot)

		existing := domain.OptimalTarget{Workload: w, HourSlot: hourSlot}
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
		}
		existing.Target = target
		existing.Confidence = confidence
		existing.SamplesCount++

		raw, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		if err := b.Put(key, raw); err != nil {
			return err
		}

		// Read-after-write verification.
		verify := b.Get(key)
		if verify == nil {
			return fmt.Errorf("store: upsert_optimal verification failed for %s slot %d", w, hourSlot)
		}
		result = existing
		return nil
	})
	if err != nil {
		return domain.OptimalTarget{}, errkind.Wrap(errkind.StoreIO, fmt.Errorf("store: upsert_optimal: %w", err))
	}
	return result, nil
}

// GetOptimal returns the stored OptimalTarget for (w, hourSlot), or
// ok=false if none exists yet.
func (s *Store) GetOptimal(w domain.WorkloadKey, hourSlot int) (domain.OptimalTarget, bool, error) {
	var out domain.OptimalTarget
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOptimal))
		raw := b.Get(hourSlotKey(w, hourSlot))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &out)
	})
	return out, found, err
}

// Vacuum copies the live dataset into a fresh, compact bbolt file at
// tmpPath, following bbolt's documented compaction idiom. It does not
// replace or shrink the open database file.
func (s *Store) Vacuum(tmpPath string) error {
	tmp, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("store: vacuum open tmp: %w", err)
	}
	defer tmp.Close()

	err = s.db.View(func(srcTx *bolt.Tx) error {
		return tmp.Update(func(dstTx *bolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bolt.Bucket) error {
				dst, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return copyBucket(srcBucket, dst)
			})
		})
	})
	if err != nil {
		return fmt.Errorf("store: vacuum copy: %w", err)
	}
	return nil
}

func copyBucket(src, dst *bolt.Bucket) error {
	c := src.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v == nil {
			sub := src.Bucket(k)
			dstSub, err := dst.CreateBucketIfNotExists(k)
			if err != nil {
				return err
			}
			if err := copyBucket(sub, dstSub); err != nil {
				return err
			}
			continue
		}
		if err := dst.Put(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports operational counters for the read API / diagnostics.
type Stats struct {
	WorkloadCount   int
	TotalSamples    int
	TotalPredictions int
	TotalAnomalies  int
	FileSizeBytes   int64
}

// Stats computes operational counters (spec.md §4.1's stats() operation).
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		st.FileSizeBytes = tx.Size()
		seen := map[string]bool{}

		sumNested := func(parentName string, counter *int) error {
			parent := tx.Bucket([]byte(parentName))
			return parent.ForEach(func(name, v []byte) error {
				if v != nil {
					return nil
				}
				seen[string(name)] = true
				sub := parent.Bucket(name)
				*counter += sub.Stats().KeyN
				return nil
			})
		}

		if err := sumNested(bucketSamples, &st.TotalSamples); err != nil {
			return err
		}
		if err := sumNested(bucketPredictions, &st.TotalPredictions); err != nil {
			return err
		}
		if err := sumNested(bucketAnomalies, &st.TotalAnomalies); err != nil {
			return err
		}
		st.WorkloadCount = len(seen)
		return nil
	})
	return st, err
}
