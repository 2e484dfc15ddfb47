package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron"
	"github.com/shirou/gopsutil/v3/disk"
	bolt "go.etcd.io/bbolt"

	"github.com/smart-autoscaler/operator/internal/domain"
)

// Tunables for the mid and aggressive disk-pressure tiers (spec.md §4.1).
const (
	downsampleSampleAge   = 14 * 24 * time.Hour
	downsampleBucketWidth = 2 * time.Hour

	aggressiveFullFidelityAge      = 3 * 24 * time.Hour
	representativeSamplesPerSlot   = 4
	representativeSlotsPerWorkload = 7 * 24 // (day_of_week, hour) combinations
)

// RetentionConfig carries the tunables the three-tier disk-pressure ladder
// (spec.md §4.1) needs: per-entity-kind TTLs and the three usage-fraction
// thresholds that decide whether a cleanup pass only deletes expired rows,
// downsamples older-but-live samples, or drops low-value rows outright.
type RetentionConfig struct {
	SampleTTL     time.Duration
	EventTTL      time.Duration
	PredictionTTL time.Duration
	AnomalyTTL    time.Duration

	WarningFraction    float64 // >= this: log and proceed with normal TTL sweep
	DownsampleFraction float64 // >= this: additionally collapse samples older than 14d to 2h means and prune redundant predictions
	AggressiveFraction float64 // >= this: additionally thin old samples to representative slots and drop low-severity anomalies
}

// DiskPressure reports the fraction of disk used on the filesystem backing
// dbPath, via github.com/shirou/gopsutil/v3 (the same statistics library
// kube-zen-zen-watcher imports directly for host pressure checks).
func DiskPressure(dbPath string) (float64, error) {
	dir := filepath.Dir(dbPath)
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("store: disk usage %s: %w", dir, err)
	}
	return usage.UsedPercent / 100.0, nil
}

// RunCleanup performs one retention sweep: it always prunes rows past their
// TTL, then escalates based on the measured disk-usage fraction exactly as
// spec.md §4.1 describes the three tiers.
func (s *Store) RunCleanup(cfg RetentionConfig, now time.Time) error {
	pressure, err := DiskPressure(s.db.Path())
	if err != nil {
		// Disk stats are advisory; a stat failure still runs the baseline
		// TTL sweep rather than skip cleanup altogether.
		s.log.Error(err, "store: disk pressure check failed, running baseline sweep only")
		pressure = 0
	}

	if err := s.pruneExpired(cfg, now); err != nil {
		return fmt.Errorf("store: prune_expired: %w", err)
	}

	if pressure >= cfg.WarningFraction {
		s.log.Info("store: disk pressure at warning threshold", "fraction", pressure)
	}
	if pressure >= cfg.DownsampleFraction {
		if err := s.downsampleOldSamples(now); err != nil {
			return fmt.Errorf("store: downsample: %w", err)
		}
		if err := s.pruneRedundantPredictions(); err != nil {
			return fmt.Errorf("store: prune_redundant_predictions: %w", err)
		}
	}
	if pressure >= cfg.AggressiveFraction {
		if err := s.retainRepresentativeSampleSlots(now); err != nil {
			return fmt.Errorf("store: retain_representative_slots: %w", err)
		}
		if err := s.dropLowSeverityAnomalies(now); err != nil {
			return fmt.Errorf("store: aggressive cleanup: %w", err)
		}
	}
	return nil
}

func (s *Store) pruneExpired(cfg RetentionConfig, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := pruneBucket(tx, bucketSamples, now.Add(-cfg.SampleTTL)); err != nil {
			return err
		}
		if err := pruneBucket(tx, bucketEvents, now.Add(-cfg.EventTTL)); err != nil {
			return err
		}
		if err := pruneBucket(tx, bucketPredictions, now.Add(-cfg.PredictionTTL)); err != nil {
			return err
		}
		return pruneBucket(tx, bucketAnomalies, now.Add(-cfg.AnomalyTTL))
	})
}

// pruneBucket deletes every key older than cutoff across all nested
// per-workload buckets under parentName.
func pruneBucket(tx *bolt.Tx, parentName string, cutoff time.Time) error {
	parent := tx.Bucket([]byte(parentName))
	return parent.ForEach(func(name, v []byte) error {
		if v != nil {
			return nil
		}
		sub := parent.Bucket(name)
		c := sub.Cursor()
		var stale [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) < 8 {
				continue
			}
			if keyTime(k[:8]).Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := sub.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// forEachWorkloadBucket invokes fn once per nested per-workload bucket under
// parent, skipping any stray non-bucket keys.
func forEachWorkloadBucket(parent *bolt.Bucket, fn func(sub *bolt.Bucket) error) error {
	return parent.ForEach(func(name, v []byte) error {
		if v != nil {
			return nil
		}
		return fn(parent.Bucket(name))
	})
}

// downsampleOldSamples collapses MetricSamples older than
// downsampleSampleAge (14d) into one 2-hour-mean sample per workload per
// bucket, trading resolution for space under the mid disk-pressure tier
// (spec.md §4.1).
func (s *Store) downsampleOldSamples(now time.Time) error {
	cutoff := now.Add(-downsampleSampleAge)
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketSamples))
		return forEachWorkloadBucket(parent, func(sub *bolt.Bucket) error {
			return downsampleBucket(sub, cutoff)
		})
	})
}

func downsampleBucket(sub *bolt.Bucket, cutoff time.Time) error {
	type slotAgg struct {
		sumCPU, sumMem float64
		sumReplicas    int
		count          int
		lastTS         time.Time
		lastReplica    int
	}
	slots := map[int64]*slotAgg{}
	var toDelete [][]byte

	c := sub.Cursor()
	for k, v := c.First(); k != nil && keyTime(k).Before(cutoff); k, v = c.Next() {
		var smp struct {
			Timestamp     time.Time
			CPUMillicores float64
			MemoryBytes   float64
			ReplicaCount  int
		}
		if err := json.Unmarshal(v, &smp); err != nil {
			return err
		}
		slotKey := smp.Timestamp.Truncate(downsampleBucketWidth).Unix()
		sa, ok := slots[slotKey]
		if !ok {
			sa = &slotAgg{}
			slots[slotKey] = sa
		}
		sa.sumCPU += smp.CPUMillicores
		sa.sumMem += smp.MemoryBytes
		sa.sumReplicas += smp.ReplicaCount
		sa.count++
		if smp.Timestamp.After(sa.lastTS) {
			sa.lastTS = smp.Timestamp
			sa.lastReplica = smp.ReplicaCount
		}
		toDelete = append(toDelete, append([]byte(nil), k...))
	}

	for _, k := range toDelete {
		if err := sub.Delete(k); err != nil {
			return err
		}
	}
	for slotKey, sa := range slots {
		if sa.count == 0 {
			continue
		}
		ts := time.Unix(slotKey, 0)
		raw, err := json.Marshal(struct {
			Timestamp     time.Time
			CPUMillicores float64
			MemoryBytes   float64
			ReplicaCount  int
			Downsampled   bool
		}{
			Timestamp:     ts,
			CPUMillicores: sa.sumCPU / float64(sa.count),
			MemoryBytes:   sa.sumMem / float64(sa.count),
			ReplicaCount:  sa.lastReplica,
			Downsampled:   true,
		})
		if err != nil {
			return err
		}
		if err := sub.Put(timeKey(ts), raw); err != nil {
			return err
		}
	}
	return nil
}

// pruneRedundantPredictions collapses non-validated predictions (still
// Pending or already Lost) down to one per workload per calendar hour,
// keeping the most recent of each hour's redundant set. Validated
// predictions are never touched: they carry the accuracy ledger's history.
func (s *Store) pruneRedundantPredictions() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketPredictions))
		return forEachWorkloadBucket(parent, pruneRedundantPredictionsBucket)
	})
}

func pruneRedundantPredictionsBucket(sub *bolt.Bucket) error {
	type entry struct {
		key    []byte
		madeAt time.Time
	}
	byHour := map[int64][]entry{}

	c := sub.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var p domain.Prediction
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		if p.Status == domain.PredictionValidated {
			continue
		}
		hourKey := p.MadeAt.Truncate(time.Hour).Unix()
		byHour[hourKey] = append(byHour[hourKey], entry{key: append([]byte(nil), k...), madeAt: p.MadeAt})
	}

	for _, entries := range byHour {
		if len(entries) <= 1 {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].madeAt.Before(entries[j].madeAt) })
		for _, e := range entries[:len(entries)-1] {
			if err := sub.Delete(e.key); err != nil {
				return err
			}
		}
	}
	return nil
}

// retainRepresentativeSampleSlots implements the aggressive tier's sample
// retention (spec.md §4.1/§8 property 8): data older than
// aggressiveFullFidelityAge (3d) is thinned down to at most
// representativeSamplesPerSlot samples per (day_of_week, hour) slot, so a
// workload that has ever reported in all 168 slots keeps all 168 after the
// sweep instead of losing the ones that happen to fall outside the 3-day
// full-fidelity window.
func (s *Store) retainRepresentativeSampleSlots(now time.Time) error {
	cutoff := now.Add(-aggressiveFullFidelityAge)
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketSamples))
		return forEachWorkloadBucket(parent, func(sub *bolt.Bucket) error {
			return retainRepresentativeSlotsBucket(sub, cutoff)
		})
	})
}

func retainRepresentativeSlotsBucket(sub *bolt.Bucket, cutoff time.Time) error {
	type entry struct {
		key []byte
		ts  time.Time
	}
	slots := map[int][]entry{}

	c := sub.Cursor()
	for k, v := c.First(); k != nil && keyTime(k).Before(cutoff); k, v = c.Next() {
		var smp struct{ Timestamp time.Time }
		if err := json.Unmarshal(v, &smp); err != nil {
			return err
		}
		slot := int(smp.Timestamp.Weekday())*24 + smp.Timestamp.Hour()
		slots[slot] = append(slots[slot], entry{key: append([]byte(nil), k...), ts: smp.Timestamp})
	}

	for _, entries := range slots {
		if len(entries) <= representativeSamplesPerSlot {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
		keep := make(map[int]bool, representativeSamplesPerSlot)
		for i := 0; i < representativeSamplesPerSlot; i++ {
			idx := i * (len(entries) - 1) / (representativeSamplesPerSlot - 1)
			keep[idx] = true
		}
		for i, e := range entries {
			if keep[i] {
				continue
			}
			if err := sub.Delete(e.key); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropLowSeverityAnomalies removes info-severity anomalies under the
// aggressive disk-pressure tier, keeping warning/critical rows for audit.
func (s *Store) dropLowSeverityAnomalies(now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket([]byte(bucketAnomalies))
		return forEachWorkloadBucket(parent, dropLowSeverityAnomaliesBucket)
	})
}

func dropLowSeverityAnomaliesBucket(sub *bolt.Bucket) error {
	var drop [][]byte
	if err := sub.ForEach(func(k, raw []byte) error {
		var a struct{ Severity string }
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if a.Severity == "info" {
			drop = append(drop, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range drop {
		if err := sub.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleCleanup registers RunCleanup on the robfig/cron schedule given
// by spec (for example "@every 6h"). The teacher
// pack has no direct cron user, but gardener-gardener imports robfig/cron
// directly for its hibernation schedules, which is the same "run this
// periodically, independent of the main reconcile tick" shape this sweep
// needs.
func (s *Store) ScheduleCleanup(spec string, cfg RetentionConfig, nowFn func() time.Time) (*cron.Cron, error) {
	c := cron.New()
	err := c.AddFunc(spec, func() {
		if err := s.RunCleanup(cfg, nowFn()); err != nil {
			s.log.Error(err, "store: scheduled cleanup failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("store: schedule cleanup: %w", err)
	}
	c.Start()
	return c, nil
}

