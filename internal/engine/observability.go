package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/webrenew/memories/internal/embed"
	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// Health and alarm severity values.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SLO thresholds. Each alarm needs a minimum sample size before it can fire
// so sparse data never raises false alarms.
const (
	coverageWarnBelow = 0.90
	coverageCritBelow = 0.75
	coverageMinEvents = 10

	conflictWarnAt  = 0.40
	conflictCritAt  = 0.70
	conflictMinRuns = 5

	contradictionWarnAt = 5
	contradictionCritAt = 12
)

// Alarm is one fired SLO check.
type Alarm struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Snapshot is a read-only health report over a trailing window.
type Snapshot struct {
	Scope       types.Scope `json:"scope"`
	WindowHours int         `json:"window_hours"`
	GeneratedAt time.Time   `json:"generated_at"`

	Lifecycle          storage.LifecycleCounts    `json:"lifecycle"`
	Compaction         storage.CompactionStats    `json:"compaction"`
	CheckpointCoverage float64                    `json:"checkpoint_coverage"`
	Consolidation      storage.ConsolidationStats `json:"consolidation"`
	ConflictRate       float64                    `json:"conflict_rate"`
	Contradictions     int                        `json:"contradictions"`
	ContradictionTrend string                     `json:"contradiction_trend"` // up, down or flat
	Jobs               map[types.JobStatus]int    `json:"jobs"`
	BreakerState       string                     `json:"breaker_state,omitempty"`

	Alarms []Alarm `json:"alarms"`
	Health string  `json:"health"`
}

// Observer produces observability snapshots. It only reads.
type Observer struct {
	store   storage.Store
	breaker *embed.Breaker
}

// NewObserver creates an observer. breaker may be nil when no embedding
// provider is configured.
func NewObserver(store storage.Store, breaker *embed.Breaker) *Observer {
	return &Observer{store: store, breaker: breaker}
}

// Snapshot aggregates lifecycle, compaction, consolidation, contradiction
// and queue metrics over the trailing window and evaluates the SLO alarms.
func (o *Observer) Snapshot(ctx context.Context, scope types.Scope, windowHours int) (*Snapshot, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	now := time.Now().UTC()
	since := now.Add(-time.Duration(windowHours) * time.Hour)
	mid := since.Add(now.Sub(since) / 2)

	snap := &Snapshot{Scope: scope, WindowHours: windowHours, GeneratedAt: now}

	var err error
	snap.Lifecycle, err = o.store.CountLifecycle(ctx, scope, since)
	if err != nil {
		return nil, fmt.Errorf("observability: lifecycle counts: %w", err)
	}
	snap.Compaction, err = o.store.CompactionStats(ctx, scope, since)
	if err != nil {
		return nil, fmt.Errorf("observability: compaction stats: %w", err)
	}
	snap.CheckpointCoverage = snap.Compaction.CoverageRatio()

	snap.Consolidation, err = o.store.ConsolidationStats(ctx, scope.Key(), since)
	if err != nil {
		return nil, fmt.Errorf("observability: consolidation stats: %w", err)
	}
	snap.ConflictRate = snap.Consolidation.ConflictRate()

	snap.Contradictions, err = o.store.CountContradictions(ctx, scope, since, now)
	if err != nil {
		return nil, fmt.Errorf("observability: contradiction count: %w", err)
	}
	firstHalf, err := o.store.CountContradictions(ctx, scope, since, mid)
	if err != nil {
		return nil, fmt.Errorf("observability: contradiction trend: %w", err)
	}
	snap.ContradictionTrend = classifyTrend(firstHalf, snap.Contradictions-firstHalf)

	snap.Jobs, err = o.store.CountJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("observability: job counts: %w", err)
	}
	if o.breaker != nil {
		snap.BreakerState = o.breaker.State()
	}

	snap.Alarms = o.evaluateAlarms(snap)
	snap.Health = overallHealth(snap.Alarms)
	return snap, nil
}

func (o *Observer) evaluateAlarms(snap *Snapshot) []Alarm {
	var alarms []Alarm

	if snap.Compaction.TotalEvents >= coverageMinEvents {
		switch {
		case snap.CheckpointCoverage < coverageCritBelow:
			alarms = append(alarms, Alarm{
				Name:     "checkpoint_coverage",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("checkpoint coverage %.2f below %.2f", snap.CheckpointCoverage, coverageCritBelow),
			})
		case snap.CheckpointCoverage < coverageWarnBelow:
			alarms = append(alarms, Alarm{
				Name:     "checkpoint_coverage",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("checkpoint coverage %.2f below %.2f", snap.CheckpointCoverage, coverageWarnBelow),
			})
		}
	}

	if snap.Consolidation.Runs >= conflictMinRuns {
		switch {
		case snap.ConflictRate >= conflictCritAt:
			alarms = append(alarms, Alarm{
				Name:     "conflict_rate",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("consolidation conflict rate %.2f at or above %.2f", snap.ConflictRate, conflictCritAt),
			})
		case snap.ConflictRate >= conflictWarnAt:
			alarms = append(alarms, Alarm{
				Name:     "conflict_rate",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("consolidation conflict rate %.2f at or above %.2f", snap.ConflictRate, conflictWarnAt),
			})
		}
	}

	switch {
	case snap.Contradictions >= contradictionCritAt:
		alarms = append(alarms, Alarm{
			Name:     "contradictions",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%d contradiction edges in window", snap.Contradictions),
		})
	case snap.Contradictions >= contradictionWarnAt:
		alarms = append(alarms, Alarm{
			Name:     "contradictions",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d contradiction edges in window", snap.Contradictions),
		})
	}

	if snap.BreakerState == "open" {
		alarms = append(alarms, Alarm{
			Name:     "embedding_breaker",
			Severity: SeverityWarning,
			Message:  "embedding circuit breaker is open; retrieval is degrading to lexical",
		})
	}
	return alarms
}

func overallHealth(alarms []Alarm) string {
	health := HealthHealthy
	for _, a := range alarms {
		if a.Severity == SeverityCritical {
			return HealthCritical
		}
		health = HealthDegraded
	}
	return health
}

// classifyTrend compares first-half and second-half counts, with a 10% flat
// band so noise is not reported as movement.
func classifyTrend(first, second int) string {
	if first == 0 {
		if second > 0 {
			return "up"
		}
		return "flat"
	}
	ratio := float64(second) / float64(first)
	switch {
	case ratio > 1.1:
		return "up"
	case ratio < 0.9:
		return "down"
	default:
		return "flat"
	}
}
