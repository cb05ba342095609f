package engine

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"
)

const dayMs = 24 * 60 * 60 * 1000

// DecayReport summarizes one decay/archival pass.
type DecayReport struct {
	Scanned  int
	Decayed  int
	Archived int
	Expired  int
	Failed   int
}

// RunDecayPass applies importance decay to stale entities and archives the
// ones that have faded out. Scores only ever move down here — mentions are the
// only thing that raises them — and never below the floor. Each pass is
// recorded in scheduler_runs; per-row failures are counted and the pass
// continues.
func (e *Engine) RunDecayPass() (*DecayReport, error) {
	now := time.Now().UnixMilli()

	// Decay is computed from elapsed time since the previous pass, so running
	// twice in quick succession decays (almost) nothing extra. Read the prior
	// run before this one is recorded.
	elapsedDays := 1.0
	if last, err := e.DB.LastRun("decay"); err == nil && last != nil && last.FinishedAt != nil {
		elapsedDays = float64(now-*last.FinishedAt) / float64(dayMs)
		if elapsedDays < 0 {
			elapsedDays = 0
		}
	}
	factor := math.Pow(e.Decay.FactorPerDay, elapsedDays)

	runID, err := e.DB.StartRun("decay")
	if err != nil {
		return nil, fmt.Errorf("start decay run: %w", err)
	}

	report := &DecayReport{}
	var failures []string

	staleCutoff := now - int64(e.Decay.StaleDays)*dayMs
	stale, err := e.DB.StaleActiveEntities(staleCutoff)
	if err != nil {
		e.DB.FinishRun(runID, 0, 0, 0, "failed", err.Error())
		return nil, fmt.Errorf("stale entities: %w", err)
	}

	for i := range stale {
		report.Scanned++
		next := stale[i].Importance * factor
		if next < e.Decay.Floor {
			next = e.Decay.Floor
		}
		if next >= stale[i].Importance {
			continue
		}
		if err := e.DB.UpdateImportance(stale[i].ID, next); err != nil {
			report.Failed++
			failures = append(failures, fmt.Sprintf("decay %s: %v", stale[i].Name, err))
			continue
		}
		report.Decayed++
	}

	// Archival: long-unmentioned entities whose importance has decayed away.
	archiveCutoff := now - int64(e.Decay.ArchiveDays)*dayMs
	forgotten, err := e.DB.StaleActiveEntities(archiveCutoff)
	if err != nil {
		e.DB.FinishRun(runID, report.Scanned, report.Decayed, report.Failed, "failed", err.Error())
		return report, fmt.Errorf("archive candidates: %w", err)
	}
	for i := range forgotten {
		if forgotten[i].Importance >= e.Decay.ArchiveMaxScore {
			continue
		}
		if err := e.DB.ArchiveEntity(forgotten[i].ID); err != nil {
			report.Failed++
			failures = append(failures, fmt.Sprintf("archive %s: %v", forgotten[i].Name, err))
			continue
		}
		report.Archived++
	}

	// Entities whose declared validity window has closed are archived
	// regardless of importance.
	expired, err := e.DB.ExpiredEntities(now)
	if err != nil {
		e.DB.FinishRun(runID, report.Scanned, report.Decayed+report.Archived, report.Failed, "failed", err.Error())
		return report, fmt.Errorf("expired entities: %w", err)
	}
	for i := range expired {
		if err := e.DB.ArchiveEntity(expired[i].ID); err != nil {
			report.Failed++
			failures = append(failures, fmt.Sprintf("expire %s: %v", expired[i].Name, err))
			continue
		}
		report.Expired++
	}

	if n, err := e.DB.DeactivateStaleBehaviors(archiveCutoff); err != nil {
		log.Printf("decay: deactivate behaviors: %v", err)
	} else if n > 0 {
		log.Printf("decay: deactivated %d stale behaviors", n)
	}

	status := "completed"
	if report.Failed > 0 {
		status = "partial"
	}
	succeeded := report.Decayed + report.Archived + report.Expired
	if err := e.DB.FinishRun(runID, report.Scanned, succeeded, report.Failed, status, strings.Join(failures, "; ")); err != nil {
		log.Printf("decay: finish run: %v", err)
	}

	log.Printf("decay pass: scanned=%d decayed=%d archived=%d expired=%d failed=%d",
		report.Scanned, report.Decayed, report.Archived, report.Expired, report.Failed)
	return report, nil
}
