package main

import (
	"context"
	"fmt"
	"time"

	"github.com/larrabee/ecssync/engine"
)

func printLiveStats(ctx context.Context, job *engine.Job) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := job.Stats()
			dur := s.Duration.Seconds()
			for _, val := range job.StepsInfo() {
				_, _ = fmt.Fprintf(live, "%d %s: Input: %d; Output: %d (%.f obj/sec); Skipped: %d; Errors: %d\n",
					val.Num, val.Name, val.Stats.Input, val.Stats.Output, float64(val.Stats.Output)/dur, val.Stats.Skipped, val.Stats.Error)
			}
			_, _ = fmt.Fprintf(live, "Complete: %d; Verified: %d; Skipped: %d; Failed: %d; Retries: %d; Workers: %d\n",
				s.ObjectsComplete, s.ObjectsVerified, s.ObjectsSkipped, s.ObjectsFailed, s.ObjectsRetried, job.ThreadCount())
			_, _ = fmt.Fprintf(live, "Duration: %s\n", s.Duration.Truncate(time.Second))
		}
	}
}

func printFinalStats(job *engine.Job, status syncStatus) {
	s := job.Stats()
	dur := s.Duration.Seconds()
	for _, val := range job.StepsInfo() {
		log.Infof("%d %s: Input: %d; Output: %d (%.f obj/sec); Skipped: %d; Errors: %d",
			val.Num, val.Name, val.Stats.Input, val.Stats.Output, float64(val.Stats.Output)/dur, val.Stats.Skipped, val.Stats.Error)
	}
	log.Infof("Objects complete: %d (%d bytes); verified: %d; skipped: %d; copy skipped: %d; failed: %d; retries: %d",
		s.ObjectsComplete, s.BytesComplete, s.ObjectsVerified, s.ObjectsSkipped, s.ObjectsCopySkipped, s.ObjectsFailed, s.ObjectsRetried)
	log.Infof("Duration: %s", s.Duration.String())

	for _, f := range job.FailedObjects() {
		if f.ListRowNum > 0 {
			log.Errorf("Failed: %s (list row %d): %s", f.Identifier, f.ListRowNum, f.Error)
		} else {
			log.Errorf("Failed: %s: %s", f.Identifier, f.Error)
		}
	}

	switch status {
	case syncStatusOk:
		log.Infof("Sync Done")
	case syncStatusFailed:
		log.Error("Sync Failed")
	case syncStatusAborted:
		log.Warnf("Sync Aborted")
	case syncStatusConfError:
		log.Errorf("Sync Configuration error")
	default:
		log.Warnf("Sync Unknown status")
	}
}
