package bridge

import (
	"time"

	"github.com/bardlex/stratumbridge/internal/jobs"
	"github.com/bardlex/stratumbridge/internal/messaging"
	"github.com/bardlex/stratumbridge/internal/pump"
	"github.com/bardlex/stratumbridge/internal/submit"
)

// consumePump handles pump events until the pump stops.
func (b *Bridge) consumePump() {
	for ev := range b.pump.Events() {
		switch ev.Kind {
		case pump.EventJob:
			b.publishJob(ev)
		case pump.EventDegraded:
			b.metrics.SetDegraded(true)
			b.logger.WithError(ev.Err).Warn("upstream degraded, miners keep the last job")
		case pump.EventRecovered:
			b.metrics.SetDegraded(false)
			b.logger.Info("upstream recovered")
		}
	}
}

// publishJob inserts the template and fans the job out to every
// authorized connection. Enqueueing never blocks; a connection that cannot
// keep up only ever holds the newest job.
func (b *Bridge) publishJob(ev pump.Event) *jobs.Job {
	job, err := b.registry.Insert(ev.Template, ev.Clean)
	if err != nil {
		b.logger.WithError(err).Error("failed to register job", "height", ev.Template.Height)
		return nil
	}
	b.validator.Prune()

	served := 0
	for _, c := range b.connections() {
		w := c.Worker()
		if !w.Authorized() {
			continue
		}
		if err := c.NotifyJob(job, job.Clean); err != nil {
			c.Logger().WithJob(job.IDString(), job.Template.Height).WithError(err).Debug("failed to queue job")
			continue
		}
		served++
	}

	height := job.Template.Height
	b.metrics.ObserveJob(height, job.Clean)
	b.logger.LogJobDistribution(job.IDString(), height, job.Clean, served)

	b.events.emit(&messaging.JobEvent{
		JobID:             job.IDString(),
		PrevHash:          job.Template.PrevHash.String(),
		Height:            height,
		Clean:             job.Clean,
		Transactions:      len(job.Template.Transactions),
		CoinbaseValue:     job.Template.CoinbaseValue,
		NetworkDifficulty: b.codec.DifficultyFromTarget(job.NetworkTarget),
		Trigger:           ev.Trigger,
		Workers:           served,
		CreatedAt:         job.CreatedAt,
	})
	return job
}

// consumeResults records block submission outcomes until done is closed,
// then takes whatever the submitter produced while draining.
func (b *Bridge) consumeResults(done <-chan struct{}) {
	results := b.submitter.Results()
	for {
		select {
		case res := <-results:
			b.recordBlock(res)
		case <-done:
			for {
				select {
				case res := <-results:
					b.recordBlock(res)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) recordBlock(res submit.BlockResult) {
	c := res.Candidate
	b.metrics.ObserveBlock(res.Status.String(), res.Latency)

	ev := &messaging.BlockEvent{
		BlockHash:   c.Hash.String(),
		Height:      c.Height,
		JobID:       c.JobID,
		Worker:      c.Worker,
		Status:      res.Status.String(),
		Attempts:    res.Attempts,
		LatencyMs:   float64(res.Latency) / float64(time.Millisecond),
		FoundAt:     c.FoundAt,
		SubmittedAt: time.Now(),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	b.events.emit(ev)
}
