package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/cache"
	"github.com/tanq16/prebuf/internal/fetcher"
	"github.com/tanq16/prebuf/internal/planner"
	"github.com/tanq16/prebuf/internal/scheduler"
	"github.com/tanq16/prebuf/internal/utils"
)

const (
	outcomeComplete  = "complete"
	outcomeTarget    = "target"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

func (c *Controller) run(job *cache.Job) {
	defer c.wg.Done()
	defer job.Close()
	c.metrics.JobStarted()
	start := time.Now()
	url := job.Resource.URL()

	outcome := c.execute(job)
	c.metrics.JobFinished(outcome)
	log.Info().Str("op", "controller/job").Str("url", url).Msgf("Job %d finished (%s) in %s", job.Generation, outcome, time.Since(start).Round(time.Millisecond))
}

func (c *Controller) execute(job *cache.Job) string {
	ctx := job.Ctx
	res := job.Resource
	url := res.URL()

	if err := c.cache.Seed(ctx, res); err != nil {
		log.Warn().Str("op", "controller/job").Str("url", url).Err(err).Msg("Could not seed from store")
	}

	total := res.Total()
	streaming := false
	if total > 0 && res.ContiguousFrom(0) >= total {
		return c.finish(job)
	}
	if total > 0 {
		if !c.cache.Probed(job, total, "", c.notify(url)) {
			return outcomeCancelled
		}
	} else {
		probe, err := c.fetcher.Probe(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return outcomeCancelled
			}
			log.Warn().Str("op", "controller/job").Str("url", url).Err(err).Msg("Probe failed, streaming instead")
			streaming = true
		} else if !probe.RangeSupported {
			log.Debug().Str("op", "controller/job").Str("url", url).Msg("Origin refuses ranges, streaming instead")
			streaming = true
		}
		contentType := probe.ContentType
		if contentType == "" {
			contentType = utils.ContentTypeFor(url)
		}
		if !c.cache.Probed(job, probe.Size, contentType, c.notify(url)) {
			return outcomeCancelled
		}
		total = res.Total()
	}

	if streaming {
		return c.stream(job)
	}

	opts := res.Options()
	tasks := planner.Plan(total, opts.ChunkSize, opts.PrefetchPercent)
	c.cache.SetTasks(job, tasks)
	log.Debug().Str("op", "controller/job").Str("url", url).Msgf("Planned %d chunks of %s over %s", len(tasks), utils.FormatBytes(uint64(opts.ChunkSize)), utils.FormatBytes(uint64(total)))

	policy := fetcher.PolicyFrom(opts)
	err := scheduler.Run(ctx, tasks, opts.Parallelism, func(ctx context.Context, task utils.ChunkTask) error {
		return c.fetchTask(ctx, job, task, policy)
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		if errors.Is(err, utils.ErrRangeRequestsNotSupported) {
			log.Warn().Str("op", "controller/job").Str("url", url).Msg("Origin ignored range request, streaming instead")
			return c.stream(job)
		}
		return c.fail(job, err)
	}
	return c.finish(job)
}

func (c *Controller) fetchTask(ctx context.Context, job *cache.Job, task utils.ChunkTask, policy fetcher.Policy) error {
	res := job.Resource
	url := res.URL()
	if res.Covers(task.StartByte, task.EndByte) {
		c.cache.MarkTask(job, task.ID, utils.ChunkDone, 0, nil)
		c.metrics.ChunkSkipped()
		return nil
	}
	c.cache.MarkTask(job, task.ID, utils.ChunkInFlight, 0, nil)
	data, retries, err := c.fetcher.FetchChunkWithRetry(ctx, url, task.StartByte, task.EndByte, policy)
	if err != nil {
		c.cache.MarkTask(job, task.ID, utils.ChunkFailed, retries, err)
		return err
	}
	c.broadcaster.RecordTransfer(url, int64(len(data)))
	c.cache.Ingest(ctx, job, task.StartByte, data, c.notify(url))
	c.cache.MarkTask(job, task.ID, utils.ChunkDone, retries, nil)
	return nil
}

// stream handles origins without usable ranges: one unbounded GET whose end
// defines the length.
func (c *Controller) stream(job *cache.Job) string {
	ctx := job.Ctx
	res := job.Resource
	url := res.URL()
	c.cache.SetTasks(job, planner.StreamingPlan())
	c.cache.MarkTask(job, 0, utils.ChunkInFlight, 0, nil)

	length, _, err := c.fetcher.Stream(ctx, url, func(offset int64, data []byte) error {
		c.broadcaster.RecordTransfer(url, int64(len(data)))
		c.cache.Ingest(ctx, job, offset, data, c.notify(url))
		return ctx.Err()
	})
	if err != nil {
		c.cache.MarkTask(job, 0, utils.ChunkFailed, 0, err)
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		return c.fail(job, err)
	}
	c.cache.MarkTask(job, 0, utils.ChunkDone, 0, nil)
	if total := res.Total(); total > 0 && length < total {
		return c.fail(job, fmt.Errorf("%w: stream ended at %d of %d bytes", utils.ErrChunkFetchFailed, length, total))
	}
	if !c.cache.FinishStream(job, length, func(int) {
		c.broadcaster.Finish(url, utils.ProgressEvent{Buffered: 100, Done: true})
	}) {
		return outcomeCancelled
	}
	return outcomeComplete
}

func (c *Controller) finish(job *cache.Job) string {
	url := job.Resource.URL()
	state, ok := c.cache.Finish(job, func(percent int) {
		c.broadcaster.Finish(url, utils.ProgressEvent{Buffered: percent, Done: true})
	})
	if !ok {
		return outcomeCancelled
	}
	if state == cache.StateComplete {
		return outcomeComplete
	}
	return outcomeTarget
}

func (c *Controller) fail(job *cache.Job, err error) string {
	url := job.Resource.URL()
	if !c.cache.Fail(job, err, func(percent int) {
		c.broadcaster.Finish(url, utils.ProgressEvent{Buffered: percent, Error: err.Error()})
	}) {
		return outcomeCancelled
	}
	log.Error().Str("op", "controller/job").Str("url", url).Err(err).Msg("Buffering failed")
	return outcomeFailed
}

// notify broadcasts a progress percentage while the cache holds the
// Resource lock, so it can never land after a later claim of the same URL.
func (c *Controller) notify(url string) cache.Announce {
	return func(percent int) {
		c.broadcaster.Notify(url, utils.ProgressEvent{Buffered: percent})
	}
}
