package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/provider"
	"github.com/clinrag/clinrag/internal/platform/store"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity and
// the bounded enqueue wait elapsed.
var ErrQueueFull = errors.New("queue full")

// ErrQueueClosed is returned by Enqueue after shutdown began.
var ErrQueueClosed = errors.New("queue is shut down")

// QueueConfig bounds the ingestion queue.
type QueueConfig struct {
	Capacity        int
	Workers         int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DrainTimeout    time.Duration
	EnqueueWait     time.Duration
	ProviderTimeout time.Duration
}

// QueueStats is the observable state of the queue.
type QueueStats struct {
	Pending         int   `json:"pending"`
	InFlight        int64 `json:"in_flight"`
	RetryScheduled  int64 `json:"retry_scheduled"`
	DeadLetterCount int64 `json:"dead_letter_count"`
	Done            int64 `json:"done"`
	Duplicates      int64 `json:"duplicates"`
}

// Queue is the bounded, journaled ingestion work queue. It owns work
// items exclusively from enqueue until they reach a terminal state; a
// pool of workers drains it, each processing one item at a time through
// chunking, metadata extraction, embedding, and the batch store commit.
type Queue struct {
	cfg      QueueConfig
	journal  Journal
	store    store.Store
	embedder provider.Embedder
	chunker  *Chunker
	logger   zerolog.Logger

	ch     chan *WorkItem
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	closed         bool
	timers         map[uint64]*time.Timer
	inFlight       int64
	retryScheduled int64
	done           int64
	duplicates     int64
}

func NewQueue(cfg QueueConfig, journal Journal, st store.Store, embedder provider.Embedder, chunker *Chunker, logger zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		journal:  journal,
		store:    st,
		embedder: embedder,
		chunker:  chunker,
		logger:   logger.With().Str("component", "ingest_queue").Logger(),
		ch:       make(chan *WorkItem, cfg.Capacity),
		quit:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		timers:   map[uint64]*time.Timer{},
	}
}

// Start reloads journaled items and launches the worker pool.
func (q *Queue) Start() error {
	items, err := q.journal.Load()
	if err != nil {
		return err
	}
	for _, item := range items {
		switch item.State {
		case StateRetryScheduled:
			delay := time.Until(item.NextAttempt)
			if delay > 0 {
				q.scheduleRequeue(item, delay)
				continue
			}
			item.State = StatePending
			fallthrough
		default:
			select {
			case q.ch <- item:
			default:
				// capacity exceeded by journal backlog; leave journaled as
				// pending, it is picked up as the queue drains
				q.scheduleRequeue(item, time.Second)
			}
		}
	}
	if len(items) > 0 {
		q.logger.Info().Int("items", len(items)).Msg("recovered journaled work items")
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return nil
}

// Enqueue validates nothing: callers run Submission.Validate first. The
// item is journaled before it is admitted, so an accepted submission is
// always either committed or dead-lettered.
func (q *Queue) Enqueue(sub Submission) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	item := &WorkItem{
		Submission: sub,
		State:      StatePending,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.journal.Append(item); err != nil {
		return fmt.Errorf("journal submission %s: %w", sub.ResourceID, err)
	}

	select {
	case q.ch <- item:
		return nil
	default:
	}

	if q.cfg.EnqueueWait > 0 {
		timer := time.NewTimer(q.cfg.EnqueueWait)
		defer timer.Stop()
		select {
		case q.ch <- item:
			return nil
		case <-timer.C:
		case <-q.quit:
			q.journal.Remove(item.Seq)
			return ErrQueueClosed
		}
	}

	// never silently dropped: the journal entry is withdrawn and the
	// caller gets an explicit backpressure signal
	if err := q.journal.Remove(item.Seq); err != nil {
		q.logger.Error().Err(err).Uint64("seq", item.Seq).Msg("failed to withdraw journal entry")
	}
	return ErrQueueFull
}

// Stats reports the queue depth, worker activity, and terminal counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	stats := QueueStats{
		Pending:        len(q.ch),
		InFlight:       q.inFlight,
		RetryScheduled: q.retryScheduled,
		Done:           q.done,
		Duplicates:     q.duplicates,
	}
	q.mu.Unlock()

	if count, err := q.journal.DeadCount(); err == nil {
		stats.DeadLetterCount = count
	}
	return stats
}

// Shutdown stops admission, lets workers finish their current item up to
// the drain timeout, then aborts whatever is left. Undrained items stay
// journaled as pending for the next run.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for seq, t := range q.timers {
		t.Stop()
		delete(q.timers, seq)
	}
	q.mu.Unlock()
	close(q.quit)

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(q.cfg.DrainTimeout):
		q.logger.Warn().Dur("timeout", q.cfg.DrainTimeout).Msg("drain timeout reached, abandoning in-flight items")
	}
	q.cancel()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		default:
		}
		select {
		case <-q.quit:
			return
		case item := <-q.ch:
			q.process(item)
		}
	}
}

func (q *Queue) process(item *WorkItem) {
	item.State = StateInFlight
	if err := q.journal.Update(item); err != nil {
		q.logger.Error().Err(err).Uint64("seq", item.Seq).Msg("journal update failed")
	}
	q.mu.Lock()
	q.inFlight++
	q.mu.Unlock()

	err := q.processOnce(item)

	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()

	if err == nil {
		q.finish(item, false)
		return
	}

	class := store.Classify(err)
	item.LastError = err.Error()

	switch class {
	case store.ClassDuplicate:
		// chunks already present; idempotent upsert makes this a success
		q.finish(item, true)
	case store.ClassRetryable:
		q.retryOrDead(item, err)
	default:
		q.deadLetter(item, class, err)
	}
}

// processOnce runs one full attempt: parse, chunk, extract, embed,
// commit. The batch commit is the single point of durability.
func (q *Queue) processOnce(item *WorkItem) error {
	sub := &item.Submission

	var resource map[string]interface{}
	if err := json.Unmarshal([]byte(sub.ResourceJSON), &resource); err != nil {
		return store.NewClassified(store.ClassValidation, fmt.Errorf("parse resource json: %w", err))
	}

	texts := q.chunker.Split(sub.ResourceJSON, sub.Content)
	total := len(texts)

	chunks := make([]store.Chunk, 0, total)
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return store.NewClassified(store.ClassValidation, fmt.Errorf("chunk %d is empty", i))
		}
		md := ExtractMetadata(sub, resource, text, i, total)

		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.ProviderTimeout)
		vec, err := q.embedder.Embed(ctx, text)
		cancel()
		if err != nil {
			return fmt.Errorf("embed chunk %d of %s: %w", i, sub.ResourceID, err)
		}

		chunks = append(chunks, store.Chunk{
			ID:       sub.ChunkID(i),
			Content:  text,
			Vector:   vec,
			Metadata: md,
		})
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.ProviderTimeout)
	defer cancel()
	return q.store.UpsertBatch(ctx, store.Batch{
		ResourceID:   sub.ResourceID,
		ResourceJSON: sub.ResourceJSON,
		Chunks:       chunks,
	})
}

func (q *Queue) finish(item *WorkItem, duplicate bool) {
	if err := q.journal.Remove(item.Seq); err != nil {
		q.logger.Error().Err(err).Uint64("seq", item.Seq).Msg("journal remove failed")
	}
	q.mu.Lock()
	q.done++
	if duplicate {
		q.duplicates++
	}
	q.mu.Unlock()
	q.logger.Debug().Str("resource_id", item.Submission.ResourceID).Bool("duplicate", duplicate).Msg("item done")
}

func (q *Queue) retryOrDead(item *WorkItem, cause error) {
	item.RetryCount++
	if item.RetryCount >= q.cfg.MaxRetries {
		q.deadLetter(item, store.ClassMaxRetries, cause)
		return
	}

	q.mu.Lock()
	if q.closed {
		// shutting down: leave the item pending for the next run
		item.State = StatePending
		q.mu.Unlock()
		q.journal.Update(item)
		return
	}
	q.mu.Unlock()

	delay := q.backoff(item.RetryCount)
	item.State = StateRetryScheduled
	item.NextAttempt = time.Now().UTC().Add(delay)
	if err := q.journal.Update(item); err != nil {
		q.logger.Error().Err(err).Uint64("seq", item.Seq).Msg("journal update failed")
	}
	q.scheduleRequeue(item, delay)

	q.logger.Warn().
		Str("resource_id", item.Submission.ResourceID).
		Int("retry", item.RetryCount).
		Dur("delay", delay).
		Err(cause).
		Msg("retry scheduled")
}

// backoff computes min(base * 2^(attempt-1), cap).
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.cfg.RetryMaxDelay {
			return q.cfg.RetryMaxDelay
		}
	}
	if delay > q.cfg.RetryMaxDelay {
		return q.cfg.RetryMaxDelay
	}
	return delay
}

func (q *Queue) scheduleRequeue(item *WorkItem, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.retryScheduled++
	q.timers[item.Seq] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, item.Seq)
		q.retryScheduled--
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		item.State = StatePending
		if err := q.journal.Update(item); err != nil {
			q.logger.Error().Err(err).Uint64("seq", item.Seq).Msg("journal update failed")
		}
		select {
		case q.ch <- item:
		case <-q.quit:
			// left journaled as pending for the next run
		}
	})
	q.mu.Unlock()
}

func (q *Queue) deadLetter(item *WorkItem, class store.ErrorClass, cause error) {
	md := store.Metadata{
		store.MetaResourceID:   item.Submission.ResourceID,
		store.MetaResourceType: item.Submission.ResourceType,
	}
	if item.Submission.PatientID != "" {
		md[store.MetaPatientID] = item.Submission.PatientID
	}
	if item.Submission.SourceFile != "" {
		md[store.MetaSourceFile] = item.Submission.SourceFile
	}

	d := &DeadLetter{
		ResourceID: item.Submission.ResourceID,
		ErrorClass: class,
		ErrorMsg:   cause.Error(),
		RetryCount: item.RetryCount,
		FirstSeen:  item.EnqueuedAt,
		LastSeen:   time.Now().UTC(),
		Metadata:   md,
	}
	if err := q.journal.AppendDead(d); err != nil {
		q.logger.Error().Err(err).Str("resource_id", d.ResourceID).Msg("dead-letter append failed")
	}
	if err := q.journal.Remove(item.Seq); err != nil {
		q.logger.Error().Err(err).Uint64("seq", item.Seq).Msg("journal remove failed")
	}

	q.logger.Error().
		Str("resource_id", d.ResourceID).
		Str("class", string(class)).
		Int("retry_count", d.RetryCount).
		Err(cause).
		Msg("item dead-lettered")
}
