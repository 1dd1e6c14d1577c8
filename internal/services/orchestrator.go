// Package services – Reply Orchestrator
//
// The orchestrator owns the lifecycle of one inbound message: dedup against
// the unfulfilled-fingerprint window, at most one completion call per request,
// moderation of the generated text (fail closed), and the two-attempt
// delivery policy. The webhook contract allows only a few seconds for a
// response while the completion backend has unbounded latency, so the
// pipeline always runs as a detached background task; the caller either
// waits a bounded time for it (sync mode) or acknowledges immediately and
// lets the pipeline push the reply out-of-band.
//
// Background work is never cancelled. The store is the single source of
// truth: every in-memory structure here (in-flight handles, fingerprint
// locks) is an optimization that can be rebuilt from store contents after a
// restart.
package services

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/wrelay/wechat-relay/internal/domain"
	"github.com/wrelay/wechat-relay/internal/repo"
	"github.com/wrelay/wechat-relay/internal/taskq"
)

// MessageStore defines the persistence contract required by the orchestrator.
type MessageStore interface {
	// GetOrCreate returns the record for the platform message id, inserting
	// it when absent. The bool reports whether a row was created.
	GetOrCreate(ctx context.Context, db *gorm.DB, msgID, source, target, content string, createTime time.Time) (*domain.Message, bool, error)

	// Get fetches a record by primary key.
	Get(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error)

	// GetUnfulfilled returns the unfulfilled record for a fingerprint, or
	// repo.ErrNotFound.
	GetUnfulfilled(ctx context.Context, db *gorm.DB, fingerprint string) (*domain.Message, error)

	// SetReply stores the generated reply and the elapsed time.
	SetReply(ctx context.Context, db *gorm.DB, id, reply string, elapsed time.Duration) error

	// MarkFulfilled flips is_fulfilled to true, once.
	MarkFulfilled(ctx context.Context, db *gorm.DB, id string) error

	// IncrementRequestCount records one more delivery of the same request.
	IncrementRequestCount(ctx context.Context, db *gorm.DB, id string) error

	// ListConversation returns the stored history between source and target,
	// oldest first.
	ListConversation(ctx context.Context, db *gorm.DB, source, target string) ([]domain.Message, error)
}

// Completer generates text from an ordered turn sequence. Latency is
// unbounded and calls may fail.
type Completer interface {
	Complete(ctx context.Context, turns []domain.Turn) (string, error)
}

// Moderator classifies generated text. allowed=false withholds the reply.
// Implementations may error; the orchestrator treats errors as deny.
type Moderator interface {
	Check(ctx context.Context, text string) (allowed bool, err error)
}

// Deliverer pushes text to a recipient through the outbound messaging API.
type Deliverer interface {
	Send(ctx context.Context, recipient, text string) error
}

// Inbound is one parsed webhook message.
type Inbound struct {
	MsgID      string
	Source     string
	Target     string
	Content    string
	CreateTime time.Time
}

// Status reports how Receive resolved an inbound delivery.
type Status int

const (
	// StatusStarted: a new record was created and a pipeline spawned.
	StatusStarted Status = iota
	// StatusInFlight: an unfulfilled record with no reply exists and its
	// pipeline is still running; no new backend call was made.
	StatusInFlight
	// StatusResumed: an unfulfilled record with no reply was found but no
	// pipeline was running for it (prior backend failure or restart); a
	// fresh pipeline was spawned for the existing record.
	StatusResumed
	// StatusRedelivery: an unfulfilled record already has a reply; it is
	// being re-moderated and re-delivered without a second backend call.
	StatusRedelivery
	// StatusCompleted: the identical platform message id was already
	// fulfilled; the stored reply is returned as-is.
	StatusCompleted
)

// pipelineResult is written by the pipeline before its handle closes.
type pipelineResult struct {
	text      string // final user-facing text (reply or refusal); "" on backend failure
	denied    bool   // moderation withheld the real reply
	delivered bool   // push delivery of the primary text succeeded
}

// Ticket is the caller's handle on one orchestration run.
type Ticket struct {
	Status Status
	Record *domain.Message

	handle *taskq.Handle
	result *pipelineResult
}

// Orchestrator coordinates store, completion backend, moderation gate, and
// delivery channel. Deliverer nil means inline mode: the webhook response
// itself is the delivery path and fulfillment is confirmed in AwaitText.
type Orchestrator struct {
	DB        *gorm.DB
	Store     MessageStore
	Completer Completer
	Moderator Moderator // nil disables moderation (allow all)
	Deliverer Deliverer // nil selects inline delivery
	Pool      *taskq.Pool

	// ReplyWait bounds the synchronous caller's wait, not the work itself.
	ReplyWait time.Duration
	// MaxContentRunes caps inbound text length. <= 0 means unlimited.
	MaxContentRunes int

	// fpLocks serializes check-then-create per fingerprint within this
	// process. Striped to stay bounded; the partial unique index covers
	// cross-process races.
	fpLocks [64]sync.Mutex

	mu       sync.Mutex
	inflight map[string]*taskq.Handle // record id -> running pipeline
}

// NewOrchestrator constructs an Orchestrator with sane defaults.
func NewOrchestrator(db *gorm.DB, store MessageStore, completer Completer, moderator Moderator, deliverer Deliverer, pool *taskq.Pool) *Orchestrator {
	return &Orchestrator{
		DB:              db,
		Store:           store,
		Completer:       completer,
		Moderator:       moderator,
		Deliverer:       deliverer,
		Pool:            pool,
		ReplyWait:       4800 * time.Millisecond,
		MaxContentRunes: 2000,
		inflight:        make(map[string]*taskq.Handle),
	}
}

// Receive runs the dedup step for one inbound delivery and spawns whatever
// background work the resolution requires. It never blocks on the backend.
func (o *Orchestrator) Receive(ctx context.Context, in Inbound) (*Ticket, error) {
	tr := otel.Tracer("services/Orchestrator")
	ctx, span := tr.Start(ctx, "Receive",
		trace.WithAttributes(
			attribute.String("msg.id", in.MsgID),
			attribute.String("msg.source", in.Source),
		),
	)
	defer span.End()

	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return nil, ErrEmptyContent
	}
	if o.MaxContentRunes > 0 && utf8.RuneCountInString(in.Content) > o.MaxContentRunes {
		return nil, ErrContentTooLong
	}
	if in.MsgID == "" {
		// Some envelopes carry no platform id. Synthesize one so records
		// from different senders cannot collide on the msg_id unique index;
		// dedup for these degrades to the fingerprint window.
		in.MsgID = uuid.NewString()
	}

	fp := domain.FingerprintOf(in.Source, in.Content)
	lock := &o.fpLocks[stripeFor(fp)]
	lock.Lock()
	defer lock.Unlock()

	// Dedup window: at most one unfulfilled record per fingerprint.
	if m, err := o.Store.GetUnfulfilled(ctx, o.DB, fp); err == nil {
		if cerr := o.Store.IncrementRequestCount(ctx, o.DB, m.ID); cerr != nil {
			log.Warn().Err(cerr).Str("record_id", m.ID).Msg("request count bump failed")
		}
		if m.HasReply {
			// The first attempt finished completing but was never delivered;
			// reuse the reply, skip the backend entirely.
			dedupHits.WithLabelValues("reuse").Inc()
			return o.spawnRedelivery(m), nil
		}
		if h, ok := o.inflightHandle(m.ID); ok {
			dedupHits.WithLabelValues("inflight").Inc()
			return &Ticket{Status: StatusInFlight, Record: m, handle: h}, nil
		}
		// No pipeline is running for this record: the process restarted or
		// the backend call failed. Resume from store state.
		dedupHits.WithLabelValues("resumed").Inc()
		return o.spawnPipeline(m, StatusResumed), nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	m, created, err := o.Store.GetOrCreate(ctx, o.DB, in.MsgID, in.Source, in.Target, in.Content, in.CreateTime)
	if err != nil {
		return nil, err
	}
	if !created {
		// Identical msg id, already fulfilled (the unfulfilled case was
		// handled above). Second run returns the record unchanged.
		return &Ticket{Status: StatusCompleted, Record: m, result: &pipelineResult{text: m.Reply}}, nil
	}
	return o.spawnPipeline(m, StatusStarted), nil
}

// AwaitText waits up to ReplyWait for the ticket's pipeline and returns the
// text the current webhook response should carry. The bool reports whether a
// terminal result arrived in time; on false the work continues in the
// background and a later retry will observe its outcome.
func (o *Orchestrator) AwaitText(ctx context.Context, t *Ticket) (string, bool) {
	switch t.Status {
	case StatusInFlight:
		return FallbackProcessing, true
	case StatusCompleted:
		if t.result.text == "" {
			return FallbackProcessing, true
		}
		return t.result.text, true
	}

	wait := o.ReplyWait
	if wait <= 0 {
		wait = 4800 * time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-t.handle.Done():
		if t.result.text == "" {
			// Backend failure: record stays unfulfilled, caller gets the
			// generic fallback.
			return FallbackTimeout, false
		}
		if o.Deliverer == nil && !t.result.denied {
			// Inline mode: handing the reply to the transport is the
			// delivery. Confirm fulfillment now.
			if err := o.Store.MarkFulfilled(ctx, o.DB, t.Record.ID); err != nil {
				log.Error().Err(err).Str("record_id", t.Record.ID).Msg("mark fulfilled failed")
			}
		}
		return t.result.text, true
	case <-timer.C:
	case <-ctx.Done():
	}
	// Abandoned for this invocation only; the pipeline is not cancelled.
	return FallbackTimeout, false
}

// spawnPipeline starts the full completion pipeline for a record.
func (o *Orchestrator) spawnPipeline(m *domain.Message, status Status) *Ticket {
	res := &pipelineResult{}
	h := o.submitTracked(m.ID, "pipeline", func(ctx context.Context) {
		o.runPipeline(ctx, m.ID, res)
	})
	return &Ticket{Status: status, Record: m, handle: h, result: res}
}

// spawnRedelivery starts moderation+delivery of an already-generated reply.
func (o *Orchestrator) spawnRedelivery(m *domain.Message) *Ticket {
	res := &pipelineResult{}
	h := o.submitTracked(m.ID, "redelivery", func(ctx context.Context) {
		o.moderateAndDeliver(ctx, m, m.Reply, res)
	})
	return &Ticket{Status: StatusRedelivery, Record: m, handle: h, result: res}
}

// runPipeline is the FULFILLING half: build context, call the backend, and
// persist the reply, then hand over to moderation+delivery. Collaborator
// failures end the run without touching the record's lifecycle state.
func (o *Orchestrator) runPipeline(ctx context.Context, recordID string, res *pipelineResult) {
	start := time.Now()

	// The caller's dedup decision was made against a snapshot; the reload is
	// authoritative. A concurrent pipeline may have finished in the gap
	// between that snapshot and the in-flight check, so re-check lifecycle
	// state here: a fulfilled record needs nothing, a record with a stored
	// reply needs only moderation+delivery. The reply is generated at most
	// once per record.
	m, err := o.Store.Get(ctx, o.DB, recordID)
	if err != nil {
		log.Error().Err(err).Str("record_id", recordID).Msg("pipeline record load failed")
		return
	}
	if m.IsFulfilled {
		res.text = m.Reply
		return
	}
	if m.HasReply {
		o.moderateAndDeliver(ctx, m, m.Reply, res)
		return
	}

	history, err := o.Store.ListConversation(ctx, o.DB, m.Source, m.Target)
	if err != nil {
		log.Error().Err(err).Str("record_id", recordID).Msg("conversation load failed")
		return
	}
	turns := BuildTurns(history)

	reply, err := o.Completer.Complete(ctx, turns)
	if err != nil {
		completions.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("record_id", recordID).Msg("completion failed")
		return
	}
	completions.WithLabelValues("ok").Inc()

	if err := o.Store.SetReply(ctx, o.DB, m.ID, reply, time.Since(start)); err != nil {
		log.Error().Err(err).Str("record_id", recordID).Msg("reply persist failed")
		return
	}
	m.Reply = reply
	m.HasReply = true

	o.moderateAndDeliver(ctx, m, reply, res)
}

// moderateAndDeliver is the MODERATING half plus the delivery policy: one
// moderation call per generated reply, deny (or gate error) substitutes the
// fixed refusal, then at most two delivery attempts in push mode.
func (o *Orchestrator) moderateAndDeliver(ctx context.Context, m *domain.Message, reply string, res *pipelineResult) {
	final := reply
	denied := false
	if o.Moderator != nil {
		allowed, err := o.Moderator.Check(ctx, reply)
		if err != nil {
			// Fail closed: an unmoderated reply is worse than a refusal.
			log.Warn().Err(err).Str("record_id", m.ID).Msg("moderation gate error, denying")
			allowed = false
		}
		if !allowed {
			denied = true
			final = FallbackRefusal
			moderationDenials.Inc()
		}
	}
	res.text = final
	res.denied = denied

	if o.Deliverer == nil {
		// Inline mode: the webhook response carries the text; fulfillment is
		// confirmed by AwaitText when the handoff succeeds.
		return
	}

	if err := o.Deliverer.Send(ctx, m.Source, final); err != nil {
		deliveries.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("record_id", m.ID).Msg("delivery failed")
		// One apology, best effort, never retried further.
		if aerr := o.Deliverer.Send(ctx, m.Source, FallbackApology); aerr != nil {
			log.Error().Err(aerr).Str("record_id", m.ID).Msg("apology delivery failed")
		}
		return
	}
	deliveries.WithLabelValues("ok").Inc()

	if denied {
		// The user's actual request was not satisfied; leave unfulfilled so
		// a later retry can still be attempted.
		return
	}
	if err := o.Store.MarkFulfilled(ctx, o.DB, m.ID); err != nil {
		log.Error().Err(err).Str("record_id", m.ID).Msg("mark fulfilled failed")
	}
}

// submitTracked submits a job and tracks its handle so duplicate webhooks can
// tell "still running here" from "needs resuming".
func (o *Orchestrator) submitTracked(recordID, name string, fn func(ctx context.Context)) *taskq.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.Pool.Submit(name, func(ctx context.Context) {
		defer func() {
			o.mu.Lock()
			delete(o.inflight, recordID)
			o.mu.Unlock()
		}()
		fn(ctx)
	})
	o.inflight[recordID] = h
	return h
}

func (o *Orchestrator) inflightHandle(recordID string) (*taskq.Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.inflight[recordID]
	return h, ok
}

func stripeFor(fingerprint string) int {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return int(h.Sum32() % 64)
}
