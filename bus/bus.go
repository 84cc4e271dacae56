// Package bus ingests worker traffic from Redis pub/sub and keyspace
// notifications, normalizes it into typed events, and feeds the fan-out
// channel. It is the only reader of the subscribed connection and the only
// user of the store's readback client.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emprops/relay/event"
	"github.com/emprops/relay/fleet"
	"github.com/emprops/relay/job"
	"github.com/emprops/relay/store"
)

// completionDrainDelay holds back complete_job emission so progress updates
// published just before completion reach subscribers first.
const completionDrainDelay = 100 * time.Millisecond

// MachineApplier folds machine lifecycle events into the machine hash before
// they are re-broadcast. fleet.Reconciler implements it.
type MachineApplier interface {
	ApplyMachineEvent(ctx context.Context, e event.Event) error
}

// Bus runs the ingestion loop. One goroutine owns the subscribed connection
// and all decode state; emission into the events channel never blocks.
type Bus struct {
	store    *store.Store
	events   chan<- event.Event
	machines MachineApplier
	logger   *zap.SugaredLogger

	// legacyLimiter throttles anomaly logging for the retired channel
	legacyLimiter *rate.Limiter

	// last observed statuses, used to fill old_status on read-back events.
	// Only touched from the run loop.
	lastJobStatus    map[string]string
	lastWorkerStatus map[string]string
}

// New wires the bus to the store and the fan-out channel. machines may be nil
// when no hash folding is wanted (tests).
func New(st *store.Store, events chan<- event.Event, machines MachineApplier, logger *zap.SugaredLogger) *Bus {
	return &Bus{
		store:            st,
		events:           events,
		machines:         machines,
		logger:           logger,
		legacyLimiter:    rate.NewLimiter(rate.Every(time.Minute), 1),
		lastJobStatus:    map[string]string{},
		lastWorkerStatus: map[string]string{},
	}
}

// Run configures keyspace notifications, subscribes, and pumps messages until
// the context is cancelled. It returns the subscription error if the
// connection dies.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.store.ConfigureKeyspaceNotifications(ctx); err != nil {
		return err
	}

	sub := b.store.Subscribe(ctx,
		store.ChannelJobProgress,
		store.ChannelWorkerStatus,
		store.ChannelCompleteJob,
		store.ChannelMachineStartup,
		store.ChannelWorkerEvents,
		store.ChannelLegacyWorkerStartup,
	)
	defer sub.Close()
	if err := sub.PSubscribe(ctx,
		store.PatternConnectorStatus,
		store.PatternJobKeyspace,
		store.PatternWorkerKeyspace,
	); err != nil {
		return err
	}

	b.logger.Infow("Event bus subscribed",
		"channels", 6,
		"patterns", 3,
	)

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg *redis.Message) {
	switch {
	case msg.Channel == store.ChannelJobProgress:
		e, err := DecodeProgress(msg.Payload)
		if err != nil {
			b.dropMalformed(msg.Channel, err)
			return
		}
		b.lastJobStatus[e.Job] = string(job.StatusInProgress)
		b.emit(e)

	case msg.Channel == store.ChannelWorkerStatus:
		e, err := DecodeWorkerStatus(msg.Payload)
		if err != nil {
			b.dropMalformed(msg.Channel, err)
			return
		}
		b.lastWorkerStatus[e.WorkerID] = e.NewStatus
		b.emit(e)

	case msg.Channel == store.ChannelCompleteJob:
		e, err := DecodeCompleteJob(msg.Payload)
		if err != nil {
			b.dropMalformed(msg.Channel, err)
			return
		}
		delete(b.lastJobStatus, e.Job)
		b.emitCompletion(e)

	case msg.Channel == store.ChannelMachineStartup:
		e, err := DecodeMachineEvent(msg.Payload)
		if err != nil {
			b.dropMalformed(msg.Channel, err)
			return
		}
		b.applyMachine(ctx, e)
		b.emit(e)

	case msg.Channel == store.ChannelWorkerEvents:
		e, err := DecodeWorkerEvent(msg.Payload)
		if err != nil {
			b.dropMalformed(msg.Channel, err)
			return
		}
		b.emit(e)

	case msg.Channel == store.ChannelLegacyWorkerStartup:
		// Retired channel. Traffic here means a stale worker build is running.
		if b.legacyLimiter.Allow() {
			b.logger.Warnw("Message on retired channel, dropping",
				"channel", msg.Channel,
			)
		}

	case msg.Pattern == store.PatternConnectorStatus:
		e, err := DecodeConnectorStatus(msg.Channel, msg.Payload)
		if err != nil {
			b.dropMalformed(msg.Channel, err)
			return
		}
		b.emit(e)

	case msg.Pattern == store.PatternJobKeyspace:
		b.handleJobKeyspace(ctx, msg)

	case msg.Pattern == store.PatternWorkerKeyspace:
		b.handleWorkerKeyspace(ctx, msg)

	default:
		b.logger.Debugw("Unrouted message", "channel", msg.Channel, "pattern", msg.Pattern)
	}
}

// handleJobKeyspace reacts to hash writes on job:{id} keys. The notification
// names the key and the command; the new state comes from a read-back.
func (b *Bus) handleJobKeyspace(ctx context.Context, msg *redis.Message) {
	key := store.KeyspaceEventKey(msg.Channel)
	jobID := store.JobIDFromKey(key)
	if jobID == "" {
		return
	}
	switch msg.Payload {
	case "hset", "hmset", "hdel":
	case "del", "expired":
		delete(b.lastJobStatus, jobID)
		return
	default:
		return
	}

	fields, err := b.store.ReadbackHash(ctx, key)
	if err != nil {
		b.logger.Warnw("Read-back failed", "key", key, "error", err)
		return
	}
	if len(fields) == 0 {
		return
	}
	j, err := job.FromFields(jobID, fields)
	if err != nil {
		return
	}

	oldStatus := b.lastJobStatus[jobID]
	newStatus := string(j.Status)
	if oldStatus == newStatus {
		return
	}
	b.lastJobStatus[jobID] = newStatus

	switch j.Status {
	case job.StatusCompleted:
		delete(b.lastJobStatus, jobID)
		b.emitCompletion(event.NewJobCompleted(jobID, j.WorkerID, j.Result))
	case job.StatusFailed, job.StatusCancelled, job.StatusTimeout, job.StatusUnworkable:
		delete(b.lastJobStatus, jobID)
		b.emit(event.NewJobFailed(jobID, j.WorkerID, j.Error))
	case job.StatusAssigned:
		b.emit(event.NewJobAssigned(jobID, j.WorkerID))
	default:
		b.emit(event.NewJobStatusChanged(jobID, j.WorkerID, oldStatus, newStatus))
	}
}

// handleWorkerKeyspace reacts to worker:{id} writes and heartbeat expiry
func (b *Bus) handleWorkerKeyspace(ctx context.Context, msg *redis.Message) {
	key := store.KeyspaceEventKey(msg.Channel)
	workerID := store.WorkerIDFromKey(key)
	if workerID == "" {
		return
	}

	if strings.HasSuffix(key, ":heartbeat") {
		if msg.Payload == "expired" {
			delete(b.lastWorkerStatus, workerID)
			b.emit(event.NewWorkerDisconnected(workerID, "heartbeat expired"))
		}
		return
	}
	// Companion bookkeeping hashes carry no status of their own
	if key != store.WorkerKey(workerID) {
		return
	}
	switch msg.Payload {
	case "hset", "hmset":
	case "del":
		delete(b.lastWorkerStatus, workerID)
		return
	default:
		return
	}

	fields, err := b.store.ReadbackHash(ctx, key)
	if err != nil {
		b.logger.Warnw("Read-back failed", "key", key, "error", err)
		return
	}
	if len(fields) == 0 {
		return
	}
	w := fleet.WorkerFromFields(workerID, fields)

	oldStatus := b.lastWorkerStatus[workerID]
	if oldStatus == w.Status {
		return
	}
	b.lastWorkerStatus[workerID] = w.Status
	b.emit(event.NewWorkerStatusChanged(workerID, oldStatus, w.Status, w.CurrentJobID))
}

// emitCompletion delays the terminal event so trailing progress flushes first
func (b *Bus) emitCompletion(e event.Event) {
	time.AfterFunc(completionDrainDelay, func() {
		b.emit(e)
	})
}

func (b *Bus) applyMachine(ctx context.Context, e event.Event) {
	if b.machines == nil {
		return
	}
	if err := b.machines.ApplyMachineEvent(ctx, e); err != nil {
		b.logger.Warnw("Failed to apply machine event",
			"type", e.EventType(),
			"error", err,
		)
	}
}

func (b *Bus) dropMalformed(channel string, err error) {
	b.logger.Warnw("Dropping malformed message", "channel", channel, "error", err)
}

func (b *Bus) emit(e event.Event) {
	select {
	case b.events <- e:
	default:
		b.logger.Warnw("Event channel full, dropping event", "type", e.EventType())
	}
}
