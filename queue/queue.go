package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nearmarket/go-sync/backend"
	"github.com/nearmarket/go-sync/store"
)

const actionPrefix = "queue:action:"

// ErrUnknownType is returned by Add for an action type with no registered
// handler.
var ErrUnknownType = errors.New("queue: no handler registered for action type")

// ErrNotFailed is returned by RetryFailed for an action that is not in the
// terminal failed state.
var ErrNotFailed = errors.New("queue: action is not in the failed state")

// ErrNotFound is returned when an action id does not exist.
var ErrNotFound = errors.New("queue: action not found")

// Handler applies one action against the backend. A nil error removes the
// action from the queue; an error increments its retry count.
type Handler func(ctx context.Context, action *Action) error

// Status summarizes the queue. It is recomputed from the persisted log on
// every call, not separately stored.
type Status struct {
	TotalActions   int
	PendingActions int
	FailedActions  int
	LastSyncTime   time.Time
	IsProcessing   bool
}

// Result reports one Process pass.
type Result struct {
	// Skipped is true when another Process call was already in flight and
	// this one did nothing.
	Skipped bool
	// Processed counts actions applied successfully and removed.
	Processed int
	// Retried counts actions that failed but retain retry budget.
	Retried int
	// NewlyFailed lists actions that exhausted their retries in this pass
	// and became terminal.
	NewlyFailed []string
	// Remaining counts actions still pending after the pass.
	Remaining int
	// SucceededTypes holds the action types that had at least one success,
	// for namespace invalidation by the coordinator.
	SucceededTypes []ActionType
}

// record is the persisted form of an Action.
type record struct {
	ID         string     `msgpack:"id"`
	Type       ActionType `msgpack:"type"`
	Payload    []byte     `msgpack:"payload"`
	Priority   int        `msgpack:"priority"`
	RetryCount int        `msgpack:"retry_count"`
	MaxRetries int        `msgpack:"max_retries"`
	CreatedAt  time.Time  `msgpack:"created_at"`
	LastError  string     `msgpack:"last_error,omitempty"`
	Failed     bool       `msgpack:"failed"`
}

// Queue is the durable mutation queue. One instance per session; Clear on
// logout. Safe for concurrent use; Process enforces a single in-flight pass.
type Queue struct {
	store    store.Store
	log      *zap.Logger
	handlers map[ActionType]Handler

	processing atomic.Bool

	mutex      sync.Mutex
	lastSync   time.Time
	onComplete func(Result)

	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to no-op.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithOnComplete registers a callback invoked after every non-skipped
// Process pass, including passes that moved actions to the terminal failed
// state.
func WithOnComplete(fn func(Result)) Option {
	return func(q *Queue) { q.onComplete = fn }
}

// withClock overrides the time source in tests.
func withClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a Queue persisting to st and applying actions with the given
// handlers. Use DefaultHandlers to bind the standard set to a backend
// client.
func New(st store.Store, handlers map[ActionType]Handler, opts ...Option) *Queue {
	q := &Queue{
		store:    st,
		log:      zap.NewNop(),
		handlers: handlers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add enqueues a payload with explicit priority and retry budget, persists
// it durably, and returns its id without attempting a flush. Most callers
// want the per-type convenience constructors instead.
func (q *Queue) Add(ctx context.Context, payload Payload, priority Priority, maxRetries int) (string, error) {
	t := payload.ActionType()
	if _, ok := q.handlers[t]; !ok {
		return "", errors.Wrapf(ErrUnknownType, "%s", t)
	}
	action := &Action{
		ID:         uuid.NewString(),
		Type:       t,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  q.now(),
	}
	if err := q.persist(ctx, action); err != nil {
		return "", err
	}
	q.log.Debug("action enqueued",
		zap.String("id", action.ID),
		zap.String("type", string(t)),
		zap.String("priority", priority.String()))
	return action.ID, nil
}

// addWithDefaults enqueues a payload using its type's default priority and
// retry budget.
func (q *Queue) addWithDefaults(ctx context.Context, payload Payload) (string, error) {
	d := typeDefaults[payload.ActionType()]
	return q.Add(ctx, payload, d.priority, d.maxRetries)
}

// AddMessage enqueues a chat message (high priority, 5 retries).
func (q *Queue) AddMessage(ctx context.Context, chatID, text string) (string, error) {
	return q.addWithDefaults(ctx, &MessagePayload{ChatID: chatID, Text: text})
}

// AddPing enqueues a listing ping (high priority, 5 retries).
func (q *Queue) AddPing(ctx context.Context, listingID, message string) (string, error) {
	return q.addWithDefaults(ctx, &PingPayload{ListingID: listingID, Message: message})
}

// AddUpload enqueues an attachment upload.
func (q *Queue) AddUpload(ctx context.Context, upload backend.Upload) (string, error) {
	return q.addWithDefaults(ctx, &UploadPayload{Upload: upload})
}

// AddProfileUpdate enqueues a profile patch.
func (q *Queue) AddProfileUpdate(ctx context.Context, patch backend.ProfilePatch) (string, error) {
	return q.addWithDefaults(ctx, &ProfileUpdatePayload{Patch: patch})
}

// AddListingCreate enqueues a listing creation.
func (q *Queue) AddListingCreate(ctx context.Context, draft backend.ListingDraft) (string, error) {
	return q.addWithDefaults(ctx, &ListingCreatePayload{Draft: draft})
}

// AddListingUpdate enqueues a listing patch.
func (q *Queue) AddListingUpdate(ctx context.Context, listingID string, patch backend.ListingPatch) (string, error) {
	return q.addWithDefaults(ctx, &ListingUpdatePayload{ListingID: listingID, Patch: patch})
}

// AddListingDelete enqueues a listing deletion.
func (q *Queue) AddListingDelete(ctx context.Context, listingID string) (string, error) {
	return q.addWithDefaults(ctx, &ListingDeletePayload{ListingID: listingID})
}

// AddRequestCreate enqueues a request creation.
func (q *Queue) AddRequestCreate(ctx context.Context, draft backend.RequestDraft) (string, error) {
	return q.addWithDefaults(ctx, &RequestCreatePayload{Draft: draft})
}

// AddRequestUpdate enqueues a request patch.
func (q *Queue) AddRequestUpdate(ctx context.Context, requestID string, patch backend.RequestPatch) (string, error) {
	return q.addWithDefaults(ctx, &RequestUpdatePayload{RequestID: requestID, Patch: patch})
}

// Status recomputes the queue summary from the persisted log.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	actions, err := q.load(ctx)
	if err != nil {
		return Status{}, err
	}
	q.mutex.Lock()
	lastSync := q.lastSync
	q.mutex.Unlock()

	s := Status{
		TotalActions: len(actions),
		LastSyncTime: lastSync,
		IsProcessing: q.processing.Load(),
	}
	for _, a := range actions {
		if a.Failed {
			s.FailedActions++
		} else {
			s.PendingActions++
		}
	}
	return s, nil
}

// Process applies all pending actions in priority order (high, medium, low;
// FIFO by CreatedAt within a tier). A second concurrent call while one is
// in flight is a no-op returning Result{Skipped: true}; no action is ever
// run twice by overlapping passes. Failed applies increment RetryCount;
// exhausting MaxRetries freezes the action into a terminal failed record.
func (q *Queue) Process(ctx context.Context) (Result, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer q.processing.Store(false)

	actions, err := q.load(ctx)
	if err != nil {
		return Result{}, err
	}

	pending := actions[:0]
	for _, a := range actions {
		if !a.Failed {
			pending = append(pending, a)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	var result Result
	succeeded := make(map[ActionType]bool)
	for _, action := range pending {
		handler := q.handlers[action.Type]
		if handler == nil {
			// A record persisted by a newer build; leave it pending.
			result.Remaining++
			continue
		}
		if err := handler(ctx, action); err != nil {
			action.RetryCount++
			action.LastError = err.Error()
			if action.RetryCount >= action.MaxRetries {
				action.Failed = true
				result.NewlyFailed = append(result.NewlyFailed, action.ID)
				q.log.Warn("action failed terminally",
					zap.String("id", action.ID),
					zap.String("type", string(action.Type)),
					zap.Int("retries", action.RetryCount),
					zap.String("error", action.LastError))
			} else {
				result.Retried++
				result.Remaining++
				q.log.Debug("action retry scheduled",
					zap.String("id", action.ID),
					zap.Int("retry_count", action.RetryCount))
			}
			if perr := q.persist(ctx, action); perr != nil {
				q.log.Error("persisting action state failed", zap.String("id", action.ID), zap.Error(perr))
			}
			continue
		}
		if err := q.store.Delete(ctx, actionPrefix+action.ID); err != nil {
			q.log.Error("removing applied action failed", zap.String("id", action.ID), zap.Error(err))
		}
		result.Processed++
		succeeded[action.Type] = true
	}

	for t := range succeeded {
		result.SucceededTypes = append(result.SucceededTypes, t)
	}
	sort.Slice(result.SucceededTypes, func(i, j int) bool {
		return result.SucceededTypes[i] < result.SucceededTypes[j]
	})

	q.mutex.Lock()
	q.lastSync = q.now()
	onComplete := q.onComplete
	q.mutex.Unlock()

	if onComplete != nil {
		onComplete(result)
	}
	return result, nil
}

// RetryFailed re-arms a terminal failed action: its retry count resets and
// it becomes pending again. Used by UI-driven manual retry.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	action, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if !action.Failed {
		return errors.Wrapf(ErrNotFailed, "%s", id)
	}
	action.Failed = false
	action.RetryCount = 0
	action.LastError = ""
	return q.persist(ctx, action)
}

// Clear drops every action including terminal failed records. Logout and
// reset only.
func (q *Queue) Clear(ctx context.Context) error {
	_, err := q.store.DeletePrefix(ctx, actionPrefix)
	return errors.Wrap(err, "queue: clear")
}

func (q *Queue) persist(ctx context.Context, action *Action) error {
	payload, err := msgpack.Marshal(action.Payload)
	if err != nil {
		return errors.Wrap(err, "queue: encode payload")
	}
	data, err := msgpack.Marshal(record{
		ID:         action.ID,
		Type:       action.Type,
		Payload:    payload,
		Priority:   int(action.Priority),
		RetryCount: action.RetryCount,
		MaxRetries: action.MaxRetries,
		CreatedAt:  action.CreatedAt,
		LastError:  action.LastError,
		Failed:     action.Failed,
	})
	if err != nil {
		return errors.Wrap(err, "queue: encode record")
	}
	return errors.Wrap(q.store.Set(ctx, actionPrefix+action.ID, data), "queue: persist")
}

func (q *Queue) decode(data []byte) (*Action, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "queue: decode record")
	}
	payload := newPayload(rec.Type)
	if payload == nil {
		return nil, errors.Wrapf(ErrUnknownType, "%s", rec.Type)
	}
	if err := msgpack.Unmarshal(rec.Payload, payload); err != nil {
		return nil, errors.Wrap(err, "queue: decode payload")
	}
	return &Action{
		ID:         rec.ID,
		Type:       rec.Type,
		Payload:    payload,
		Priority:   Priority(rec.Priority),
		RetryCount: rec.RetryCount,
		MaxRetries: rec.MaxRetries,
		CreatedAt:  rec.CreatedAt,
		LastError:  rec.LastError,
		Failed:     rec.Failed,
	}, nil
}

func (q *Queue) get(ctx context.Context, id string) (*Action, error) {
	data, found, err := q.store.Get(ctx, actionPrefix+id)
	if err != nil {
		return nil, errors.Wrap(err, "queue: get")
	}
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	return q.decode(data)
}

func (q *Queue) load(ctx context.Context) ([]*Action, error) {
	keys, err := q.store.Keys(ctx, actionPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "queue: list")
	}
	actions := make([]*Action, 0, len(keys))
	for _, key := range keys {
		data, found, err := q.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		action, err := q.decode(data)
		if err != nil {
			// Undecodable records are kept in the store for debugging but
			// excluded from processing.
			q.log.Warn("skipping undecodable action record", zap.String("key", key), zap.Error(err))
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}
