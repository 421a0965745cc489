package bq

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"github.com/ttn-nguyen42/retryq/internal/queue"
	"go.etcd.io/bbolt"
)

const (
	DefaultVisibilityTimeout = time.Second * 30
)

type bqueue struct {
	mu sync.RWMutex

	logger *slog.Logger
	db     *bbolt.DB
	opts   *Options

	key *keyer

	policyMu sync.RWMutex
	policies map[string]queue.RedrivePolicy
}

type Options struct {
	Logger *slog.Logger
	Path   string
}

func NewQueue(o *Options) (queue.MessageQueue, error) {
	opts := buildOptions(o)
	bq := bqueue{
		logger:   opts.Logger,
		opts:     opts,
		key:      &keyer{curUnix: time.Now().UnixNano()},
		policies: make(map[string]queue.RedrivePolicy),
	}
	if err := bq.init(); err != nil {
		bq.logger.
			With("err", err).
			Error("failed to initialize queue")
		return nil, err
	}
	return &bq, nil
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger: slog.Default(),
		Path:   "retryq.db",
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if len(opts.Path) > 0 {
		def.Path = opts.Path
	}
	return def
}

func (q *bqueue) init() error {
	db, err := bbolt.Open(q.opts.Path, 0600, &bbolt.Options{
		Timeout: time.Second * 1,
	})
	if err != nil {
		return err
	}
	q.db = db

	return nil
}

func (q *bqueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db == nil {
		return nil
	}

	err := q.db.Close()
	if err != nil {
		return err
	}

	q.db = nil

	return nil
}

func (q *bqueue) handle() (*bbolt.DB, error) {
	q.mu.RLock()
	bq := q.db
	q.mu.RUnlock()

	if bq == nil {
		return nil, fmt.Errorf("queue is already shutdown")
	}
	return bq, nil
}

func (q *bqueue) SetRedrivePolicy(name string, policy queue.RedrivePolicy) {
	q.policyMu.Lock()
	defer q.policyMu.Unlock()

	q.policies[name] = policy
}

func (q *bqueue) redrivePolicy(name string) (queue.RedrivePolicy, bool) {
	q.policyMu.RLock()
	defer q.policyMu.RUnlock()

	p, ok := q.policies[name]
	if !ok || p.MaxReceiveCount <= 0 || len(p.DeadLetterQueue) == 0 {
		return p, false
	}
	return p, true
}

func (q *bqueue) Enqueue(msgs queue.Messages) (ids []uint64, err error) {
	bq, err := q.handle()
	if err != nil {
		return nil, err
	}

	ids = make([]uint64, 0, len(msgs))

	tx := func(tx *bbolt.Tx) error {
		for _, m := range msgs {
			id, err := q.enqueueSingle(tx, &m)
			if err != nil {
				q.logger.
					With("err", err).
					With("met", "bqueue.Enqueue").
					Error("failed to enqueue message")
				return err
			}
			ids = append(ids, id)
		}
		return nil
	}

	if err := bq.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return ids, nil
}

func (q *bqueue) enqueueSingle(tx *bbolt.Tx, msg *queue.Message) (id uint64, err error) {
	if len(msg.Queue) == 0 {
		return 0, fmt.Errorf("message has no queue")
	}

	pending, err := tx.CreateBucketIfNotExists(bytes(queue.PendingKey(msg.Queue)))
	if err != nil {
		return 0, fmt.Errorf("failed to create bucket: %w", err)
	}

	if msg.ID == 0 {
		msg.ID = q.key.Next()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	msg.ReceiptHandle = ""

	enc, err := queue.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	err = pending.Put(bytes(queue.MessageKey(msg.Queue, msg.ID)), enc)
	if err != nil {
		return 0, fmt.Errorf("failed to put message: %w", err)
	}

	return msg.ID, nil
}

func (q *bqueue) Receive(opts *queue.ReceiveOpts, name string) (queue.Messages, error) {
	bq, err := q.handle()
	if err != nil {
		return nil, err
	}

	o := queue.ReceiveOpts{
		Limit:             1,
		VisibilityTimeout: DefaultVisibilityTimeout,
	}
	if opts != nil && opts.Limit > 0 {
		o.Limit = opts.Limit
	}
	if opts != nil && opts.VisibilityTimeout > 0 {
		o.VisibilityTimeout = opts.VisibilityTimeout
	}

	var data queue.Messages

	tx := func(tx *bbolt.Tx) error {
		var err error

		data, err = q.receive(tx, name, &o)
		if err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.Receive").
				Error("failed to receive messages")
			return err
		}

		return nil
	}

	if err := bq.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return data, nil
}

func (q *bqueue) receive(tx *bbolt.Tx, name string, opts *queue.ReceiveOpts) (queue.Messages, error) {
	pending, err := tx.CreateBucketIfNotExists(bytes(queue.PendingKey(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending bucket: %w", err)
	}

	inFlight, err := tx.CreateBucketIfNotExists(bytes(queue.InFlightKey(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight bucket: %w", err)
	}

	lease, err := tx.CreateBucketIfNotExists(bytes(queue.LeaseKey(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create lease bucket: %w", err)
	}

	policy, redrive := q.redrivePolicy(name)
	deadline := encodeTime(time.Now().Add(opts.VisibilityTimeout))

	type msgData struct {
		key []byte
		msg *queue.Message
	}

	// bbolt forbids mutating a bucket while its cursor is iterating
	taken := make([]msgData, 0, opts.Limit)
	cur := pending.Cursor()
	for key, val := cur.First(); key != nil && len(taken) < opts.Limit; key, val = cur.Next() {
		msg, err := queue.Decode(val)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}

		k := make([]byte, len(key))
		copy(k, key)
		taken = append(taken, msgData{key: k, msg: msg})
	}

	msgs := make(queue.Messages, 0, len(taken))
	for _, t := range taken {
		if err := pending.Delete(t.key); err != nil {
			return nil, fmt.Errorf("failed to delete message from pending: %w", err)
		}

		msg := t.msg
		if redrive && msg.ReceiveCount >= policy.MaxReceiveCount {
			if err := q.deadLetter(tx, msg, policy.DeadLetterQueue); err != nil {
				return nil, err
			}
			continue
		}

		msg.ReceiveCount += 1
		msg.ReceiptHandle = uuid.NewString()

		enc, err := queue.Encode(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}

		if err := inFlight.Put(t.key, enc); err != nil {
			return nil, fmt.Errorf("failed to move message to in-flight: %w", err)
		}

		if err := lease.Put(t.key, deadline); err != nil {
			return nil, fmt.Errorf("failed to put lease on message: %w", err)
		}

		msgs = append(msgs, *msg)
	}

	return msgs, nil
}

// deadLetter moves a message that exhausted its receives into the pending set of dlq under a new ID.
func (q *bqueue) deadLetter(tx *bbolt.Tx, msg *queue.Message, dlq string) error {
	from := msg.Queue
	oldId := msg.ID

	moved := *msg
	moved.ID = q.key.Next()
	moved.Queue = dlq
	moved.SourceQueue = from
	moved.ReceiveCount = 0

	if _, err := q.enqueueSingle(tx, &moved); err != nil {
		return fmt.Errorf("failed to move message to dead-letter queue: %w", err)
	}

	q.logger.
		With("queue", from).
		With("dlq", dlq).
		With("message_id", oldId).
		With("dlq_message_id", moved.ID).
		With("receive_count", msg.ReceiveCount).
		Warn("message moved to dead-letter queue")
	return nil
}

func (q *bqueue) Ack(msgs queue.Messages) error {
	bq, err := q.handle()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		for _, m := range msgs {
			if err := q.ackSingle(tx, &m); err != nil {
				q.logger.
					With("err", err).
					With("queue", m.Queue).
					With("message_id", m.ID).
					With("met", "bqueue.Ack").
					Error("failed to ack message")
				return err
			}
		}

		return nil
	}

	if err := bq.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (q *bqueue) ackSingle(tx *bbolt.Tx, msg *queue.Message) error {
	name := msg.Queue
	msgKey := bytes(queue.MessageKey(name, msg.ID))
	completedKey := queue.CompletedCountKey(name)

	inFlight, lease, err := q.inFlightBuckets(tx, name)
	if err != nil {
		return err
	}

	if _, err := q.currentDelivery(inFlight, msgKey, msg.ReceiptHandle); err != nil {
		return err
	}

	if err := inFlight.Delete(msgKey); err != nil {
		return fmt.Errorf("failed to delete message from in-flight: %w", err)
	}

	if err := lease.Delete(msgKey); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}

	statsBucket, err := tx.CreateBucketIfNotExists(bytes(queue.StatsKey()))
	if err != nil {
		return fmt.Errorf("failed to create stats bucket: %w", err)
	}

	var count uint64
	if rawCount := statsBucket.Get(bytes(completedKey)); rawCount != nil {
		count = binary.BigEndian.Uint64(rawCount)
	}
	count += 1

	rawCount := binary.
		BigEndian.
		AppendUint64(
			make([]byte, 0, 8),
			count,
		)
	if err := statsBucket.Put(bytes(completedKey), rawCount); err != nil {
		return fmt.Errorf("failed to update completed count: %w", err)
	}

	return nil
}

func (q *bqueue) ChangeVisibility(msg queue.Message, timeout time.Duration) error {
	bq, err := q.handle()
	if err != nil {
		return err
	}

	if timeout < 0 {
		return fmt.Errorf("visibility timeout must be greater than or equal to 0")
	}

	tx := func(tx *bbolt.Tx) error {
		msgKey := bytes(queue.MessageKey(msg.Queue, msg.ID))

		inFlight, lease, err := q.inFlightBuckets(tx, msg.Queue)
		if err != nil {
			return err
		}

		if _, err := q.currentDelivery(inFlight, msgKey, msg.ReceiptHandle); err != nil {
			return err
		}

		return lease.Put(msgKey, encodeTime(time.Now().Add(timeout)))
	}

	if err := bq.Update(tx); err != nil {
		q.logger.
			With("err", err).
			With("queue", msg.Queue).
			With("message_id", msg.ID).
			With("met", "bqueue.ChangeVisibility").
			Error("failed to change message visibility")
		return fmt.Errorf("failed to change visibility: %w", err)
	}

	return nil
}

func (q *bqueue) inFlightBuckets(tx *bbolt.Tx, name string) (inFlight *bbolt.Bucket, lease *bbolt.Bucket, err error) {
	inFlight = tx.Bucket(bytes(queue.InFlightKey(name)))
	lease = tx.Bucket(bytes(queue.LeaseKey(name)))
	if inFlight == nil || lease == nil {
		return nil, nil, errs.NewErrNotFound("message")
	}
	return inFlight, lease, nil
}

// currentDelivery returns the in-flight message stored under key if receipt still identifies its latest delivery.
func (q *bqueue) currentDelivery(inFlight *bbolt.Bucket, key []byte, receipt string) (*queue.Message, error) {
	raw := inFlight.Get(key)
	if raw == nil {
		return nil, errs.NewErrNotFound("message")
	}

	stored, err := queue.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	if len(receipt) > 0 && stored.ReceiptHandle != receipt {
		return nil, errs.NewErrNotFound("receipt")
	}

	return stored, nil
}

func (q *bqueue) Reclaim(limit int, name string) (ids []uint64, err error) {
	bq, err := q.handle()
	if err != nil {
		return nil, err
	}

	tx := func(tx *bbolt.Tx) error {
		ids, err = q.reclaim(tx, name, limit)
		if err != nil {
			q.logger.
				With("err", err).
				With("met", "bqueue.Reclaim").
				Error("failed to reclaim expired leases")
			return err
		}

		return nil
	}

	if err := bq.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return ids, nil
}

func (q *bqueue) reclaim(tx *bbolt.Tx, name string, limit int) ([]uint64, error) {
	lease := tx.Bucket(bytes(queue.LeaseKey(name)))
	inFlight := tx.Bucket(bytes(queue.InFlightKey(name)))
	if lease == nil || inFlight == nil {
		return nil, nil
	}

	pending, err := tx.CreateBucketIfNotExists(bytes(queue.PendingKey(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create pending bucket: %w", err)
	}

	now := time.Now()
	expired := make([][]byte, 0)

	cur := lease.Cursor()
	for key, val := cur.First(); key != nil; key, val = cur.Next() {
		if decodeTime(val).After(now) {
			continue
		}

		k := make([]byte, len(key))
		copy(k, key)
		expired = append(expired, k)

		if limit > 0 && len(expired) >= limit {
			break
		}
	}

	ids := make([]uint64, 0, len(expired))
	for _, key := range expired {
		if err := lease.Delete(key); err != nil {
			return nil, fmt.Errorf("failed to delete lease: %w", err)
		}

		raw := inFlight.Get(key)
		if raw == nil {
			continue
		}

		msg, err := queue.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msg.ReceiptHandle = ""

		enc, err := queue.Encode(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}

		if err := inFlight.Delete(key); err != nil {
			return nil, fmt.Errorf("failed to delete message from in-flight: %w", err)
		}

		if err := pending.Put(key, enc); err != nil {
			return nil, fmt.Errorf("failed to put message into pending: %w", err)
		}

		ids = append(ids, msg.ID)
	}

	return ids, nil
}

func (q *bqueue) Completed(name string) (uint64, error) {
	return q.count(name, "bqueue.Completed", func(tx *bbolt.Tx) (uint64, error) {
		stats := tx.Bucket(bytes(queue.StatsKey()))
		if stats == nil {
			return 0, nil
		}

		rawCount := stats.Get(bytes(queue.CompletedCountKey(name)))
		if rawCount == nil {
			return 0, nil
		}

		return binary.BigEndian.Uint64(rawCount), nil
	})
}

func (q *bqueue) InFlight(name string) (uint64, error) {
	return q.count(name, "bqueue.InFlight", bucketSize(queue.InFlightKey(name)))
}

func (q *bqueue) Pending(name string) (uint64, error) {
	return q.count(name, "bqueue.Pending", bucketSize(queue.PendingKey(name)))
}

func bucketSize(key string) func(tx *bbolt.Tx) (uint64, error) {
	return func(tx *bbolt.Tx) (uint64, error) {
		b := tx.Bucket(bytes(key))
		if b == nil {
			return 0, nil
		}

		return uint64(b.Stats().KeyN), nil
	}
}

func (q *bqueue) count(name string, met string, get func(tx *bbolt.Tx) (uint64, error)) (uint64, error) {
	bq, err := q.handle()
	if err != nil {
		return 0, err
	}

	var count uint64
	tx := func(tx *bbolt.Tx) error {
		var err error

		count, err = get(tx)
		if err != nil {
			q.logger.
				With("err", err).
				With("queue", name).
				With("met", met).
				Error("failed to get count")
			return err
		}

		return nil
	}

	if err := bq.View(tx); err != nil {
		return 0, fmt.Errorf("failed to view database messages: %w", err)
	}

	return count, nil
}

func encodeTime(t time.Time) []byte {
	return binary.
		BigEndian.
		AppendUint64(
			make([]byte, 0, 8),
			uint64(t.UnixMicro()),
		)
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.UnixMicro(int64(binary.BigEndian.Uint64(b)))
}

func bytes(s string) []byte {
	return []byte(s)
}
