package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	errs "github.com/ttn-nguyen42/retryq/internal/errors"
	"go.etcd.io/bbolt"
)

type store struct {
	mu sync.RWMutex

	logger *slog.Logger
	db     *bbolt.DB
	opts   *StoreOpts
	bucket []byte
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.db = nil
	return nil
}

type StoreOpts struct {
	Path   string
	Table  string
	Logger *slog.Logger
}

// NewStore opens a bbolt backed Store.
func NewStore(opts *StoreOpts) (Store, error) {
	o := defaultOpts(opts)
	str := &store{
		opts:   o,
		logger: o.Logger,
		bucket: bytes(BucketTaskInfo(o.Table)),
	}
	return str, str.init()
}

func defaultOpts(o *StoreOpts) *StoreOpts {
	def := &StoreOpts{
		Path:   "state.db",
		Table:  "tasks",
		Logger: slog.Default(),
	}
	if o == nil {
		return def
	}
	if len(o.Path) > 0 {
		def.Path = o.Path
	}
	if len(o.Table) > 0 {
		def.Table = o.Table
	}
	if o.Logger != nil {
		def.Logger = o.Logger
	}

	return def
}

func (s *store) init() error {
	db, err := bbolt.Open(s.opts.Path, 0600, &bbolt.Options{
		Timeout: time.Second * 1,
	})
	if err != nil {
		return err
	}
	s.db = db

	return db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}

func bytes(str string) []byte {
	return []byte(str)
}

func (s *store) handle() (*bbolt.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, fmt.Errorf("store is already shutdown")
	}
	return db, nil
}

func (s *store) CreateInfo(_ context.Context, t *TaskInfo) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		return s.createInfo(tx, t)
	})
}

func (s *store) createInfo(tx *bbolt.Tx, t *TaskInfo) error {
	bucket := tx.Bucket(s.bucket)
	if bucket == nil {
		return fmt.Errorf("task info bucket is missing")
	}

	key := bytes(TaskInfoKey(t.ID))
	if bucket.Get(key) != nil {
		return errs.NewErrAlreadyExists("task")
	}

	enc, err := EncodeInfo(t)
	if err != nil {
		return err
	}

	if err := bucket.Put(key, enc); err != nil {
		return fmt.Errorf("failed to save task info: %w", err)
	}

	return nil
}

func (s *store) GetInfo(_ context.Context, id string) (info *TaskInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	err = db.View(func(tx *bbolt.Tx) error {
		info, err = s.getInfo(tx, id)
		return err
	})

	return info, err
}

func (s *store) getInfo(tx *bbolt.Tx, id string) (*TaskInfo, error) {
	bucket := tx.Bucket(s.bucket)
	if bucket == nil {
		return nil, errs.NewErrNotFound("task")
	}

	data := bucket.Get(bytes(TaskInfoKey(id)))
	if data == nil {
		return nil, errs.NewErrNotFound("task")
	}

	return DecodeInfo(data)
}

func (s *store) ListInfo(_ context.Context, skip uint64, limit uint64) (info []TaskInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	err = db.View(func(tx *bbolt.Tx) error {
		info, err = s.listInfo(
			tx,
			skip,
			limit,
		)
		return err
	})

	return info, err
}

func (s *store) listInfo(tx *bbolt.Tx, skip, limit uint64) ([]TaskInfo, error) {
	bucket := tx.Bucket(s.bucket)
	if bucket == nil {
		return nil, nil
	}

	var list []TaskInfo

	if limit == 0 {
		return list, nil
	}

	cur := bucket.Cursor()

	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		if skip > 0 {
			skip -= 1
			continue
		}

		limit -= 1
		t, err := DecodeInfo(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode task info: %w", err)
		}

		list = append(list, *t)
		if limit == 0 {
			break
		}
	}

	return list, nil
}

func (s *store) BeginAttempt(_ context.Context, id string) (info *TaskInfo, err error) {
	return s.updateInfo(id, func(t *TaskInfo) error {
		if t.Status.IsTerminal() {
			return errs.NewErrTerminal("task")
		}

		t.Attempts += 1
		t.Status = TaskStatusProcessing
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *store) Transition(_ context.Context, id string, status TaskStatus, reason string) (info *TaskInfo, err error) {
	return s.updateInfo(id, func(t *TaskInfo) error {
		if t.Status.IsTerminal() {
			return errs.NewErrTerminal("task")
		}
		if !CanTransition(t.Status, status) {
			return fmt.Errorf("transition from %s to %s is not allowed", t.Status, status)
		}

		t.Status = status
		t.Error = reason
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// updateInfo applies upd to the stored task inside a single write transaction.
// When upd fails nothing is written and the unmodified task is returned along with the error.
func (s *store) updateInfo(id string, upd func(*TaskInfo) error) (info *TaskInfo, err error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var updErr error
	tx := func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket)
		if bucket == nil {
			return errs.NewErrNotFound("task")
		}

		key := bytes(TaskInfoKey(id))
		dat := bucket.Get(key)
		if dat == nil {
			return errs.NewErrNotFound("task")
		}

		t, err := DecodeInfo(dat)
		if err != nil {
			return fmt.Errorf("failed to decode task info: %w", err)
		}

		prev := *t
		if updErr = upd(t); updErr != nil {
			// aborted
			info = &prev
			return nil
		}

		enc, err := EncodeInfo(t)
		if err != nil {
			return err
		}

		if err := bucket.Put(key, enc); err != nil {
			return fmt.Errorf("failed to save task info: %w", err)
		}

		info = t
		return nil
	}

	if err := db.Update(tx); err != nil {
		return nil, err
	}

	return info, updErr
}
