package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/logging"
)

// DefaultNamespace is the persistence namespace holding session records.
const DefaultNamespace = "sessions"

// Options configure a Store.
type Options struct {
	Namespace   string
	LockTimeout time.Duration
	Locker      Locker
	Logger      logging.Logger
}

// Store implements core.SessionStore over a core.Persistence backend.
type Store struct {
	persistence core.Persistence
	locker      Locker
	opts        Options
}

var _ core.SessionStore = (*Store)(nil)

// NewStore creates a session store.
func NewStore(p core.Persistence, optFns ...func(o *Options)) *Store {
	opts := Options{
		Namespace:   DefaultNamespace,
		LockTimeout: 10 * time.Second,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker(opts.LockTimeout)
	}
	return &Store{persistence: p, locker: opts.Locker, opts: opts}
}

// Get returns a clone of the stored session or core.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*core.Session, error) {
	raw, err := s.persistence.Get(ctx, s.opts.Namespace, id)
	if err != nil {
		return nil, err
	}
	return decodeSession(raw)
}

// GetOrCreate returns the stored session or a new, persisted one.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*core.Session, error) {
	sess, err := s.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	return s.Update(ctx, id, func(*core.Session) error { return nil })
}

// Save persists a snapshot of sess under the session lock. It must not be
// called from inside an Update callback for the same session.
func (s *Store) Save(ctx context.Context, sess *core.Session) error {
	if err := s.locker.Lock(ctx, sess.ID); err != nil {
		return err
	}
	defer s.locker.Unlock(sess.ID)
	return s.put(ctx, sess)
}

// Update loads (or creates) the session, applies fn to a clone under the
// session lock and persists the result when fn returns nil. The returned
// session is a fresh clone of what was stored.
func (s *Store) Update(ctx context.Context, id string, fn func(sess *core.Session) error) (*core.Session, error) {
	if err := s.locker.Lock(ctx, id); err != nil {
		return nil, err
	}
	defer s.locker.Unlock(id)

	sess, err := s.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		sess, err = core.NewSession(id), nil
	}
	if err != nil {
		return nil, err
	}

	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// List returns all stored sessions ordered by id.
func (s *Store) List(ctx context.Context) ([]*core.Session, error) {
	recs, err := s.persistence.List(ctx, s.opts.Namespace)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Session, 0, len(recs))
	for _, r := range recs {
		sess, err := decodeSession(r.Value)
		if err != nil {
			s.opts.Logger.Warn("skipping undecodable session", "session_id", r.Key, "error", err.Error())
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, sess *core.Session) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return err
	}
	return s.persistence.Put(ctx, s.opts.Namespace, sess.ID, raw)
}

func encodeSession(sess *core.Session) (map[string]any, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, core.Fatal("encode session", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, core.Fatal("encode session", err)
	}
	return m, nil
}

func decodeSession(raw map[string]any) (*core.Session, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, core.Fatal("decode session", err)
	}
	var sess core.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, core.Fatal("decode session", err)
	}
	if sess.Messages == nil {
		sess.Messages = []core.Message{}
	}
	return &sess, nil
}
