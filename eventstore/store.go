// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package eventstore implements the durable, deduplicated append-only log
// of dating protocol events, together with the derived indices the UI
// queries.  The log is the only local durability boundary; every index is a
// cache that can be rebuilt by replaying the log.
package eventstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gitlab.com/yawning/avl.git"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/cloakmatch/cloakmatch/ledger"
)

const (
	// StoreFile is the name of the bolt database within the data
	// directory.
	StoreFile = "events.db"

	// FormatVersion is the persisted schema version.
	FormatVersion = 1
)

const (
	metaBucket          = "meta"
	eventsBucket        = "events"
	byKindSessionBucket = "byKindSession"
	likesByTargetBucket = "likesByTarget"
	pendingLikesBucket  = "pendingLikes"
	matchesBucket       = "matches"
	sessionsBucket      = "sessions"

	versionKey = "version"
)

var (
	// ErrEventNotFound is returned when patching a nonexistent event.
	ErrEventNotFound = errors.New("eventstore: event not found")

	// ErrBadVersion is returned when the on-disk format version is not
	// understood.
	ErrBadVersion = errors.New("eventstore: unsupported store format version")
)

var indexBuckets = []string{
	byKindSessionBucket,
	likesByTargetBucket,
	pendingLikesBucket,
	matchesBucket,
}

// recentRef orders events by (timestamp, id) for the in-memory recency
// index.
type recentRef struct {
	ts time.Time
	id uint64
}

// Store owns the event log.  All mutations are transactional: an index
// update is never visible without its log entry, and vice versa.
type Store struct {
	sync.Mutex

	db     *bolt.DB
	log    *logging.Logger
	recent *avl.Tree
}

// New creates or opens the event store in dataDir.
func New(dataDir string, log *logging.Logger) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, StoreFile), 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		log:    log,
		recent: newRecentTree(),
	}
	if err := s.initialize(); err != nil {
		if errors.Is(err, ErrBadVersion) {
			log.Errorf("event store %s has an unknown format version", StoreFile)
		}
		db.Close()
		return nil, err
	}
	return s, nil
}

func newRecentTree() *avl.Tree {
	return avl.New(func(a, b interface{}) int {
		ra, rb := a.(*recentRef), b.(*recentRef)
		switch {
		case ra.ts.Before(rb.ts):
			return -1
		case ra.ts.After(rb.ts):
			return 1
		case ra.id < rb.id:
			return -1
		case ra.id > rb.id:
			return 1
		default:
			return 0
		}
	})
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if v := meta.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != FormatVersion {
				return ErrBadVersion
			}
		} else if err := meta.Put([]byte(versionKey), []byte{FormatVersion}); err != nil {
			return err
		}

		for _, name := range append([]string{eventsBucket, sessionsBucket}, indexBuckets...) {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		// Warm the recency index from the log.
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(k, v []byte) error {
			e := new(Event)
			if err := cbor.Unmarshal(v, e); err != nil {
				return err
			}
			s.recent.Insert(&recentRef{ts: e.Timestamp, id: e.ID})
			return nil
		})
	})
}

// Close flushes and closes the backing database.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

func eventKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func sessionKey(id uint64) []byte {
	return eventKey(id)
}

func kindSessionKey(kind Kind, sessionID uint64) []byte {
	k := make([]byte, 9)
	k[0] = byte(kind)
	binary.BigEndian.PutUint64(k[1:], sessionID)
	return k
}

// AddEvent appends an event to the log and updates the derived indices in
// one transaction.  The store assigns the event ID; a zero timestamp is
// replaced with the current time.  The returned event is the stored copy.
func (s *Store) AddEvent(e *Event) (*Event, error) {
	s.Lock()
	defer s.Unlock()

	stored := *e
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.appendEvent(tx, &stored)
	})
	if err != nil {
		return nil, err
	}
	s.recent.Insert(&recentRef{ts: stored.Timestamp, id: stored.ID})
	return &stored, nil
}

// appendEvent does the log append and index maintenance within tx.
func (s *Store) appendEvent(tx *bolt.Tx, e *Event) error {
	events := tx.Bucket([]byte(eventsBucket))
	seq, err := events.NextSequence()
	if err != nil {
		return err
	}
	e.ID = seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	blob, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	if err := events.Put(eventKey(e.ID), blob); err != nil {
		return err
	}

	// First event of a (kind, session) wins the dedup slot.
	byKind := tx.Bucket([]byte(byKindSessionBucket))
	kk := kindSessionKey(e.Kind, e.SessionID)
	if byKind.Get(kk) == nil {
		if err := byKind.Put(kk, eventKey(e.ID)); err != nil {
			return err
		}
	}

	return s.applyIndices(tx, e)
}

func (s *Store) applyIndices(tx *bolt.Tx, e *Event) error {
	switch e.Kind {
	case KindLikeSubmitted:
		if !e.Payload.IsLike {
			return nil
		}
		likes, err := tx.Bucket([]byte(likesByTargetBucket)).CreateBucketIfNotExists(e.Payload.Target.Bytes())
		if err != nil {
			return err
		}
		if err := likes.Put(eventKey(e.ID), sessionKey(e.SessionID)); err != nil {
			return err
		}
		pending, err := tx.Bucket([]byte(pendingLikesBucket)).CreateBucketIfNotExists(e.Payload.Actor.Bytes())
		if err != nil {
			return err
		}
		return pending.Put(sessionKey(e.SessionID), eventKey(e.ID))
	case KindMatchFound:
		for _, id := range []ledger.Identity{e.PartyA, e.PartyB} {
			matches, err := tx.Bucket([]byte(matchesBucket)).CreateBucketIfNotExists(id.Bytes())
			if err != nil {
				return err
			}
			if err := matches.Put(sessionKey(e.SessionID), eventKey(e.ID)); err != nil {
				return err
			}
		}
		return s.clearPending(tx, e)
	case KindNoMatch:
		return s.clearPending(tx, e)
	default:
		return nil
	}
}

// clearPending drops both parties' pending-like entries for a finalized
// session.
func (s *Store) clearPending(tx *bolt.Tx, e *Event) error {
	for _, id := range []ledger.Identity{e.PartyA, e.PartyB} {
		pending := tx.Bucket([]byte(pendingLikesBucket)).Bucket(id.Bytes())
		if pending == nil {
			continue
		}
		if err := pending.Delete(sessionKey(e.SessionID)); err != nil {
			return err
		}
	}
	return nil
}

// HandleSessionCreated appends a SessionCreated event for the session.
func (s *Store) HandleSessionCreated(sess *ledger.MatchSession, ref string, status Status) (*Event, error) {
	return s.AddEvent(&Event{
		Kind:        KindSessionCreated,
		SessionID:   sess.SessionID,
		PartyA:      sess.PartyA,
		PartyB:      sess.PartyB,
		Status:      status,
		ExternalRef: ref,
	})
}

// HandleLikeSubmitted appends a LikeSubmitted event.  The decision is
// recorded in plaintext locally only; it never appears on the wire in this
// form.
func (s *Store) HandleLikeSubmitted(sess *ledger.MatchSession, actor, target ledger.Identity, isLike bool, ref string, status Status) (*Event, error) {
	return s.AddEvent(&Event{
		Kind:        KindLikeSubmitted,
		SessionID:   sess.SessionID,
		PartyA:      sess.PartyA,
		PartyB:      sess.PartyB,
		Status:      status,
		ExternalRef: ref,
		Payload: Payload{
			Actor:  actor,
			Target: target,
			IsLike: isLike,
		},
	})
}

// HandleMatchFound appends the terminal MatchFound event and updates the
// match indices.  The append is idempotent on (kind, session): a duplicate
// delivery returns the already stored event without a second append or
// index update.
func (s *Store) HandleMatchFound(sess *ledger.MatchSession, canStartConversation bool, ref string) (*Event, error) {
	return s.appendTerminal(&Event{
		Kind:        KindMatchFound,
		SessionID:   sess.SessionID,
		PartyA:      sess.PartyA,
		PartyB:      sess.PartyB,
		Status:      StatusCompleted,
		ExternalRef: ref,
		Payload: Payload{
			Authoritative:        true,
			CanStartConversation: canStartConversation,
			SessionStatus:        ledger.SessionStatusMutual,
		},
	})
}

// HandleNoMatch appends the terminal NoMatch event, idempotently like
// HandleMatchFound.
func (s *Store) HandleNoMatch(sess *ledger.MatchSession, sessionStatus uint8, ref string) (*Event, error) {
	return s.appendTerminal(&Event{
		Kind:        KindNoMatch,
		SessionID:   sess.SessionID,
		PartyA:      sess.PartyA,
		PartyB:      sess.PartyB,
		Status:      StatusCompleted,
		ExternalRef: ref,
		Payload: Payload{
			Authoritative: true,
			SessionStatus: sessionStatus,
		},
	})
}

func (s *Store) appendTerminal(e *Event) (*Event, error) {
	s.Lock()
	defer s.Unlock()

	stored := *e
	appended := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		byKind := tx.Bucket([]byte(byKindSessionBucket))
		if existing := byKind.Get(kindSessionKey(e.Kind, e.SessionID)); existing != nil {
			blob := tx.Bucket([]byte(eventsBucket)).Get(existing)
			if blob == nil {
				return ErrEventNotFound
			}
			return cbor.Unmarshal(blob, &stored)
		}
		appended = true
		return s.appendEvent(tx, &stored)
	})
	if err != nil {
		return nil, err
	}
	if appended {
		s.recent.Insert(&recentRef{ts: stored.Timestamp, id: stored.ID})
	}
	return &stored, nil
}

// PatchStatus mutates a stored event's status and external reference in
// place.  Events are otherwise immutable once appended.
func (s *Store) PatchStatus(eventID uint64, status Status, externalRef string) error {
	s.Lock()
	defer s.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		events := tx.Bucket([]byte(eventsBucket))
		blob := events.Get(eventKey(eventID))
		if blob == nil {
			return ErrEventNotFound
		}
		e := new(Event)
		if err := cbor.Unmarshal(blob, e); err != nil {
			return err
		}
		e.Status = status
		if externalRef != "" {
			e.ExternalRef = externalRef
		}
		out, err := cbor.Marshal(e)
		if err != nil {
			return err
		}
		return events.Put(eventKey(eventID), out)
	})
}

// HasEvent reports whether any event of the given kind exists for the
// session.  Notification handlers consult this before acting on
// at-least-once deliveries.
func (s *Store) HasEvent(kind Kind, sessionID uint64) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(byKindSessionBucket)).Get(kindSessionKey(kind, sessionID)) != nil
		return nil
	})
	return found, err
}

// HasTerminalEvent reports whether the session already holds a MatchFound
// or NoMatch event.
func (s *Store) HasTerminalEvent(sessionID uint64) (bool, error) {
	for _, kind := range []Kind{KindMatchFound, KindNoMatch} {
		found, err := s.HasEvent(kind, sessionID)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

// Event returns a stored event by identifier.
func (s *Store) Event(eventID uint64) (*Event, error) {
	e := new(Event)
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(eventsBucket)).Get(eventKey(eventID))
		if blob == nil {
			return ErrEventNotFound
		}
		return cbor.Unmarshal(blob, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SessionEvents returns all events recorded for a session in append order.
func (s *Store) SessionEvents(sessionID uint64) ([]*Event, error) {
	var out []*Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(k, v []byte) error {
			e := new(Event)
			if err := cbor.Unmarshal(v, e); err != nil {
				return err
			}
			if e.SessionID == sessionID {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// RecentEvents returns up to n events, most recent first.
func (s *Store) RecentEvents(n int) ([]*Event, error) {
	s.Lock()
	ids := make([]uint64, 0, n)
	iter := s.recent.Iterator(avl.Backward)
	for node := iter.First(); node != nil && len(ids) < n; node = iter.Next() {
		ids = append(ids, node.Value.(*recentRef).id)
	}
	s.Unlock()

	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		e, err := s.Event(id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// LikesFor returns the positive decisions targeting the identity.
func (s *Store) LikesFor(id ledger.Identity) ([]*Event, error) {
	return s.collectEventIndex(likesByTargetBucket, id, false)
}

// PendingLikes returns the identity's positive decisions whose sessions
// have not yet finalized.
func (s *Store) PendingLikes(id ledger.Identity) ([]*Event, error) {
	return s.collectEventIndex(pendingLikesBucket, id, true)
}

func (s *Store) collectEventIndex(bucket string, id ledger.Identity, valueIsEventKey bool) ([]*Event, error) {
	var ids []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket)).Bucket(id.Bytes())
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if valueIsEventKey {
				ids = append(ids, binary.BigEndian.Uint64(v))
			} else {
				ids = append(ids, binary.BigEndian.Uint64(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(ids))
	for _, eid := range ids {
		e, err := s.Event(eid)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MatchesFor returns the session identifiers of the identity's confirmed
// matches.
func (s *Store) MatchesFor(id ledger.Identity) ([]uint64, error) {
	var out []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(matchesBucket)).Bucket(id.Bytes())
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out = append(out, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	return out, err
}

// PutSession stores or replaces the local snapshot of a session account.
func (s *Store) PutSession(sess *ledger.MatchSession) error {
	blob, err := cbor.Marshal(sess)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put(sessionKey(sess.SessionID), blob)
	})
}

// Session returns the local snapshot of a session account.
func (s *Store) Session(sessionID uint64) (*ledger.MatchSession, error) {
	sess := new(ledger.MatchSession)
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(sessionsBucket)).Get(sessionKey(sessionID))
		if blob == nil {
			return ledger.ErrSessionNotFound
		}
		return cbor.Unmarshal(blob, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// RebuildIndices drops every derived index and reconstructs it by
// replaying the event log in append order.  The local store is a cache;
// this is also the recovery path when an index is suspect.
func (s *Store) RebuildIndices() error {
	s.Lock()
	defer s.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range indexBuckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}

		byKind := tx.Bucket([]byte(byKindSessionBucket))
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(k, v []byte) error {
			e := new(Event)
			if err := cbor.Unmarshal(v, e); err != nil {
				return err
			}
			kk := kindSessionKey(e.Kind, e.SessionID)
			if byKind.Get(kk) == nil {
				if err := byKind.Put(kk, eventKey(e.ID)); err != nil {
					return err
				}
			}
			return s.applyIndices(tx, e)
		})
	})
	if err != nil {
		return err
	}

	s.recent = newRecentTree()
	replayed := 0
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(eventsBucket)).ForEach(func(k, v []byte) error {
			e := new(Event)
			if err := cbor.Unmarshal(v, e); err != nil {
				return err
			}
			s.recent.Insert(&recentRef{ts: e.Timestamp, id: e.ID})
			replayed++
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.log.Noticef("rebuilt derived indices from %d events", replayed)
	return nil
}

// ClearAll wipes the log, the indices, and the session snapshots.  This is
// the explicit administrative reset; nothing else deletes events.
func (s *Store) ClearAll() error {
	s.Lock()
	defer s.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range append([]string{eventsBucket, sessionsBucket}, indexBuckets...) {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recent = newRecentTree()
	return nil
}

// DumpIndices returns a stable textual fingerprint of every derived index
// for comparison in replay tests.
func (s *Store) DumpIndices() (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range indexBuckets {
			out += name + "\n"
			b := tx.Bucket([]byte(name))
			err := b.ForEach(func(k, v []byte) error {
				if v != nil {
					out += fmt.Sprintf("  %x=%x\n", k, v)
					return nil
				}
				sub := b.Bucket(k)
				out += fmt.Sprintf("  %x:\n", k)
				return sub.ForEach(func(sk, sv []byte) error {
					out += fmt.Sprintf("    %x=%x\n", sk, sv)
					return nil
				})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
