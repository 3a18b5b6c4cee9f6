package simcluster

import (
	"time"

	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// document is one stored version of a key. Deletions leave a tombstone so
// observers can still see the deletion's CAS and persistence state.
type document struct {
	value     []byte
	cas       uint64
	expires   time.Time
	deleted   bool
	persisted bool
}

// live reports whether the document is visible to reads at now
func (d document) live(now time.Time) bool {
	return !d.deleted && (d.expires.IsZero() || now.Before(d.expires))
}

// docStore is the document table of one simulated node
type docStore struct {
	docs *xsync.MapOf[string, document]
}

func newDocStore() *docStore {
	return &docStore{docs: xsync.NewMapOf[string, document]()}
}

// get returns the live document of key
func (s *docStore) get(key string, now time.Time) (document, bool) {
	d, ok := s.docs.Load(key)
	if !ok || !d.live(now) {
		return document{}, false
	}
	return d, true
}

// mutate applies req to key with the new CAS cas. It returns the stored
// document and the status of the operation.
func (s *docStore) mutate(req *common.Message, cas uint64, now time.Time) (document, common.Status) {
	status := common.StatusSuccess
	doc, _ := s.docs.Compute(req.Key, func(cur document, loaded bool) (document, bool) {
		live := loaded && cur.live(now)

		switch req.MsgType {
		case common.MsgTAdd:
			if live {
				status = common.StatusKeyExists
			}
		case common.MsgTReplace, common.MsgTDelete:
			if !live {
				status = common.StatusKeyNotFound
			} else if req.Cas != 0 && req.Cas != cur.cas {
				status = common.StatusKeyExists
			}
		case common.MsgTSet:
			if req.Cas != 0 && (!live || req.Cas != cur.cas) {
				status = common.StatusKeyExists
				if !live {
					status = common.StatusKeyNotFound
				}
			}
		}
		if status != common.StatusSuccess {
			return cur, !loaded
		}

		next := document{cas: cas}
		if req.MsgType == common.MsgTDelete {
			next.deleted = true
			return next, false
		}
		next.value = append([]byte(nil), req.Value...)
		if req.Expiry > 0 {
			next.expires = now.Add(time.Duration(req.Expiry) * time.Second)
		}
		return next, false
	})
	return doc, status
}

// put stores a replicated copy unless a newer version is already there
func (s *docStore) put(key string, d document) {
	s.docs.Compute(key, func(cur document, loaded bool) (document, bool) {
		if loaded && cur.cas >= d.cas {
			return cur, false
		}
		d.persisted = false
		return d, false
	})
}

// persist marks the version cas of key as written to disk
func (s *docStore) persist(key string, cas uint64) {
	s.docs.Compute(key, func(cur document, loaded bool) (document, bool) {
		if !loaded {
			return cur, true
		}
		if cur.cas == cas {
			cur.persisted = true
		}
		return cur, false
	})
}

// observe reports the state of key relative to the version cas
func (s *docStore) observe(key string, cas uint64, now time.Time) (common.ObserveStatus, uint64) {
	d, ok := s.docs.Load(key)
	if !ok {
		return common.ObserveNotFoundPersisted, 0
	}
	if cas != 0 && d.cas != cas {
		return common.ObserveModified, d.cas
	}
	switch {
	case d.live(now) && d.persisted:
		return common.ObserveFoundPersisted, d.cas
	case d.live(now):
		return common.ObserveFoundNotPersisted, d.cas
	case d.persisted:
		return common.ObserveNotFoundPersisted, d.cas
	default:
		return common.ObserveNotFoundNotPersisted, d.cas
	}
}

// copyMatching copies every document whose key satisfies match into dst,
// marked as persisted. Newer versions already in dst are kept.
func (s *docStore) copyMatching(dst *docStore, match func(key string) bool) int {
	n := 0
	s.docs.Range(func(key string, d document) bool {
		if !match(key) {
			return true
		}
		d.persisted = true
		dst.docs.Compute(key, func(cur document, loaded bool) (document, bool) {
			if loaded && cur.cas >= d.cas {
				return cur, false
			}
			n++
			return d, false
		})
		return true
	})
	return n
}

// size returns the number of stored documents, tombstones included
func (s *docStore) size() int { return s.docs.Size() }
