// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Sorted sets are laid out as two key families inside the badger store:
//
//	<prefix>:z:m:<set>:<member>              → encoded score (for ZRem/ZAdd)
//	<prefix>:z:s:<set>:<enc(score)><member>  → nil (score-ordered index)
//
// The score encoding is order-preserving, so iterating the index prefix
// yields members in ascending score order (presence rosters enumerate in
// last-update order this way).

// ZAdd inserts or updates member with the given score. An existing member's
// old index entry is removed in the same transaction.
func (c *BadgerClient) ZAdd(ctx context.Context, set, member string, score float64) error {
	return c.execute(ctx, "zadd", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.Update(func(txn *badger.Txn) error {
				memberKey := c.zMemberKey(set, member)

				// Remove any previous score index entry.
				if item, err := txn.Get(memberKey); err == nil {
					var old []byte
					old, err = item.ValueCopy(nil)
					if err != nil {
						return err
					}
					if len(old) == 8 {
						if err := txn.Delete(c.zScoreKey(set, old, member)); err != nil &&
							!errors.Is(err, badger.ErrKeyNotFound) {
							return err
						}
					}
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}

				enc := encodeScore(score)
				if err := txn.Set(memberKey, enc); err != nil {
					return err
				}
				return txn.Set(c.zScoreKey(set, enc, member), nil)
			})
		})
	})
}

// ZRem removes member from the set. Removing an absent member is not an error.
func (c *BadgerClient) ZRem(ctx context.Context, set, member string) error {
	return c.execute(ctx, "zrem", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.Update(func(txn *badger.Txn) error {
				memberKey := c.zMemberKey(set, member)

				item, err := txn.Get(memberKey)
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				if err != nil {
					return err
				}

				enc, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if err := txn.Delete(memberKey); err != nil {
					return err
				}
				if err := txn.Delete(c.zScoreKey(set, enc, member)); err != nil &&
					!errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				return nil
			})
		})
	})
}

// ZRange returns members ordered by ascending score, sliced by the inclusive
// [start, stop] index range; stop = -1 means "to the end" (redis semantics,
// which the presence roster relies on).
func (c *BadgerClient) ZRange(ctx context.Context, set string, start, stop int) ([]ZMember, error) {
	var members []ZMember
	err := c.execute(ctx, "zrange", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.View(func(txn *badger.Txn) error {
				opts := badger.DefaultIteratorOptions
				opts.PrefetchValues = false
				it := txn.NewIterator(opts)
				defer it.Close()

				prefix := c.zScorePrefix(set)
				for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
					k := it.Item().Key()
					rest := k[len(prefix):]
					if len(rest) < 8 {
						continue
					}
					members = append(members, ZMember{
						Member: string(rest[8:]),
						Score:  decodeScore(rest[:8]),
					})
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	return sliceRange(members, start, stop), nil
}

// sliceRange applies inclusive start/stop indices with -1 meaning the last
// element.
func sliceRange(members []ZMember, start, stop int) []ZMember {
	n := len(members)
	if n == 0 {
		return nil
	}
	if start < 0 {
		start = n + start
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop = n + stop
	}
	if start >= n || stop < start {
		return nil
	}
	if stop >= n {
		stop = n - 1
	}
	return members[start : stop+1]
}

func (c *BadgerClient) zMemberKey(set, member string) []byte {
	return []byte(c.cfg.KeyPrefix + ":z:m:" + set + ":" + member)
}

func (c *BadgerClient) zScorePrefix(set string) []byte {
	return []byte(c.cfg.KeyPrefix + ":z:s:" + set + ":")
}

func (c *BadgerClient) zScoreKey(set string, enc []byte, member string) []byte {
	var b strings.Builder
	b.WriteString(c.cfg.KeyPrefix)
	b.WriteString(":z:s:")
	b.WriteString(set)
	b.WriteString(":")
	b.Write(enc)
	b.WriteString(member)
	return []byte(b.String())
}

// encodeScore maps a float64 onto 8 bytes whose lexicographic order matches
// numeric order (sign-bit flip for positives, full complement for negatives).
func encodeScore(score float64) []byte {
	bits := math.Float64bits(score)
	if bits>>63 == 1 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, bits)
	return out
}

// decodeScore inverts encodeScore.
func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits>>63 == 1 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
