// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal implements spec.md §6's resume journal: the on-disk record
// of update-state-next-operation/next-data-offset/next-data-length/
// sha256-context/signed-sha256-context/signature-blob plus the slot-level
// manifest-metadata-size/manifest-signature-size/boot-id/check-response-hash
// keys, backed by a bbolt database with two buckets (the journal itself and
// a powerwash-safe mirror of its critical keys) the way pkg/storage's
// BoltStore wraps one bucket per entity kind.
package journal

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("update-state")

// Key names match spec.md §6 verbatim; callers never see raw byte keys.
const (
	KeyManifestMetadataSize  = "manifest-metadata-size"
	KeyManifestSignatureSize = "manifest-signature-size"
	KeyNextOperation         = "update-state-next-operation"
	KeyNextDataOffset        = "update-state-next-data-offset"
	KeyNextDataLength        = "update-state-next-data-length"
	KeySha256Context         = "update-state-sha256-context"
	KeySignedSha256Context   = "update-state-signed-sha256-context"
	KeySignatureBlob         = "update-state-signature-blob"
	KeyBootID                = "update-boot-id"
	KeyCheckResponseHash     = "update-check-response-hash"
)

// powerwashSafe lists the keys mirrored into a second bucket that survives a
// powerwash (factory data reset), per spec.md §3's requirement that the
// update slot bookkeeping needed to avoid re-downloading a payload outlive a
// powerwash even though application state does not.
var powerwashSafe = map[string]bool{
	KeyManifestMetadataSize:  true,
	KeyManifestSignatureSize: true,
	KeyBootID:                true,
}

var bucketPowerwashSafe = []byte("update-state-powerwash-safe")

// Journal is a durable key-value record of in-progress update state.
// Exactly one Journal should be open against a given path at a time; bbolt
// itself enforces this with an flock on the file.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal at path, creating both buckets if
// needed. Close must be called to release bbolt's file lock.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPowerwashSafe)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Put durably stores value under key, fsync'ing before returning (bbolt's
// default NoSync is false, so Update already syncs on commit). Keys in
// powerwashSafe are mirrored into the powerwash-surviving bucket in the same
// transaction, keeping both copies atomically consistent.
func (j *Journal) Put(key string, value []byte) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketState).Put([]byte(key), value); err != nil {
			return err
		}
		if powerwashSafe[key] {
			return tx.Bucket(bucketPowerwashSafe).Put([]byte(key), value)
		}
		return nil
	})
}

// Get returns the stored value for key, or (nil, false) if unset.
func (j *Journal) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(key))
		if v == nil {
			return nil
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, value != nil, err
}

// Delete clears key from both the main and powerwash-safe buckets.
func (j *Journal) Delete(key string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketState).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketPowerwashSafe).Delete([]byte(key))
	})
}

// ClearProgress removes every resume key except the powerwash-safe ones,
// implementing spec.md §7's "clear the resume journal" policy for
// StateCorrupting errors: a corrupt download must not be silently resumed
// from bad state, but the slot bookkeeping that avoids re-fetching a whole
// payload after a reboot is preserved.
func (j *Journal) ClearProgress() error {
	progressKeys := []string{
		KeyNextOperation,
		KeyNextDataOffset,
		KeyNextDataLength,
		KeySha256Context,
		KeySignedSha256Context,
		KeySignatureBlob,
		KeyCheckResponseHash,
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		for _, k := range progressKeys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Progress is the subset of journal state the executor needs to resume an
// in-flight install after a restart.
type Progress struct {
	NextOperation       uint64
	NextDataOffset      int64
	NextDataLength      uint64
	Sha256Context       []byte
	SignedSha256Context []byte
}

// LoadProgress reads back a Progress record, reporting ok=false if no resume
// state is present (a fresh install, or one already cleared).
func (j *Journal) LoadProgress() (Progress, bool, error) {
	var p Progress
	found := false
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		raw := b.Get([]byte(KeyNextOperation))
		if raw == nil {
			return nil
		}
		found = true
		p.NextOperation = decodeUint64(raw)
		p.NextDataOffset = int64(decodeUint64(b.Get([]byte(KeyNextDataOffset))))
		p.NextDataLength = decodeUint64(b.Get([]byte(KeyNextDataLength)))
		p.Sha256Context = copyBytes(b.Get([]byte(KeySha256Context)))
		p.SignedSha256Context = copyBytes(b.Get([]byte(KeySignedSha256Context)))
		return nil
	})
	return p, found, err
}

// SaveProgress persists a checkpoint in one transaction, so a crash between
// field writes can never leave next-operation pointing past a data-offset
// that was never durably recorded (spec.md §5's "checkpoint after every
// completed operation" invariant).
func (j *Journal) SaveProgress(p Progress) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		puts := map[string][]byte{
			KeyNextOperation:  encodeUint64(p.NextOperation),
			KeyNextDataOffset: encodeUint64(uint64(p.NextDataOffset)),
			KeyNextDataLength: encodeUint64(p.NextDataLength),
		}
		for k, v := range puts {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		if p.Sha256Context != nil {
			if err := b.Put([]byte(KeySha256Context), p.Sha256Context); err != nil {
				return err
			}
		}
		if p.SignedSha256Context != nil {
			if err := b.Put([]byte(KeySignedSha256Context), p.SignedSha256Context); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
