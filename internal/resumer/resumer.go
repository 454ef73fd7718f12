// Package resumer persists per-torrent resume state (downloaded bitmap,
// transfer counters, cached peer addresses) in a single boltdb file, one
// bucket per hex-encoded info hash. Grounded on the teacher's session.go
// bolt.Open/db.Update usage; the teacher's own boltdbresumer sub-package
// was not part of the retrieved pack, so the bucket layout here is
// written directly against bolt rather than adapted from that file.
package resumer

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	uuid "github.com/satori/go.uuid"

	"github.com/ab0626/raincore/internal/core"
)

const specKey = "spec"

// Spec is the persisted state for one torrent.
type Spec struct {
	// ID is a unique identifier minted the first time a torrent is added,
	// independent of its info hash -- mirrors the teacher's per-add UUID,
	// used for logging/debugging rather than lookup (lookup is by hash).
	ID string

	InfoHash   [20]byte
	Bitfield   []byte // wire-format bitfield bytes, see internal/bitfield
	NumPieces  uint32
	Downloaded int64
	Uploaded   int64
	Port       int
	AddedAt    int64 // unix seconds
	Peers      []string
}

// Resumer wraps a boltdb handle holding one bucket per torrent.
type Resumer struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the resume database at path.
func Open(path string) (*Resumer, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, core.Wrap(core.StorageIo, err)
	}
	return &Resumer{db: db}, nil
}

// Close closes the underlying database handle.
func (r *Resumer) Close() error {
	return r.db.Close()
}

func bucketName(infoHash [20]byte) []byte {
	return []byte(hex.EncodeToString(infoHash[:]))
}

// Write upserts spec's bucket, minting an ID if this is the first write
// for this info hash.
func (r *Resumer) Write(spec *Spec) error {
	if spec.ID == "" {
		spec.ID = uuid.NewV1().String()
	}
	if spec.AddedAt == 0 {
		spec.AddedAt = time.Now().Unix()
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return core.Wrap(core.InvalidMetainfo, err)
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(spec.InfoHash))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(specKey), b)
	})
	if err != nil {
		return core.Wrap(core.StorageIo, err)
	}
	return nil
}

// Read loads the Spec for infoHash, or (nil, nil) if none is persisted.
func (r *Resumer) Read(infoHash [20]byte) (*Spec, error) {
	var spec *Spec
	err := r.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(infoHash))
		if bucket == nil {
			return nil
		}
		v := bucket.Get([]byte(specKey))
		if v == nil {
			return nil
		}
		spec = &Spec{}
		return json.Unmarshal(v, spec)
	})
	if err != nil {
		return nil, core.Wrap(core.StorageIo, err)
	}
	return spec, nil
}

// Delete removes all persisted state for infoHash.
func (r *Resumer) Delete(infoHash [20]byte) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		name := bucketName(infoHash)
		if tx.Bucket(name) == nil {
			return nil
		}
		return tx.DeleteBucket(name)
	})
	if err != nil {
		return core.Wrap(core.StorageIo, err)
	}
	return nil
}

// List returns the info hash of every torrent with persisted state.
func (r *Resumer) List() ([][20]byte, error) {
	var out [][20]byte
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			raw, err := hex.DecodeString(string(name))
			if err != nil || len(raw) != 20 {
				return nil // skip foreign buckets
			}
			var h [20]byte
			copy(h[:], raw)
			out = append(out, h)
			return nil
		})
	})
	if err != nil {
		return nil, core.Wrap(core.StorageIo, err)
	}
	return out, nil
}
