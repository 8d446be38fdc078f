package snapshotstore

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"rvemu/pkg/machine"
	"rvemu/pkg/serializer"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultDataShards   = 4
	DefaultParityShards = 2
)

var (
	manifestPrefix = []byte("snap/manifest/")
	hashPrefix     = []byte("snap/hash/")
	shardPrefix    = []byte("snap/shard/")
)

// Options configures a Store. The zero value stores on disk with the default
// shard counts.
type Options struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS           vfs.FS
	DataShards   int
	ParityShards int
}

// Entry describes one stored snapshot.
type Entry struct {
	Name         string
	Hash         [32]byte
	Size         uint64
	Layout       machine.SerializedLayout
	DataShards   uint8
	ParityShards uint8
	ShardSums    [][32]byte
}

// Store keeps machine snapshots in PebbleDB. Each snapshot is split into
// Reed-Solomon shards so that a bounded number of damaged shards can be
// rebuilt on read, and is addressed both by name and by its BLAKE2b hash.
type Store struct {
	db  *pebble.DB
	enc reedsolomon.Encoder

	dataShards   int
	parityShards int
}

// Open opens or creates a store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.DataShards == 0 {
		opts.DataShards = DefaultDataShards
	}
	if opts.ParityShards == 0 {
		opts.ParityShards = DefaultParityShards
	}
	if opts.DataShards+opts.ParityShards > 255 {
		return nil, fmt.Errorf("too many shards: %d", opts.DataShards+opts.ParityShards)
	}
	enc, err := reedsolomon.New(opts.DataShards, opts.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	pebbleOpts := &pebble.Options{}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return &Store{
		db:           db,
		enc:          enc,
		dataShards:   opts.DataShards,
		parityShards: opts.ParityShards,
	}, nil
}

func manifestKey(name string) []byte {
	return append(append([]byte{}, manifestPrefix...), name...)
}

func hashKey(hash [32]byte) []byte {
	return append(append([]byte{}, hashPrefix...), hash[:]...)
}

func shardKey(name string, i int) []byte {
	return fmt.Appendf(append([]byte{}, shardPrefix...), "%s/%03d", name, i)
}

// Put stores data under name, replacing any previous snapshot with that name.
func (s *Store) Put(name string, data []byte, layout machine.SerializedLayout) ([32]byte, error) {
	if name == "" {
		return [32]byte{}, fmt.Errorf("snapshot name must not be empty")
	}
	if len(data) == 0 {
		return [32]byte{}, fmt.Errorf("snapshot %q is empty", name)
	}

	shards, err := s.enc.Split(append([]byte(nil), data...))
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to split snapshot: %w", err)
	}
	if err := s.enc.Encode(shards); err != nil {
		return [32]byte{}, fmt.Errorf("failed to encode parity: %w", err)
	}

	entry := Entry{
		Name:         name,
		Hash:         blake2b.Sum256(data),
		Size:         uint64(len(data)),
		Layout:       layout,
		DataShards:   uint8(s.dataShards),
		ParityShards: uint8(s.parityShards),
		ShardSums:    make([][32]byte, len(shards)),
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if old, err := s.Entry(name); err == nil {
		if err := s.deleteEntry(batch, old); err != nil {
			return [32]byte{}, err
		}
	}
	for i, shard := range shards {
		entry.ShardSums[i] = blake2b.Sum256(shard)
		if err := batch.Set(shardKey(name, i), shard, nil); err != nil {
			return [32]byte{}, err
		}
	}
	if err := batch.Set(manifestKey(name), serializer.Serialize(&entry), nil); err != nil {
		return [32]byte{}, err
	}
	if err := batch.Set(hashKey(entry.Hash), []byte(name), nil); err != nil {
		return [32]byte{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return [32]byte{}, fmt.Errorf("failed to commit snapshot %q: %w", name, err)
	}
	return entry.Hash, nil
}

// Entry returns the manifest of the snapshot called name.
func (s *Store) Entry(name string) (*Entry, error) {
	value, closer, err := s.db.Get(manifestKey(name))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, fmt.Errorf("snapshot %q not found", name)
		}
		return nil, err
	}
	defer closer.Close()

	entry := &Entry{}
	if err := serializer.Deserialize(value, entry); err != nil {
		return nil, fmt.Errorf("corrupt manifest for %q: %w", name, err)
	}
	return entry, nil
}

// Get loads a snapshot by name, rebuilding damaged shards when possible.
func (s *Store) Get(name string) ([]byte, machine.SerializedLayout, error) {
	entry, err := s.Entry(name)
	if err != nil {
		return nil, machine.SerializedLayout{}, err
	}
	data, err := s.load(entry)
	if err != nil {
		return nil, machine.SerializedLayout{}, err
	}
	return data, entry.Layout, nil
}

// GetByHash loads the snapshot whose content hashes to hash.
func (s *Store) GetByHash(hash [32]byte) ([]byte, machine.SerializedLayout, error) {
	value, closer, err := s.db.Get(hashKey(hash))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, machine.SerializedLayout{}, fmt.Errorf("no snapshot with hash %s", hex.EncodeToString(hash[:]))
		}
		return nil, machine.SerializedLayout{}, err
	}
	name := string(value)
	closer.Close()
	return s.Get(name)
}

func (s *Store) load(entry *Entry) ([]byte, error) {
	total := int(entry.DataShards) + int(entry.ParityShards)
	if len(entry.ShardSums) != total {
		return nil, fmt.Errorf("manifest for %q lists %d shard sums for %d shards", entry.Name, len(entry.ShardSums), total)
	}
	enc := s.enc
	if int(entry.DataShards) != s.dataShards || int(entry.ParityShards) != s.parityShards {
		var err error
		if enc, err = reedsolomon.New(int(entry.DataShards), int(entry.ParityShards)); err != nil {
			return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
		}
	}

	shards := make([][]byte, total)
	damaged := 0
	for i := range shards {
		value, closer, err := s.db.Get(shardKey(entry.Name, i))
		if err == pebble.ErrNotFound {
			damaged++
			continue
		}
		if err != nil {
			return nil, err
		}
		if blake2b.Sum256(value) == entry.ShardSums[i] {
			shards[i] = append([]byte(nil), value...)
		} else {
			damaged++
		}
		closer.Close()
	}
	if damaged > 0 {
		if err := enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("snapshot %q has %d damaged shards: %w", entry.Name, damaged, err)
		}
	}

	var out bytes.Buffer
	if err := enc.Join(&out, shards, int(entry.Size)); err != nil {
		return nil, fmt.Errorf("failed to join shards of %q: %w", entry.Name, err)
	}
	if blake2b.Sum256(out.Bytes()) != entry.Hash {
		return nil, fmt.Errorf("snapshot %q failed its hash check", entry.Name)
	}
	return out.Bytes(), nil
}

// List returns every stored snapshot in name order.
func (s *Store) List() ([]Entry, error) {
	upper := append([]byte{}, manifestPrefix...)
	upper[len(upper)-1]++
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: manifestPrefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var entry Entry
		if err := serializer.Deserialize(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("corrupt manifest %q: %w", iter.Key(), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete removes the snapshot called name.
func (s *Store) Delete(name string) error {
	entry, err := s.Entry(name)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.deleteEntry(batch, entry); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) deleteEntry(batch *pebble.Batch, entry *Entry) error {
	for i := range entry.ShardSums {
		if err := batch.Delete(shardKey(entry.Name, i), nil); err != nil {
			return err
		}
	}
	// Another name may hold the same content.
	if value, closer, err := s.db.Get(hashKey(entry.Hash)); err == nil {
		owner := string(value)
		closer.Close()
		if owner == entry.Name {
			if err := batch.Delete(hashKey(entry.Hash), nil); err != nil {
				return err
			}
		}
	}
	return batch.Delete(manifestKey(entry.Name), nil)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
