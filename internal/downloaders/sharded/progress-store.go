package sharded

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// RecordWidth is the size of one shard slot: a big-endian uint64 byte count.
const RecordWidth = 8

// ProgressStore is the hidden per-destination record of bytes written per shard.
// Each shard owns the slot at index*RecordWidth and only ever writes there, so
// workers update it concurrently without a lock.
type ProgressStore struct {
	path   string
	file   *os.File
	shards int
}

// OpenProgressStore opens the record at path, creating a zero-filled one when absent.
// fresh reports whether the record was just created. A record whose length does not
// match shards slots fails with ErrProgressCorrupt.
func OpenProgressStore(path string, shards int) (store *ProgressStore, fresh bool, err error) {
	want := int64(shards) * RecordWidth
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		store, err := ResetProgressStore(path, shards)
		return store, true, err
	case err != nil:
		return nil, false, fmt.Errorf("error checking progress record: %w", err)
	case info.Size() != want:
		return nil, false, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrProgressCorrupt, path, info.Size(), want)
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("error opening progress record: %w", err)
	}
	return &ProgressStore{path: path, file: file, shards: shards}, false, nil
}

// ResetProgressStore truncates the record at path and zero-fills every slot.
func ResetProgressStore(path string, shards int) (*ProgressStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating progress record: %w", err)
	}
	if _, err := file.Write(make([]byte, shards*RecordWidth)); err != nil {
		file.Close()
		return nil, fmt.Errorf("error initializing progress record: %w", err)
	}
	return &ProgressStore{path: path, file: file, shards: shards}, nil
}

func (p *ProgressStore) Read(index int) (int64, error) {
	if err := p.checkIndex(index); err != nil {
		return 0, err
	}
	var slot [RecordWidth]byte
	if _, err := p.file.ReadAt(slot[:], int64(index)*RecordWidth); err != nil {
		return 0, fmt.Errorf("%w: reading slot %d: %w", ErrProgressCorrupt, index, err)
	}
	return int64(binary.BigEndian.Uint64(slot[:])), nil
}

func (p *ProgressStore) Write(index int, written int64) error {
	if err := p.checkIndex(index); err != nil {
		return err
	}
	if written < 0 {
		return fmt.Errorf("negative progress %d for shard %d", written, index)
	}
	var slot [RecordWidth]byte
	binary.BigEndian.PutUint64(slot[:], uint64(written))
	if _, err := p.file.WriteAt(slot[:], int64(index)*RecordWidth); err != nil {
		return fmt.Errorf("error persisting progress for shard %d: %w", index, err)
	}
	return nil
}

func (p *ProgressStore) Shards() int {
	return p.shards
}

func (p *ProgressStore) Close() error {
	return p.file.Close()
}

// Remove closes and deletes the record.
func (p *ProgressStore) Remove() error {
	p.file.Close()
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (p *ProgressStore) checkIndex(index int) error {
	if index < 0 || index >= p.shards {
		return fmt.Errorf("shard index %d out of range [0, %d)", index, p.shards)
	}
	return nil
}
