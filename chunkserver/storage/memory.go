package storage

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/AICloudNAS/lizardfs/apis"
)

type partKey struct {
	chunk    apis.ChunkNum
	partType apis.ChunkPartType
}

type memoryPart struct {
	version apis.Version
	// sparse; missing blocks are zero
	blocks map[uint32][]byte
}

type MemoryStorage struct {
	mu       sync.Mutex
	isClosed bool
	parts    map[partKey]*memoryPart
}

// Creates an in-memory-only location to store chunk parts
func ConfigureMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		parts: map[partKey]*memoryPart{},
	}
}

var _ PartStorage = &MemoryStorage{}

// must be called with mu held
func (m *MemoryStorage) assertOpen() {
	if m.isClosed {
		panic("attempt to use closed MemoryStorage")
	}
}

// must be called with mu held
func (m *MemoryStorage) lookup(part apis.ChunkWithType) (*memoryPart, error) {
	stored, found := m.parts[partKey{part.Chunk, part.PartType}]
	if !found {
		return nil, errors.Wrapf(ErrNoChunk, "%d/%s", part.Chunk, part.PartType)
	}
	if stored.version != part.Version {
		return nil, errors.Wrapf(ErrWrongVersion, "%d/%s has version %d, not %d", part.Chunk, part.PartType,
			stored.version, part.Version)
	}
	return stored, nil
}

func partSize(partType apis.ChunkPartType) uint64 {
	return uint64(partType.NumberOfBlocks(apis.BlocksInChunk)) * apis.BlockSize
}

func (m *MemoryStorage) ListParts() ([]apis.ChunkWithType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertOpen()
	result := make([]apis.ChunkWithType, 0, len(m.parts))
	for key, part := range m.parts {
		result = append(result, apis.ChunkWithType{Chunk: key.chunk, Version: part.version, PartType: key.partType})
	}
	return result, nil
}

func (m *MemoryStorage) Create(part apis.ChunkWithType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertOpen()
	key := partKey{part.Chunk, part.PartType}
	if _, exists := m.parts[key]; exists {
		return errors.Wrapf(ErrChunkExists, "%d/%s", part.Chunk, part.PartType)
	}
	m.parts[key] = &memoryPart{version: part.Version, blocks: map[uint32][]byte{}}
	return nil
}

func (m *MemoryStorage) Version(chunk apis.ChunkNum, partType apis.ChunkPartType) (apis.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertOpen()
	stored, found := m.parts[partKey{chunk, partType}]
	if !found {
		return 0, errors.Wrapf(ErrNoChunk, "%d/%s", chunk, partType)
	}
	return stored.version, nil
}

func (m *MemoryStorage) Read(part apis.ChunkWithType, offset uint32, size uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertOpen()
	stored, err := m.lookup(part)
	if err != nil {
		return nil, err
	}
	if uint64(offset)+uint64(size) > partSize(part.PartType) {
		return nil, errors.Wrapf(ErrWrongOffset, "read [%d, +%d) of %s", offset, size, part.PartType)
	}
	result := make([]byte, size)
	for position := offset; position < offset+size; {
		block, inBlock := position/apis.BlockSize, position%apis.BlockSize
		n := apis.BlockSize - inBlock
		if remaining := offset + size - position; remaining < n {
			n = remaining
		}
		if data, found := stored.blocks[block]; found {
			copy(result[position-offset:position-offset+n], data[inBlock:inBlock+n])
		}
		position += n
	}
	return result, nil
}

func (m *MemoryStorage) WriteBlock(part apis.ChunkWithType, block uint32, offset uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertOpen()
	stored, err := m.lookup(part)
	if err != nil {
		return err
	}
	if block >= uint32(part.PartType.NumberOfBlocks(apis.BlocksInChunk)) || offset >= apis.BlockSize {
		return errors.Wrapf(ErrWrongOffset, "block %d offset %d of %s", block, offset, part.PartType)
	}
	if uint64(offset)+uint64(len(data)) > apis.BlockSize {
		return errors.Wrapf(ErrWrongSize, "%d bytes at offset %d", len(data), offset)
	}
	existing, found := stored.blocks[block]
	if !found {
		existing = make([]byte, apis.BlockSize)
		stored.blocks[block] = existing
	}
	copy(existing[offset:], data)
	return nil
}

func (m *MemoryStorage) Delete(part apis.ChunkWithType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assertOpen()
	if _, err := m.lookup(part); err != nil {
		return err
	}
	delete(m.parts, partKey{part.Chunk, part.PartType})
	return nil
}

func (m *MemoryStorage) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts = nil
	m.isClosed = true
}
