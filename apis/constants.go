package apis

// 64 KiB, the unit of every read and write exchanged with a chunkserver
const BlockSize = 64 * 1024

// The number of blocks a single chunk is split into
const BlocksInChunk = 1024

// 64 MiB, the maximum size of a chunk
const ChunkSize = BlockSize * BlocksInChunk

// The version number of a chunk
type Version uint32

// A chunk identifier, as assigned by the master
type ChunkNum uint64

// The address of a chunkserver, in host:port form
type ServerAddress string
