package apis

import "fmt"

// A status code reported by a chunkserver for a single request
type Status uint8

const (
	StatusOK Status = iota
	StatusNoChunk
	StatusWrongVersion
	StatusWrongOffset
	StatusWrongSize
	StatusBadChecksum
	StatusIOError
	StatusDisconnected
)

var statusNames = map[Status]string{
	StatusOK:           "OK",
	StatusNoChunk:      "no such chunk",
	StatusWrongVersion: "wrong chunk version",
	StatusWrongOffset:  "wrong offset",
	StatusWrongSize:    "wrong size",
	StatusBadChecksum:  "checksum mismatch",
	StatusIOError:      "I/O error",
	StatusDisconnected: "disconnected",
}

func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return fmt.Sprintf("unknown status %d", uint8(s))
}
