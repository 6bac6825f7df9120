package rpc

import (
	"bytes"
	"net"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/AICloudNAS/lizardfs/apis"
)

type packetKind uint8

const (
	kindWriteInit packetKind = iota + 1
	kindWriteData
	// Sent by the client to end a write session, and echoed back by the chunkserver once every earlier packet has
	// been answered.
	kindWriteEnd
	kindWriteStatus
	kindRead
	kindReadData
)

func (k packetKind) String() string {
	switch k {
	case kindWriteInit:
		return "write-init"
	case kindWriteData:
		return "write-data"
	case kindWriteEnd:
		return "write-end"
	case kindWriteStatus:
		return "write-status"
	case kindRead:
		return "read"
	case kindReadData:
		return "read-data"
	default:
		return "unknown"
	}
}

// A single message on a chunkserver connection. Which fields are meaningful depends on Kind.
type packet struct {
	Kind    packetKind    `cbor:"1,keyasint"`
	Chunk   apis.ChunkNum `cbor:"2,keyasint,omitempty"`
	Version apis.Version  `cbor:"3,keyasint,omitempty"`
	Part    uint16        `cbor:"4,keyasint,omitempty"`
	// The servers a write init is forwarded to, in order.
	Chain    []string     `cbor:"5,keyasint,omitempty"`
	WriteID  apis.WriteID `cbor:"6,keyasint,omitempty"`
	Block    uint32       `cbor:"7,keyasint,omitempty"`
	Offset   uint32       `cbor:"8,keyasint,omitempty"`
	Size     uint32       `cbor:"9,keyasint,omitempty"`
	Data     []byte       `cbor:"10,keyasint,omitempty"`
	Checksum []byte       `cbor:"11,keyasint,omitempty"`
	Status   apis.Status  `cbor:"12,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}
	// unknown fields are ignored so that either side can grow new packet fields
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

func checksum(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

func checksumMatches(data []byte, expected []byte) bool {
	return bytes.Equal(checksum(data), expected)
}

// A connection to a chunkserver (or, on the server side, from a client). The encoder and decoder live as long as
// the connection, because the decoder may buffer bytes of the next packet.
type Conn struct {
	net.Conn
	address apis.ServerAddress
	encoder *cbor.Encoder
	decoder *cbor.Decoder
}

func newConn(conn net.Conn, address apis.ServerAddress) *Conn {
	return &Conn{
		Conn:    conn,
		address: address,
		encoder: encMode.NewEncoder(conn),
		decoder: decMode.NewDecoder(conn),
	}
}

func (c *Conn) Address() apis.ServerAddress {
	return c.address
}

func (c *Conn) send(p *packet) error {
	if err := c.encoder.Encode(p); err != nil {
		return errors.Wrapf(err, "sending %s packet to %s", p.Kind, c.address)
	}
	return nil
}

func (c *Conn) receive() (*packet, error) {
	p := &packet{}
	if err := c.decoder.Decode(p); err != nil {
		return nil, errors.Wrapf(err, "receiving packet from %s", c.address)
	}
	return p, nil
}
