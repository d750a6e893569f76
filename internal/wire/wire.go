// Package wire implements the framed message protocol between compile
// clients, the coordinator and remote builders.
//
// Every message is a msgpack-encoded payload preceded by a uvarint length
// prefix. A connection starts with a Hello/HelloAck handshake carrying the
// cluster's shared secret; after that, build requests and responses flow.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/farmcc/farmcc/pkg/types"
)

// ProtocolVersion guards against skew between client and coordinator.
const ProtocolVersion = 1

// MaxFrameSize bounds a single frame. Object files for large translation
// units run to tens of megabytes; anything beyond this is a framing error.
const MaxFrameSize = 256 << 20

// Hello opens a connection.
type Hello struct {
	Proto  uint32 `msgpack:"proto"`
	Secret string `msgpack:"secret"`
}

// HelloAck accepts or rejects a Hello.
type HelloAck struct {
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

// BuildRequest asks for one compilation. Source holds the raw bytes of the
// preprocessed translation unit and is present on remote dispatch only; a
// local client that shares a filesystem with the coordinator may omit it.
type BuildRequest struct {
	Flags  types.FlagSet `msgpack:"flags"`
	Source []byte        `msgpack:"source,omitempty"`
}

// BuildResponse reports the outcome of one compilation.
type BuildResponse struct {
	Status   types.BuildStatus `msgpack:"status"`
	Artifact []byte            `msgpack:"artifact,omitempty"`
	Stderr   []byte            `msgpack:"stderr,omitempty"`
	Message  string            `msgpack:"message,omitempty"`
}

// Write marshals msg and writes one length-prefixed frame.
func Write(w io.Writer, msg any) error {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(body)))
	if _, err := w.Write(prefix[:n]); err != nil {
		return fmt.Errorf("write frame prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// Read reads one frame and unmarshals it into msg.
func Read(r *bufio.Reader, msg any) error {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	if size > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := msgpack.Unmarshal(body, msg); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
