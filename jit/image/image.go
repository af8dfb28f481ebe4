// Package image reads and writes template images: serialized IR modules
// holding the per-opcode handler functions and runtime helper declarations
// compiled units are built from.
//
// Layout (little endian):
//
//	magic(4) version(4) flags(4) payloadLength(8) checksum(8) payload
//
// The payload is the canonical CBOR encoding of the module, lz4-compressed
// when FlagCompressed is set. The checksum is the xxh3 hash of the stored
// payload bytes.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chazu/stackjit/jit/ir"
	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Format constants
// ---------------------------------------------------------------------------

// Magic identifies a template image.
var Magic = [4]byte{'S', 'J', 'T', 'M'}

// Version of the image format.
// v1: initial format
const Version uint32 = 1

// HeaderSize is the size of the fixed header in bytes.
const HeaderSize = 28

// Image flags
const (
	FlagNone       uint32 = 0
	FlagCompressed uint32 = 1 << 0 // payload is an lz4 frame
)

// maxPayload bounds the payload length accepted by Decode.
const maxPayload = 1 << 30

// maxModuleSize bounds the decompressed payload.
var maxModuleSize int64 = 1 << 30

var (
	ErrInvalidMagic    = errors.New("invalid magic number: expected SJTM")
	ErrVersionMismatch = errors.New("image version mismatch")
	ErrChecksum        = errors.New("image checksum mismatch")
	ErrTruncated       = errors.New("truncated image")
	ErrCorruptPayload  = errors.New("corrupt image payload")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Header is the decoded fixed header.
type Header struct {
	Version       uint32
	Flags         uint32
	PayloadLength uint64
	Checksum      uint64
}

// Compressed reports whether the payload is lz4-compressed.
func (h Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// Options control encoding.
type Options struct {
	Compress bool
}

// moduleWire is the serialized form of a module.
type moduleWire struct {
	Name      string         `cbor:"1,keyasint"`
	Functions []*ir.Function `cbor:"2,keyasint"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode writes m to w.
func Encode(w io.Writer, m *ir.Module, opts Options) error {
	payload, err := encMode.Marshal(&moduleWire{Name: m.Name, Functions: m.Functions()})
	if err != nil {
		return fmt.Errorf("image: encode module: %w", err)
	}
	flags := FlagNone
	if opts.Compress {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("image: compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("image: compress: %w", err)
		}
		payload = buf.Bytes()
		flags |= FlagCompressed
	}

	var hdr [HeaderSize]byte
	copy(hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], Version)
	binary.LittleEndian.PutUint32(hdr[8:12], flags)
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(len(payload)))
	binary.LittleEndian.PutUint64(hdr[20:28], xxh3.Hash(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("image: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("image: write payload: %w", err)
	}
	return nil
}

// WriteFile encodes m into the file at path.
func WriteFile(path string, m *ir.Module, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("image: %w", err)
	}
	if err := Encode(f, m, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// ReadHeader reads and validates the fixed header.
func ReadHeader(r io.Reader) (Header, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	if !bytes.Equal(hdr[0:4], Magic[:]) {
		return Header{}, fmt.Errorf("%w: got %q", ErrInvalidMagic, hdr[0:4])
	}
	h := Header{
		Version:       binary.LittleEndian.Uint32(hdr[4:8]),
		Flags:         binary.LittleEndian.Uint32(hdr[8:12]),
		PayloadLength: binary.LittleEndian.Uint64(hdr[12:20]),
		Checksum:      binary.LittleEndian.Uint64(hdr[20:28]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, Version, h.Version)
	}
	if h.PayloadLength > maxPayload {
		return Header{}, fmt.Errorf("%w: payload length %d", ErrCorruptPayload, h.PayloadLength)
	}
	return h, nil
}

// Decode reads a module from r. The module is not verified.
func Decode(r io.Reader) (*ir.Module, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	return decodePayload(r, h)
}

// decodePayload reads the payload described by h. The buffer grows with
// the bytes actually read, never from the header's claim alone.
func decodePayload(r io.Reader, h Header) (*ir.Module, error) {
	payload, err := io.ReadAll(io.LimitReader(r, int64(h.PayloadLength)))
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
	}
	if uint64(len(payload)) != h.PayloadLength {
		return nil, fmt.Errorf("%w: payload: got %d of %d bytes", ErrTruncated, len(payload), h.PayloadLength)
	}
	if sum := xxh3.Hash(payload); sum != h.Checksum {
		return nil, fmt.Errorf("%w: stored %016x, computed %016x", ErrChecksum, h.Checksum, sum)
	}
	if h.Compressed() {
		zr := io.LimitReader(lz4.NewReader(bytes.NewReader(payload)), maxModuleSize+1)
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptPayload, err)
		}
		if int64(len(payload)) > maxModuleSize {
			return nil, fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrCorruptPayload, maxModuleSize)
		}
	}

	var w moduleWire
	if err := cbor.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	m := ir.NewModule(w.Name)
	for _, fn := range w.Functions {
		if fn == nil {
			return nil, fmt.Errorf("%w: nil function", ErrCorruptPayload)
		}
		if err := m.Add(fn); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
	}
	return m, nil
}

// ReadFile decodes the image at path.
func ReadFile(path string) (*ir.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	h, err := ReadHeader(f)
	if err != nil {
		return nil, err
	}
	if avail := fi.Size() - HeaderSize; avail < 0 || h.PayloadLength > uint64(avail) {
		return nil, fmt.Errorf("%w: header claims %d payload bytes, file holds %d", ErrTruncated, h.PayloadLength, max(avail, 0))
	}
	return decodePayload(f, h)
}
