// Package archive encodes and decodes the Yiana document container.
//
// Layout:
//
//	[magic "YIAN"][version u16][flags u16][metadata length u32][metadata JSON][sentinel FF FF FF FF][payload]
//
// All integers are big-endian. The payload boundary is located from the
// declared metadata length; the sentinel is only verified at that position.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	yerrors "github.com/lh/yiana/internal/errors"
)

const (
	// CurrentVersion is the newest format version this build reads and writes.
	CurrentVersion uint16 = 1

	// Extension is the file extension of container files.
	Extension = ".yianazip"

	headerLen   = 12
	flagPayload = 1 << 0
)

var (
	magic    = [4]byte{'Y', 'I', 'A', 'N'}
	sentinel = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
)

// Encode serializes metadata and an optional payload using version.
// A nil payload is recorded as absent; an empty non-nil payload as present.
func Encode(m Metadata, payload []byte, version uint16) ([]byte, error) {
	if version == 0 {
		version = CurrentVersion
	}
	meta, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var flags uint16
	if payload != nil {
		flags |= flagPayload
	}

	buf := make([]byte, 0, headerLen+len(meta)+len(sentinel)+len(payload))
	buf = append(buf, magic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, version)
	buf = binary.BigEndian.AppendUint16(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(meta)))
	buf = append(buf, meta...)
	buf = append(buf, sentinel[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses a container. It returns no partial results on failure.
func Decode(data []byte) (Metadata, []byte, error) {
	var zero Metadata

	h, err := ReadHeader(data)
	if err != nil {
		return zero, nil, err
	}

	metaEnd := headerLen + int(h.MetadataLength)
	bodyStart := metaEnd + len(sentinel)
	if h.MetadataLength > uint32(len(data)) || bodyStart > len(data) {
		return zero, nil, yerrors.TruncatedPayload(bodyStart, len(data))
	}
	if !bytes.Equal(data[metaEnd:bodyStart], sentinel[:]) {
		return zero, nil, yerrors.CorruptHeader("sentinel missing after metadata block", nil)
	}

	var m Metadata
	if err := json.Unmarshal(data[headerLen:metaEnd], &m); err != nil {
		return zero, nil, yerrors.CorruptHeader("metadata block is not valid", err)
	}

	if !h.HasPayload {
		if bodyStart != len(data) {
			return zero, nil, yerrors.CorruptHeader("payload bytes present but flagged absent", nil)
		}
		return m, nil, nil
	}
	payload := make([]byte, len(data)-bodyStart)
	copy(payload, data[bodyStart:])
	return m, payload, nil
}

// Header is the fixed-size prefix of a container.
type Header struct {
	Version        uint16
	HasPayload     bool
	MetadataLength uint32
}

// ReadHeader parses and validates the fixed header without touching the body.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < headerLen {
		return Header{}, yerrors.CorruptHeader(
			fmt.Sprintf("container is %d bytes, header needs %d", len(data), headerLen), nil)
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return Header{}, yerrors.CorruptHeader("not a yiana container (bad magic)", nil)
	}
	h := Header{
		Version:        binary.BigEndian.Uint16(data[4:6]),
		HasPayload:     binary.BigEndian.Uint16(data[6:8])&flagPayload != 0,
		MetadataLength: binary.BigEndian.Uint32(data[8:12]),
	}
	if h.Version == 0 {
		return Header{}, yerrors.CorruptHeader("format version 0 is invalid", nil)
	}
	if h.Version > CurrentVersion {
		return Header{}, yerrors.UnsupportedVersion(h.Version, CurrentVersion)
	}
	return h, nil
}

// maxMetadataLength bounds the allocation made by ReadMetadata for a
// declared metadata length.
const maxMetadataLength = 64 << 20

// ReadMetadata decodes only the header and metadata block from r, leaving
// the payload unread.
func ReadMetadata(r io.Reader) (Metadata, Header, error) {
	var zero Metadata

	prefix := make([]byte, headerLen)
	if n, err := io.ReadFull(r, prefix); err != nil {
		return zero, Header{}, yerrors.CorruptHeader(
			fmt.Sprintf("container is %d bytes, header needs %d", n, headerLen), err)
	}
	h, err := ReadHeader(prefix)
	if err != nil {
		return zero, Header{}, err
	}
	if h.MetadataLength > maxMetadataLength {
		return zero, Header{}, yerrors.CorruptHeader(
			fmt.Sprintf("metadata length %d exceeds limit", h.MetadataLength), nil)
	}

	block := make([]byte, int(h.MetadataLength)+len(sentinel))
	if n, err := io.ReadFull(r, block); err != nil {
		return zero, Header{}, yerrors.TruncatedPayload(headerLen+len(block), headerLen+n)
	}
	if !bytes.Equal(block[h.MetadataLength:], sentinel[:]) {
		return zero, Header{}, yerrors.CorruptHeader("sentinel missing after metadata block", nil)
	}

	var m Metadata
	if err := json.Unmarshal(block[:h.MetadataLength], &m); err != nil {
		return zero, Header{}, yerrors.CorruptHeader("metadata block is not valid", err)
	}
	return m, h, nil
}
