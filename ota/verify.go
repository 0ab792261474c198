package ota

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// digest checks the image read back from flash against the checksum
// published with it. The hex length selects the algorithm.
type digest struct {
	kind string
	want []byte
	h    hash.Hash // nil for CRC-32, which comes from the read-back accumulator
}

func newDigest(sum string) (*digest, error) {
	want, err := hex.DecodeString(strings.TrimSpace(sum))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrChecksumFormat, sum)
	}
	switch len(want) {
	case 4:
		return &digest{kind: "crc32", want: want}, nil
	case sha256.Size:
		return &digest{kind: "sha256", want: want, h: sha256.New()}, nil
	case sha512.Size:
		return &digest{kind: "sha512", want: want, h: sha512.New()}, nil
	}
	return nil, fmt.Errorf("%w: %d hex digits", ErrChecksumFormat, len(sum))
}

func (d *digest) Write(p []byte) {
	if d.h != nil {
		d.h.Write(p)
	}
}

func (d *digest) check(crc uint32) error {
	var got []byte
	if d.h == nil {
		got = binary.BigEndian.AppendUint32(nil, crc)
	} else {
		got = d.h.Sum(nil)
	}
	if !bytes.Equal(got, d.want) {
		return fmt.Errorf("%w: %s %x, want %x", ErrChecksum, d.kind, got, d.want)
	}
	return nil
}
