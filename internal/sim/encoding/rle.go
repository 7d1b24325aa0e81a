// Package encoding packs bond-direction sequences for trace logs.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// maxRun bounds a decoded run so a corrupt trace cannot allocate without limit.
const maxRun = 1 << 20

// EncodeBonds encodes direction indices as base64(varint pairs) of
// (direction, run_len). Straight stretches of a walk collapse to one pair.
func EncodeBonds(dirs []uint8) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(dirs) {
		d := dirs[i]
		run := 1
		for j := i + 1; j < len(dirs) && dirs[j] == d; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(d))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func DecodeBonds(b64 string) ([]uint8, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint8
	for i := 0; i < len(raw); {
		d, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if d > 0xFF {
			return nil, fmt.Errorf("direction too large: %d", d)
		}
		if run == 0 || run > maxRun {
			return nil, fmt.Errorf("bad run length %d at %d", run, i)
		}
		for k := 0; k < int(run); k++ {
			out = append(out, uint8(d))
		}
	}
	return out, nil
}
