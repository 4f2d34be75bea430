package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Reserved hashes.
const (
	// HashNoFile is the hash of a FileRef that points at no file.
	HashNoFile uint64 = 0

	// HashMissingFile is the hash of a FileRef whose file does not exist.
	HashMissingFile uint64 = 0x6d697373696e6721

	// HashFlow is the hash shared by every Flow value.
	HashFlow uint64 = 1
)

// Hash returns the content hash of v read as a value of type t. Equal
// values hash equally; Flow values are interchangeable.
func Hash(t Type, v Value) uint64 {
	switch t.(type) {
	case Flow:
		return HashFlow
	case File:
		ref, _ := v.(FileRef)
		return hashFile(ref)
	}
	return hashValue(v)
}

// HashAll combines hashes in order, the way an array hash does.
func HashAll(hashes ...uint64) uint64 {
	h := uint64(1)
	for _, e := range hashes {
		h = 31*h + e
	}
	return h
}

func hashValue(v Value) uint64 {
	var buf [9]byte
	switch vv := v.(type) {
	case nil:
		return 0
	case Integer:
		buf[0] = byte(KindInteger)
		binary.LittleEndian.PutUint32(buf[1:], uint32(vv))
		return xxhash.Sum64(buf[:5])
	case String:
		d := xxhash.New()
		_, _ = d.Write([]byte{byte(KindString)})
		_, _ = d.WriteString(string(vv))
		return d.Sum64()
	case Boolean:
		buf[0] = byte(KindBoolean)
		if vv {
			buf[1] = 1
		}
		return xxhash.Sum64(buf[:2])
	case Byte:
		buf[0] = byte(KindByte)
		buf[1] = byte(vv)
		return xxhash.Sum64(buf[:2])
	case Short:
		buf[0] = byte(KindShort)
		binary.LittleEndian.PutUint16(buf[1:], uint16(vv))
		return xxhash.Sum64(buf[:3])
	case Long:
		buf[0] = byte(KindLong)
		binary.LittleEndian.PutUint64(buf[1:], uint64(vv))
		return xxhash.Sum64(buf[:9])
	case Float:
		buf[0] = byte(KindFloat)
		binary.LittleEndian.PutUint32(buf[1:], math.Float32bits(float32(canonicalFloat(float64(vv)))))
		return xxhash.Sum64(buf[:5])
	case Double:
		buf[0] = byte(KindDouble)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(canonicalFloat(float64(vv))))
		return xxhash.Sum64(buf[:9])
	case Character:
		buf[0] = byte(KindCharacter)
		binary.LittleEndian.PutUint32(buf[1:], uint32(vv))
		return xxhash.Sum64(buf[:5])
	case List:
		hashes := make([]uint64, len(vv))
		for i, e := range vv {
			hashes[i] = hashValue(e)
		}
		return HashAll(hashes...)
	case *Dict:
		// Entry order must not matter, so entries are summed.
		var sum uint64
		for _, e := range vv.Entries() {
			sum += 31*hashValue(e.Key) ^ hashValue(e.Value)
		}
		return sum
	case FileRef:
		return hashFile(vv)
	case FlowToken:
		return HashFlow
	case Opaque:
		return xxhash.Sum64String(fmt.Sprintf("%T:%#v", vv.V, vv.V))
	}
	return 0
}

// canonicalFloat folds -0 into +0 and every NaN into one payload.
func canonicalFloat(f float64) float64 {
	switch {
	case f == 0:
		return 0
	case math.IsNaN(f):
		return math.NaN()
	}
	return f
}

func hashFile(ref FileRef) uint64 {
	if ref.IsNone() {
		return HashNoFile
	}
	content, err := ref.ReadAll()
	if err != nil {
		return HashMissingFile
	}
	return HashAll(xxhash.Sum64String(ref.Path), xxhash.Sum64(content))
}
