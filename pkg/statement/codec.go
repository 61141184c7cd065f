package statement

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/bobboyms/lsmwriter/pkg/types"
)

// Key type tags, matching pkg/storage/checkpoint_serializer.go's scheme so
// on-disk runs and checkpoints agree on one key wire format.
const (
	keyTagInt     = 1
	keyTagVarchar = 2
	keyTagBool    = 3
	keyTagFloat   = 4
	keyTagDate    = 5
)

func encodeKey(buf *bytes.Buffer, key types.Comparable) error {
	switch k := key.(type) {
	case types.IntKey:
		buf.WriteByte(keyTagInt)
		binary.Write(buf, binary.LittleEndian, int64(k))
	case types.VarcharKey:
		buf.WriteByte(keyTagVarchar)
		s := string(k)
		binary.Write(buf, binary.LittleEndian, uint16(len(s)))
		buf.WriteString(s)
	case types.BoolKey:
		buf.WriteByte(keyTagBool)
		var b byte
		if k {
			b = 1
		}
		buf.WriteByte(b)
	case types.FloatKey:
		buf.WriteByte(keyTagFloat)
		binary.Write(buf, binary.LittleEndian, float64(k))
	case types.DateKey:
		buf.WriteByte(keyTagDate)
		binary.Write(buf, binary.LittleEndian, time.Time(k).UnixNano())
	default:
		return fmt.Errorf("statement: unsupported key type %T", k)
	}
	return nil
}

func decodeKey(r *bytes.Reader) (types.Comparable, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case keyTagInt:
		var i int64
		if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
			return nil, err
		}
		return types.IntKey(i), nil
	case keyTagVarchar:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, err
		}
		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return types.VarcharKey(string(b)), nil
	case keyTagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return types.BoolKey(b == 1), nil
	case keyTagFloat:
		var f float64
		if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
			return nil, err
		}
		return types.FloatKey(f), nil
	case keyTagDate:
		var ts int64
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return nil, err
		}
		return types.DateKey(time.Unix(0, ts)), nil
	default:
		return nil, fmt.Errorf("statement: unknown key tag %d", tag)
	}
}

// Encode serializes s to a self-contained byte slice: key, kind, LSN,
// flags, then the raw payload. This is the record format pkg/run's
// on-disk runs store.
func Encode(s Statement) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := encodeKey(buf, s.Key); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(s.Kind))
	binary.Write(buf, binary.LittleEndian, s.LSN)
	buf.WriteByte(byte(s.Flags))
	binary.Write(buf, binary.LittleEndian, uint32(len(s.Payload)))
	buf.Write(s.Payload)
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Statement, error) {
	r := bytes.NewReader(data)
	key, err := decodeKey(r)
	if err != nil {
		return Statement{}, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Statement{}, err
	}
	var lsn uint64
	if err := binary.Read(r, binary.LittleEndian, &lsn); err != nil {
		return Statement{}, err
	}
	flagsByte, err := r.ReadByte()
	if err != nil {
		return Statement{}, err
	}
	var plen uint32
	if err := binary.Read(r, binary.LittleEndian, &plen); err != nil {
		return Statement{}, err
	}
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Statement{}, err
		}
	}
	return Statement{
		Key:     key,
		Kind:    Type(kindByte),
		LSN:     lsn,
		Flags:   Flags(flagsByte),
		Payload: payload,
	}, nil
}
