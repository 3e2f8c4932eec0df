package dataset

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// EntryKey is the ordered list of natural values identifying an entry: the
// dataset name followed by the values of its key fields.
type EntryKey struct {
	Values []any
}

func NewEntryKey(values ...any) *EntryKey {
	return &EntryKey{Values: values}
}

// ID hashes the key into an entry id. Each value is written as
// typeTag:length:payload so that different value sequences cannot produce the
// same byte stream. The result is 40 lowercase hex characters.
func (k *EntryKey) ID() string {
	var buf bytes.Buffer
	for _, val := range k.Values {
		var tag string
		var payload []byte
		switch v := val.(type) {
		case nil:
			tag = "nil"
		case string:
			tag, payload = "string", []byte(v)
		case int64:
			tag, payload = "int64", binary.BigEndian.AppendUint64(nil, uint64(v))
		case int:
			tag, payload = "int64", binary.BigEndian.AppendUint64(nil, uint64(int64(v)))
		case float64:
			tag, payload = "float64", binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
		case bool:
			tag, payload = "bool", []byte{0}
			if v {
				payload[0] = 1
			}
		case time.Time:
			tag, payload = "time", []byte(v.UTC().Format(time.RFC3339Nano))
		default:
			tag, payload = fmt.Sprintf("%T", v), []byte(fmt.Sprintf("%v", v))
		}

		buf.WriteString(tag)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(payload)))
		buf.WriteByte(':')
		buf.Write(payload)
	}

	sum := sha1.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
