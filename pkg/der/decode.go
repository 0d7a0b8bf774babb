package der

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when the input ends inside an element.
	ErrTruncated = errors.New("der: truncated input")
	// ErrNonMinimal is returned for a length or integer that is not in its
	// shortest form.
	ErrNonMinimal = errors.New("der: non-minimal encoding")
)

// Decode parses one complete value. Trailing bytes are an error.
func Decode(data []byte) (Value, error) {
	v, n, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("der: %d trailing bytes", len(data)-n)
	}
	return v, nil
}

// DecodeLength parses a length prefix and returns the length and the number
// of bytes the prefix occupied.
func DecodeLength(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrTruncated
	}
	first := data[0]
	if first < 0x80 {
		return int(first), 1, nil
	}
	k := int(first & 0x7f)
	if k == 0 {
		return 0, 0, errors.New("der: indefinite length not allowed")
	}
	if k > 8 {
		return 0, 0, fmt.Errorf("der: length of %d bytes too large", k)
	}
	if len(data) < 1+k {
		return 0, 0, ErrTruncated
	}
	if data[1] == 0 {
		return 0, 0, ErrNonMinimal
	}
	var n uint64
	for _, b := range data[1 : 1+k] {
		n = n<<8 | uint64(b)
	}
	if n < 0x80 {
		return 0, 0, ErrNonMinimal
	}
	if n > uint64(int(^uint(0)>>1)) {
		return 0, 0, fmt.Errorf("der: length %d overflows", n)
	}
	return int(n), 1 + k, nil
}

// readTLV splits the element at the start of data into tag and payload and
// returns the total number of bytes it occupies.
func readTLV(data []byte) (byte, []byte, int, error) {
	if len(data) < 2 {
		return 0, nil, 0, ErrTruncated
	}
	tag := data[0]
	n, hdr, err := DecodeLength(data[1:])
	if err != nil {
		return 0, nil, 0, err
	}
	start := 1 + hdr
	if n > len(data)-start {
		return 0, nil, 0, ErrTruncated
	}
	return tag, data[start : start+n], start + n, nil
}

func decodeValue(data []byte) (Value, int, error) {
	tag, payload, n, err := readTLV(data)
	if err != nil {
		return nil, 0, err
	}
	switch tag {
	case TagBool:
		if len(payload) != 1 || payload[0] > 1 {
			return nil, 0, errors.New("der: malformed boolean")
		}
		return Bool(payload[0] == 1), n, nil
	case TagInt:
		v, err := decodeInt(payload)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil
	case TagString:
		return String(payload), n, nil
	case TagArray:
		var arr Array
		for rest := payload; len(rest) > 0; {
			item, used, err := decodeValue(rest)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, item)
			rest = rest[used:]
		}
		return arr, n, nil
	case TagObject:
		obj, err := decodeObject(payload)
		if err != nil {
			return nil, 0, err
		}
		return obj, n, nil
	}
	return nil, 0, fmt.Errorf("der: unknown tag 0x%02x", tag)
}

func decodeInt(payload []byte) (Int, error) {
	if len(payload) == 0 || len(payload) > 8 {
		return 0, fmt.Errorf("der: integer of %d bytes", len(payload))
	}
	if len(payload) > 1 && payload[0] == 0 {
		return 0, ErrNonMinimal
	}
	var u uint64
	for _, b := range payload {
		u = u<<8 | uint64(b)
	}
	// negative values always occupy all 8 bytes
	return Int(int64(u)), nil
}

func decodeObject(payload []byte) (Object, error) {
	var obj Object
	seen := make(map[string]bool)
	for rest := payload; len(rest) > 0; {
		tag, rec, used, err := readTLV(rest)
		if err != nil {
			return nil, err
		}
		if tag != TagArray {
			return nil, fmt.Errorf("der: object member has tag 0x%02x", tag)
		}
		keyTag, key, keyLen, err := readTLV(rec)
		if err != nil {
			return nil, err
		}
		if keyTag != TagString {
			return nil, fmt.Errorf("der: object key has tag 0x%02x", keyTag)
		}
		val, valLen, err := decodeValue(rec[keyLen:])
		if err != nil {
			return nil, fmt.Errorf("der: key %q: %w", key, err)
		}
		if keyLen+valLen != len(rec) {
			return nil, fmt.Errorf("der: key %q: record has %d extra bytes", key, len(rec)-keyLen-valLen)
		}
		if seen[string(key)] {
			return nil, fmt.Errorf("der: duplicate key %q", key)
		}
		seen[string(key)] = true
		obj = append(obj, Member{Key: string(key), Value: val})
		rest = rest[used:]
	}
	return obj, nil
}
