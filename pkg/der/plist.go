package der

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"howett.net/plist"
)

// ParsePlist converts a property list into a Value. XML input keeps the
// document's key order. Binary and OpenStep input is decoded with
// howett.net/plist and its dictionaries come out sorted by key.
func ParsePlist(data []byte) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("<")) {
		return parseXMLPlist(trimmed)
	}
	var raw interface{}
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return FromInterface(raw)
}

// FromInterface converts the generic values produced by plist decoders.
// Map keys are sorted since Go maps carry no order.
func FromInterface(v interface{}) (Value, error) {
	switch val := v.(type) {
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint:
		return fromUint(uint64(val))
	case uint64:
		return fromUint(val)
	case string:
		return String(val), nil
	case []interface{}:
		arr := make(Array, 0, len(val))
		for i, item := range val {
			conv, err := FromInterface(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr = append(arr, conv)
		}
		return arr, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(Object, 0, len(keys))
		for _, k := range keys {
			conv, err := FromInterface(val[k])
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k, err)
			}
			obj = append(obj, Member{Key: k, Value: conv})
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unsupported plist type: %T", v)
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d out of range", u)
	}
	return Int(int64(u)), nil
}

// ToInterface converts v back into the generic form understood by
// howett.net/plist.
func ToInterface(v Value) interface{} {
	switch val := v.(type) {
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case String:
		return string(val)
	case Array:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = ToInterface(item)
		}
		return out
	case Object:
		out := make(map[string]interface{}, len(val))
		for _, m := range val {
			out[m.Key] = ToInterface(m.Value)
		}
		return out
	}
	return nil
}

func parseXMLPlist(data []byte) (Value, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errors.New("plist has no root value")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse plist: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "plist" {
			continue
		}
		return parseElement(dec, start)
	}
}

// nextElement returns the next start or end element, skipping whitespace,
// comments and processing instructions.
func nextElement(dec *xml.Decoder) (xml.Token, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement, xml.EndElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return nil, fmt.Errorf("unexpected text %q", strings.TrimSpace(string(t)))
			}
		}
	}
}

func readText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			return sb.String(), nil
		case xml.StartElement:
			return "", fmt.Errorf("unexpected <%s> inside text", t.Name.Local)
		}
	}
}

func parseElement(dec *xml.Decoder, start xml.StartElement) (Value, error) {
	switch start.Name.Local {
	case "dict":
		return parseDict(dec)
	case "array":
		var arr Array
		for {
			tok, err := nextElement(dec)
			if err != nil {
				return nil, err
			}
			if _, end := tok.(xml.EndElement); end {
				return arr, nil
			}
			item, err := parseElement(dec, tok.(xml.StartElement))
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
	case "string":
		s, err := readText(dec)
		if err != nil {
			return nil, err
		}
		return String(s), nil
	case "integer":
		s, err := readText(dec)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return fromUint(u)
	case "true", "false":
		if err := dec.Skip(); err != nil {
			return nil, err
		}
		return Bool(start.Name.Local == "true"), nil
	}
	return nil, fmt.Errorf("unsupported plist element <%s>", start.Name.Local)
}

func parseDict(dec *xml.Decoder) (Value, error) {
	var obj Object
	seen := make(map[string]bool)
	for {
		tok, err := nextElement(dec)
		if err != nil {
			return nil, err
		}
		if _, end := tok.(xml.EndElement); end {
			return obj, nil
		}
		keyStart := tok.(xml.StartElement)
		if keyStart.Name.Local != "key" {
			return nil, fmt.Errorf("expected <key>, got <%s>", keyStart.Name.Local)
		}
		key, err := readText(dec)
		if err != nil {
			return nil, err
		}
		tok, err = nextElement(dec)
		if err != nil {
			return nil, err
		}
		valStart, ok := tok.(xml.StartElement)
		if !ok {
			return nil, fmt.Errorf("key %s has no value", key)
		}
		val, err := parseElement(dec, valStart)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate key %s", key)
		}
		seen[key] = true
		obj = append(obj, Member{Key: key, Value: val})
	}
}

const xmlPlistHeader = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
`

// MarshalXMLPlist renders v as an XML property list. Object members are
// written in their stored order, so ParsePlist gives back the same tree.
func MarshalXMLPlist(v Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlPlistHeader)
	if err := writeElement(&buf, v, 0); err != nil {
		return nil, err
	}
	buf.WriteString("</plist>\n")
	return buf.Bytes(), nil
}

func writeText(buf *bytes.Buffer, depth int, tag, text string) {
	buf.WriteString(strings.Repeat("\t", depth))
	buf.WriteString("<" + tag + ">")
	xml.EscapeText(buf, []byte(text))
	buf.WriteString("</" + tag + ">\n")
}

func writeElement(buf *bytes.Buffer, v Value, depth int) error {
	indent := strings.Repeat("\t", depth)
	switch val := v.(type) {
	case Bool:
		buf.WriteString(indent)
		if val {
			buf.WriteString("<true/>\n")
		} else {
			buf.WriteString("<false/>\n")
		}
	case Int:
		writeText(buf, depth, "integer", strconv.FormatInt(int64(val), 10))
	case String:
		writeText(buf, depth, "string", string(val))
	case Array:
		if len(val) == 0 {
			buf.WriteString(indent + "<array/>\n")
			return nil
		}
		buf.WriteString(indent + "<array>\n")
		for i, item := range val {
			if err := writeElement(buf, item, depth+1); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		buf.WriteString(indent + "</array>\n")
	case Object:
		if len(val) == 0 {
			buf.WriteString(indent + "<dict/>\n")
			return nil
		}
		buf.WriteString(indent + "<dict>\n")
		for _, m := range val {
			writeText(buf, depth+1, "key", m.Key)
			if err := writeElement(buf, m.Value, depth+1); err != nil {
				return fmt.Errorf("key %s: %w", m.Key, err)
			}
		}
		buf.WriteString(indent + "</dict>\n")
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
	return nil
}
