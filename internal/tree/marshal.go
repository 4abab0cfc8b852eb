package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/meigma/asar/internal/asartype"
)

// Marshal encodes the tree rooted at root as header JSON. Output is
// deterministic: children appear in insertion order and file fields in a
// fixed order. Sizes and offsets are written as decimal strings.
func Marshal(root *Entry) ([]byte, error) {
	if root == nil || !root.IsDir() {
		return nil, fmt.Errorf("%w: root is not a directory", asartype.ErrSchema)
	}
	m := &marshaler{}
	m.enc = json.NewEncoder(&m.scratch)
	m.enc.SetEscapeHTML(false)
	if err := m.entry(root); err != nil {
		return nil, err
	}
	return m.buf.Bytes(), nil
}

type marshaler struct {
	buf     bytes.Buffer
	scratch bytes.Buffer
	enc     *json.Encoder
}

func (m *marshaler) entry(e *Entry) error {
	switch e.kind {
	case KindDir:
		m.buf.WriteString(`{"files":{`)
		for i, name := range e.names {
			if i > 0 {
				m.buf.WriteByte(',')
			}
			if err := m.value(name); err != nil {
				return err
			}
			m.buf.WriteByte(':')
			if err := m.entry(e.children[name]); err != nil {
				return err
			}
		}
		m.buf.WriteString(`}}`)
	case KindSymlink:
		m.buf.WriteString(`{"link":`)
		if err := m.value(e.link); err != nil {
			return err
		}
		m.buf.WriteByte('}')
	case KindFile:
		m.buf.WriteString(`{"size":"`)
		m.buf.WriteString(strconv.FormatUint(e.size, 10))
		m.buf.WriteByte('"')
		if e.unpacked {
			m.buf.WriteString(`,"unpacked":true`)
		} else {
			m.buf.WriteString(`,"offset":"`)
			m.buf.WriteString(strconv.FormatUint(e.offset, 10))
			m.buf.WriteByte('"')
		}
		if e.executable {
			m.buf.WriteString(`,"executable":true`)
		}
		if e.integrity != nil {
			m.buf.WriteString(`,"integrity":`)
			if err := m.value(e.integrity); err != nil {
				return err
			}
		}
		m.buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: entry of kind %d", asartype.ErrSchema, e.kind)
	}
	return nil
}

// value appends the JSON encoding of v without HTML escaping.
func (m *marshaler) value(v any) error {
	m.scratch.Reset()
	if err := m.enc.Encode(v); err != nil {
		return err
	}
	m.buf.Write(bytes.TrimSuffix(m.scratch.Bytes(), []byte{'\n'}))
	return nil
}
