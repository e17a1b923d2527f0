package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every error returned from Parse. A blob that
// fails to parse carries no usable hardware description, so callers treat
// this as fatal.
var ErrMalformed = errors.New("malformed device tree")

// Parse reads an FDT blob into a node tree. The blob is only read, never
// modified.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < fdtHeaderSize {
		return nil, fmt.Errorf("fdt: blob shorter than header (%d bytes): %w", len(blob), ErrMalformed)
	}

	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != fdtMagic {
		return nil, fmt.Errorf("fdt: bad magic 0x%08x: %w", magic, ErrMalformed)
	}

	totalSize := binary.BigEndian.Uint32(blob[4:8])
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	version := binary.BigEndian.Uint32(blob[20:24])
	sizeStrings := binary.BigEndian.Uint32(blob[32:36])
	sizeStruct := binary.BigEndian.Uint32(blob[36:40])

	if version < fdtLastCompVer {
		return nil, fmt.Errorf("fdt: unsupported version %d: %w", version, ErrMalformed)
	}
	if uint64(totalSize) > uint64(len(blob)) {
		return nil, fmt.Errorf("fdt: total size %d exceeds blob length %d: %w", totalSize, len(blob), ErrMalformed)
	}
	if uint64(offStruct)+uint64(sizeStruct) > uint64(totalSize) {
		return nil, fmt.Errorf("fdt: structure block out of bounds: %w", ErrMalformed)
	}
	if uint64(offStrings)+uint64(sizeStrings) > uint64(totalSize) {
		return nil, fmt.Errorf("fdt: strings block out of bounds: %w", ErrMalformed)
	}

	p := &parser{
		structBlock: blob[offStruct : offStruct+sizeStruct],
		strings:     blob[offStrings : offStrings+sizeStrings],
	}

	root, err := p.parseRoot()
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

type parser struct {
	structBlock []byte
	strings     []byte
	off         int
}

func (p *parser) parseRoot() (Node, error) {
	tok, err := p.token()
	if err != nil {
		return Node{}, err
	}
	if tok != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("fdt: expected root node, got token 0x%x: %w", tok, ErrMalformed)
	}
	root, err := p.parseNode()
	if err != nil {
		return Node{}, err
	}
	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		if tok == fdtNopToken {
			continue
		}
		if tok != fdtEndToken {
			return Node{}, fmt.Errorf("fdt: expected end token, got 0x%x: %w", tok, ErrMalformed)
		}
		return root, nil
	}
}

// parseNode is entered after the BEGIN_NODE token has been consumed.
func (p *parser) parseNode() (Node, error) {
	name, err := p.nodeName()
	if err != nil {
		return Node{}, err
	}
	node := Node{Name: name}

	for {
		tok, err := p.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtPropToken:
			propName, value, err := p.prop()
			if err != nil {
				return Node{}, err
			}
			if node.Properties == nil {
				node.Properties = make(map[string]Property)
			}
			if len(value) == 0 {
				node.Properties[propName] = Property{Flag: true}
			} else {
				node.Properties[propName] = Property{Bytes: value}
			}
		case fdtBeginNodeToken:
			child, err := p.parseNode()
			if err != nil {
				return Node{}, err
			}
			node.Children = append(node.Children, child)
		case fdtEndNodeToken:
			return node, nil
		case fdtNopToken:
		default:
			return Node{}, fmt.Errorf("fdt: unexpected token 0x%x in node %q: %w", tok, name, ErrMalformed)
		}
	}
}

func (p *parser) token() (uint32, error) {
	if p.off+4 > len(p.structBlock) {
		return 0, fmt.Errorf("fdt: truncated structure block: %w", ErrMalformed)
	}
	tok := binary.BigEndian.Uint32(p.structBlock[p.off : p.off+4])
	p.off += 4
	return tok, nil
}

func (p *parser) nodeName() (string, error) {
	idx := bytes.IndexByte(p.structBlock[p.off:], 0)
	if idx < 0 {
		return "", fmt.Errorf("fdt: unterminated node name: %w", ErrMalformed)
	}
	name := string(p.structBlock[p.off : p.off+idx])
	p.off += idx + 1
	p.align()
	return name, nil
}

func (p *parser) prop() (string, []byte, error) {
	if p.off+8 > len(p.structBlock) {
		return "", nil, fmt.Errorf("fdt: truncated property header: %w", ErrMalformed)
	}
	length := binary.BigEndian.Uint32(p.structBlock[p.off : p.off+4])
	nameOff := binary.BigEndian.Uint32(p.structBlock[p.off+4 : p.off+8])
	p.off += 8

	if p.off+int(length) > len(p.structBlock) {
		return "", nil, fmt.Errorf("fdt: property value out of bounds (len %d): %w", length, ErrMalformed)
	}
	value := make([]byte, length)
	copy(value, p.structBlock[p.off:p.off+int(length)])
	p.off += int(length)
	p.align()

	name, err := p.stringAt(nameOff)
	if err != nil {
		return "", nil, err
	}
	return name, value, nil
}

func (p *parser) stringAt(off uint32) (string, error) {
	if int(off) >= len(p.strings) {
		return "", fmt.Errorf("fdt: property name offset 0x%x out of bounds: %w", off, ErrMalformed)
	}
	idx := bytes.IndexByte(p.strings[off:], 0)
	if idx < 0 {
		return "", fmt.Errorf("fdt: unterminated property name: %w", ErrMalformed)
	}
	return string(p.strings[off : int(off)+idx]), nil
}

func (p *parser) align() {
	for p.off%4 != 0 {
		p.off++
	}
}
