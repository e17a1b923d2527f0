// Package fdt builds and parses Flattened Device Tree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
)

// Property describes a single device-tree property. Exactly one of the typed
// fields should be populated for a given property; properties read back from
// a blob always populate Bytes.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Raw returns the property value in its wire encoding.
func (p Property) Raw() []byte {
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes()
	case "u32":
		data := make([]byte, 0, len(p.U32)*4)
		for _, v := range p.U32 {
			var tmp [4]byte
			binary.BigEndian.PutUint32(tmp[:], v)
			data = append(data, tmp[:]...)
		}
		return data
	case "u64":
		data := make([]byte, 0, len(p.U64)*8)
		for _, v := range p.U64 {
			var tmp [8]byte
			binary.BigEndian.PutUint64(tmp[:], v)
			data = append(data, tmp[:]...)
		}
		return data
	case "bytes":
		return p.Bytes
	default:
		return nil
	}
}

// AsU32List decodes the property as a sequence of big-endian 32-bit cells.
func (p Property) AsU32List() []uint32 {
	raw := p.Raw()
	out := make([]uint32, 0, len(raw)/4)
	for len(raw) >= 4 {
		out = append(out, binary.BigEndian.Uint32(raw[:4]))
		raw = raw[4:]
	}
	return out
}

// AsU32 decodes the property as a single 32-bit cell.
func (p Property) AsU32() (uint32, bool) {
	cells := p.AsU32List()
	if len(cells) != 1 {
		return 0, false
	}
	return cells[0], true
}

// AsStringList decodes the property as a NUL-separated string list.
func (p Property) AsStringList() []string {
	raw := p.Raw()
	var out []string
	for len(raw) > 0 {
		idx := bytes.IndexByte(raw, 0)
		if idx < 0 {
			out = append(out, string(raw))
			break
		}
		out = append(out, string(raw[:idx]))
		raw = raw[idx+1:]
	}
	return out
}

// AsString decodes the property as a single NUL-terminated string.
func (p Property) AsString() (string, bool) {
	list := p.AsStringList()
	if len(list) == 0 {
		return "", false
	}
	return list[0], true
}

// Node describes a device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Property returns the named property, if present.
func (n *Node) Property(name string) (Property, bool) {
	p, ok := n.Properties[name]
	return p, ok
}

// Child returns the first direct child with the given name.
func (n *Node) Child(name string) *Node {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i]
		}
	}
	return nil
}

// IsCompatible reports whether the node's compatible list contains value.
func (n *Node) IsCompatible(value string) bool {
	prop, ok := n.Properties["compatible"]
	if !ok {
		return false
	}
	for _, c := range prop.AsStringList() {
		if c == value {
			return true
		}
	}
	return false
}
