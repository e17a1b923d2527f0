package fdt

import (
	"fmt"
)

// Tree is a parsed device tree with lookup helpers.
type Tree struct {
	Root Node
}

// RegEntry is one address/size pair decoded from a reg property.
type RegEntry struct {
	Address uint64
	Size    uint64
}

const (
	irqTypeSPI = 0
	irqTypePPI = 1

	spiBase = 32
	ppiBase = 16
)

// Visit walks every node in the tree, passing each node together with its
// parent (nil for the root). Traversal stops when fn returns false.
func (t *Tree) Visit(fn func(node, parent *Node) bool) {
	visit(&t.Root, nil, fn)
}

func visit(node, parent *Node, fn func(node, parent *Node) bool) bool {
	if !fn(node, parent) {
		return false
	}
	for i := range node.Children {
		if !visit(&node.Children[i], node, fn) {
			return false
		}
	}
	return true
}

// FindCompatible returns every node whose compatible list contains value,
// in document order.
func (t *Tree) FindCompatible(value string) []*Node {
	var out []*Node
	t.Visit(func(node, _ *Node) bool {
		if node.IsCompatible(value) {
			out = append(out, node)
		}
		return true
	})
	return out
}

// Reg decodes the reg property of node using the #address-cells and
// #size-cells of its parent (defaulting to 2/1 per the device-tree spec).
func (t *Tree) Reg(node *Node) ([]RegEntry, error) {
	parent := t.parentOf(node)

	addrCells, sizeCells := uint32(2), uint32(1)
	if parent != nil {
		if v, ok := cellCount(parent, "#address-cells"); ok {
			addrCells = v
		}
		if v, ok := cellCount(parent, "#size-cells"); ok {
			sizeCells = v
		}
	}
	if addrCells == 0 || addrCells > 2 || sizeCells > 2 {
		return nil, fmt.Errorf("fdt: unsupported cell counts %d/%d for %q: %w", addrCells, sizeCells, node.Name, ErrMalformed)
	}

	prop, ok := node.Properties["reg"]
	if !ok {
		return nil, fmt.Errorf("fdt: node %q has no reg property: %w", node.Name, ErrMalformed)
	}
	cells := prop.AsU32List()
	stride := int(addrCells + sizeCells)
	if stride == 0 || len(cells)%stride != 0 {
		return nil, fmt.Errorf("fdt: node %q reg has %d cells, stride %d: %w", node.Name, len(cells), stride, ErrMalformed)
	}

	var out []RegEntry
	for i := 0; i < len(cells); i += stride {
		entry := RegEntry{
			Address: joinCells(cells[i : i+int(addrCells)]),
			Size:    joinCells(cells[i+int(addrCells) : i+stride]),
		}
		out = append(out, entry)
	}
	return out, nil
}

// RangeEntry is one row of a ranges property: a child bus address (with
// its flags cell, when the child uses 3-cell addresses as PCI host
// bridges do), the parent address it maps to, and the length.
type RangeEntry struct {
	ChildFlags    uint32
	ChildAddress  uint64
	ParentAddress uint64
	Size          uint64
}

// Ranges decodes the ranges property of node. The child address width
// comes from the node's own #address-cells, the parent width from its
// parent's; a 3-cell child address splits into a flags cell plus a
// 64-bit address.
func (t *Tree) Ranges(node *Node) ([]RangeEntry, error) {
	parent := t.parentOf(node)

	parentCells := uint32(2)
	if parent != nil {
		if v, ok := cellCount(parent, "#address-cells"); ok {
			parentCells = v
		}
	}
	childCells, sizeCells := uint32(2), uint32(1)
	if v, ok := cellCount(node, "#address-cells"); ok {
		childCells = v
	}
	if v, ok := cellCount(node, "#size-cells"); ok {
		sizeCells = v
	}
	if childCells == 0 || childCells > 3 || parentCells == 0 || parentCells > 2 || sizeCells == 0 || sizeCells > 2 {
		return nil, fmt.Errorf("fdt: unsupported range cell counts %d/%d/%d for %q: %w",
			childCells, parentCells, sizeCells, node.Name, ErrMalformed)
	}

	prop, ok := node.Properties["ranges"]
	if !ok {
		return nil, nil
	}
	cells := prop.AsU32List()
	stride := int(childCells + parentCells + sizeCells)
	if len(cells)%stride != 0 {
		return nil, fmt.Errorf("fdt: node %q ranges has %d cells, stride %d: %w", node.Name, len(cells), stride, ErrMalformed)
	}

	var out []RangeEntry
	for i := 0; i < len(cells); i += stride {
		entry := RangeEntry{}
		child := cells[i : i+int(childCells)]
		if childCells == 3 {
			entry.ChildFlags = child[0]
			child = child[1:]
		}
		entry.ChildAddress = joinCells(child)
		entry.ParentAddress = joinCells(cells[i+int(childCells) : i+int(childCells+parentCells)])
		entry.Size = joinCells(cells[i+int(childCells+parentCells) : i+stride])
		out = append(out, entry)
	}
	return out, nil
}

// InterruptLines decodes the interrupts property of node assuming the GIC
// three-cell form, returning interrupt controller line numbers (SPIs offset
// by 32, PPIs by 16).
func (t *Tree) InterruptLines(node *Node) ([]uint32, error) {
	prop, ok := node.Properties["interrupts"]
	if !ok {
		return nil, nil
	}
	cells := prop.AsU32List()
	if len(cells)%3 != 0 {
		return nil, fmt.Errorf("fdt: node %q interrupts has %d cells, expected multiple of 3: %w", node.Name, len(cells), ErrMalformed)
	}

	var out []uint32
	for i := 0; i < len(cells); i += 3 {
		irqType, number := cells[i], cells[i+1]
		switch irqType {
		case irqTypeSPI:
			out = append(out, number+spiBase)
		case irqTypePPI:
			out = append(out, number+ppiBase)
		default:
			return nil, fmt.Errorf("fdt: node %q has unsupported interrupt type %d: %w", node.Name, irqType, ErrMalformed)
		}
	}
	return out, nil
}

func (t *Tree) parentOf(target *Node) *Node {
	var found *Node
	t.Visit(func(node, parent *Node) bool {
		if node == target {
			found = parent
			return false
		}
		return true
	})
	return found
}

func cellCount(node *Node, name string) (uint32, bool) {
	prop, ok := node.Properties[name]
	if !ok {
		return 0, false
	}
	return prop.AsU32()
}

func joinCells(cells []uint32) uint64 {
	var v uint64
	for _, c := range cells {
		v = v<<32 | uint64(c)
	}
	return v
}
