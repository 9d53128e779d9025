// Package wabinary implements the attribute-tree nodes that WhatsApp stanzas
// are built from, plus a compact binary codec for framing them on the wire.
package wabinary

// Node is one element of the stanza tree: a description, a flat attribute map
// and either raw bytes or child nodes as content.
type Node struct {
	Description string
	Attrs       Attrs
	Content     any // nil, []byte, or []Node
}

// New returns a node with attributes and child nodes.
func New(description string, attrs Attrs, children ...Node) Node {
	n := Node{Description: description, Attrs: attrs}
	if len(children) > 0 {
		n.Content = children
	}
	return n
}

// NewBytes returns a node whose content is a raw byte payload.
func NewBytes(description string, attrs Attrs, content []byte) Node {
	return Node{Description: description, Attrs: attrs, Content: content}
}

// Children returns the child nodes, or nil when the content is not a node list.
func (n *Node) Children() []Node {
	children, _ := n.Content.([]Node)
	return children
}

// Bytes returns the raw content, or nil when the content is not bytes.
func (n *Node) Bytes() []byte {
	b, _ := n.Content.([]byte)
	return b
}

// FindNode returns the first direct child with the given description.
func (n *Node) FindNode(description string) (*Node, bool) {
	children := n.Children()
	for i := range children {
		if children[i].Description == description {
			return &children[i], true
		}
	}
	return nil, false
}

// FindNodes returns all direct children with the given description.
func (n *Node) FindNodes(description string) []*Node {
	var out []*Node
	children := n.Children()
	for i := range children {
		if children[i].Description == description {
			out = append(out, &children[i])
		}
	}
	return out
}

// HasNode reports whether a direct child with the given description exists.
func (n *Node) HasNode(description string) bool {
	_, ok := n.FindNode(description)
	return ok
}
