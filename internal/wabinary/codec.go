package wabinary

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Content type tags for the binary framing.
const (
	contentNone  = 0
	contentBytes = 1
	contentNodes = 2
)

// Marshal encodes a node tree into the length-delimited binary framing used
// on the websocket.
func Marshal(n Node) []byte {
	return appendNode(nil, n)
}

func appendNode(b []byte, n Node) []byte {
	b = protowire.AppendString(b, n.Description)

	// Deterministic attribute order keeps frames byte-stable.
	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b = protowire.AppendVarint(b, uint64(len(keys)))
	for _, k := range keys {
		b = protowire.AppendString(b, k)
		b = protowire.AppendString(b, n.Attrs[k])
	}

	switch content := n.Content.(type) {
	case nil:
		b = protowire.AppendVarint(b, contentNone)
	case []byte:
		b = protowire.AppendVarint(b, contentBytes)
		b = protowire.AppendBytes(b, content)
	case []Node:
		b = protowire.AppendVarint(b, contentNodes)
		b = protowire.AppendVarint(b, uint64(len(content)))
		for _, child := range content {
			b = appendNode(b, child)
		}
	default:
		// Unreachable by construction; encode as empty.
		b = protowire.AppendVarint(b, contentNone)
	}
	return b
}

// Unmarshal decodes a node tree produced by Marshal.
func Unmarshal(data []byte) (Node, error) {
	n, rest, err := consumeNode(data)
	if err != nil {
		return Node{}, err
	}
	if len(rest) != 0 {
		return Node{}, fmt.Errorf("wabinary: %d trailing bytes", len(rest))
	}
	return n, nil
}

func consumeNode(b []byte) (Node, []byte, error) {
	var n Node

	desc, m := protowire.ConsumeString(b)
	if m < 0 {
		return n, nil, fmt.Errorf("wabinary: truncated description")
	}
	n.Description = desc
	b = b[m:]

	count, m := protowire.ConsumeVarint(b)
	if m < 0 {
		return n, nil, fmt.Errorf("wabinary: truncated attribute count")
	}
	b = b[m:]
	if count > 0 {
		n.Attrs = make(Attrs, count)
	}
	for i := uint64(0); i < count; i++ {
		k, m := protowire.ConsumeString(b)
		if m < 0 {
			return n, nil, fmt.Errorf("wabinary: truncated attribute key")
		}
		b = b[m:]
		v, m := protowire.ConsumeString(b)
		if m < 0 {
			return n, nil, fmt.Errorf("wabinary: truncated attribute value")
		}
		b = b[m:]
		n.Attrs[k] = v
	}

	kind, m := protowire.ConsumeVarint(b)
	if m < 0 {
		return n, nil, fmt.Errorf("wabinary: truncated content tag")
	}
	b = b[m:]

	switch kind {
	case contentNone:
	case contentBytes:
		payload, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return n, nil, fmt.Errorf("wabinary: truncated byte content")
		}
		b = b[m:]
		n.Content = append([]byte(nil), payload...)
	case contentNodes:
		childCount, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return n, nil, fmt.Errorf("wabinary: truncated child count")
		}
		b = b[m:]
		children := make([]Node, 0, childCount)
		for i := uint64(0); i < childCount; i++ {
			child, rest, err := consumeNode(b)
			if err != nil {
				return n, nil, err
			}
			children = append(children, child)
			b = rest
		}
		n.Content = children
	default:
		return n, nil, fmt.Errorf("wabinary: unknown content tag %d", kind)
	}
	return n, b, nil
}
