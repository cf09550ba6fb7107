package voyager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Node.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindText
	KindList
	KindObject
)

// Node is an order-preserving view of a JSON payload. Object keys keep the
// order the upstream sent them in, which matters when description fragments
// are concatenated.
type Node struct {
	Kind Kind
	text string
	b    bool
	list []Node
	keys []string
	vals []Node
}

// Decode parses a JSON document into a Node tree.
func Decode(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	n, err := decodeNode(dec)
	if err != nil {
		return Node{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Node{}, fmt.Errorf("trailing data after json document")
	}
	return n, nil
}

func decodeNode(dec *json.Decoder) (Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return Node{}, err
	}
	switch v := tok.(type) {
	case nil:
		return Node{Kind: KindNull}, nil
	case bool:
		return Node{Kind: KindBool, b: v}, nil
	case json.Number:
		return Node{Kind: KindNumber, text: v.String()}, nil
	case string:
		return Node{Kind: KindText, text: v}, nil
	case json.Delim:
		switch v {
		case '[':
			n := Node{Kind: KindList}
			for dec.More() {
				child, err := decodeNode(dec)
				if err != nil {
					return Node{}, err
				}
				n.list = append(n.list, child)
			}
			if _, err := dec.Token(); err != nil {
				return Node{}, err
			}
			return n, nil
		case '{':
			n := Node{Kind: KindObject}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Node{}, err
				}
				key, _ := kt.(string)
				child, err := decodeNode(dec)
				if err != nil {
					return Node{}, err
				}
				n.keys = append(n.keys, key)
				n.vals = append(n.vals, child)
			}
			if _, err := dec.Token(); err != nil {
				return Node{}, err
			}
			return n, nil
		}
	}
	return Node{}, fmt.Errorf("unexpected json token %v", tok)
}

// IsNull reports whether the node is null or missing.
func (n Node) IsNull() bool { return n.Kind == KindNull }

// Field returns the value under key, or a null node.
func (n Node) Field(key string) Node {
	if n.Kind != KindObject {
		return Node{}
	}
	for i, k := range n.keys {
		if k == key {
			return n.vals[i]
		}
	}
	return Node{}
}

// Path walks nested object fields.
func (n Node) Path(keys ...string) Node {
	cur := n
	for _, k := range keys {
		cur = cur.Field(k)
		if cur.IsNull() {
			return cur
		}
	}
	return cur
}

// Items returns list elements; nil for non-lists.
func (n Node) Items() []Node {
	if n.Kind != KindList {
		return nil
	}
	return n.list
}

// Keys returns object keys in payload order.
func (n Node) Keys() []string {
	if n.Kind != KindObject {
		return nil
	}
	return n.keys
}

// Text returns the string value, or "" for non-text nodes.
func (n Node) Text() string {
	if n.Kind == KindText {
		return n.text
	}
	return ""
}

// Int returns the numeric value as an int64.
func (n Node) Int() (int64, bool) {
	switch n.Kind {
	case KindNumber:
		if v, err := strconv.ParseInt(n.text, 10, 64); err == nil {
			return v, true
		}
		if f, err := strconv.ParseFloat(n.text, 64); err == nil {
			return int64(f), true
		}
	case KindText:
		if v, err := strconv.ParseInt(strings.TrimSpace(n.text), 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// Bool returns the boolean value.
func (n Node) Bool() (bool, bool) {
	if n.Kind == KindBool {
		return n.b, true
	}
	return false, false
}

// Each calls fn for every object field in order.
func (n Node) Each(fn func(key string, v Node)) {
	if n.Kind != KindObject {
		return
	}
	for i, k := range n.keys {
		fn(k, n.vals[i])
	}
}

// structuralKeys never hold human readable prose: layout, styling,
// tracking and type metadata.
var structuralKeys = map[string]bool{
	"$type":              true,
	"$recipeTypes":       true,
	"entityUrn":          true,
	"trackingUrn":        true,
	"trackingId":         true,
	"controlName":        true,
	"attributes":         true,
	"attributesV2":       true,
	"textDirection":      true,
	"accessibilityText":  true,
	"style":              true,
	"styles":             true,
	"layout":             true,
	"image":              true,
	"logo":               true,
	"navigationUrl":      true,
	"actionTarget":       true,
	"lazyLoadedActions":  true,
	"trackingActionType": true,
	"tracking":           true,
}

// TextVisitor collects the string leaves stored under one of LeafKeys,
// skipping any subtree whose key is in Block.
type TextVisitor struct {
	LeafKeys map[string]bool
	Block    map[string]bool
}

// DefaultTextVisitor collects "text" leaves and skips structural keys.
func DefaultTextVisitor() TextVisitor {
	return TextVisitor{LeafKeys: map[string]bool{"text": true}, Block: structuralKeys}
}

// Collect walks n depth first and returns the collected text in order.
func (v TextVisitor) Collect(n Node) []string {
	var out []string
	v.walk(n, "", &out)
	return out
}

func (v TextVisitor) walk(n Node, key string, out *[]string) {
	if v.Block[key] {
		return
	}
	switch n.Kind {
	case KindText:
		if v.LeafKeys[key] {
			if s := strings.TrimSpace(n.text); s != "" {
				*out = append(*out, s)
			}
		}
	case KindList:
		for _, item := range n.list {
			v.walk(item, key, out)
		}
	case KindObject:
		for i, k := range n.keys {
			v.walk(n.vals[i], k, out)
		}
	}
}
