package telemetry

// NodeKind distinguishes scalars from containers in a parse tree.
type NodeKind uint8

const (
	NodeScalar NodeKind = iota
	NodeObject
	NodeArray
)

// Member is one key of an object node, in document order.
type Member struct {
	Key   string
	Value *Node
}

// Node is an ordered JSON parse tree. Object members keep the order in which
// their keys first appeared in the document.
type Node struct {
	Kind    NodeKind
	Scalar  Value
	Members []Member
	Items   []*Node
}

// Get returns the member stored under key for object nodes.
func (n *Node) Get(key string) (*Node, bool) {
	if n == nil || n.Kind != NodeObject {
		return nil, false
	}
	for _, m := range n.Members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Path walks nested objects by key.
func (n *Node) Path(keys ...string) (*Node, bool) {
	cur := n
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// IsObject reports whether n is a non-nil object node.
func (n *Node) IsObject() bool { return n != nil && n.Kind == NodeObject }

// IsArray reports whether n is a non-nil array node.
func (n *Node) IsArray() bool { return n != nil && n.Kind == NodeArray }

// set assigns key, replacing the value of an earlier duplicate in place.
func (n *Node) set(key string, v *Node) {
	for i := range n.Members {
		if n.Members[i].Key == key {
			n.Members[i].Value = v
			return
		}
	}
	n.Members = append(n.Members, Member{Key: key, Value: v})
}
