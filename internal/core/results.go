package core

import "github.com/mikey-austin/nowbar/pkg/nb"

// NodesResult holds a list of presence records.
type NodesResult struct {
	Nodes []nb.Presence
}

// StatusResult holds the state of one node. Node is nil for the local session bus.
type StatusResult struct {
	Node  *nb.Presence
	State nb.State
}

// Source names where a StatusResult came from.
func (r StatusResult) Source() string {
	if r.Node == nil {
		return "local"
	}
	if r.Node.Name != "" {
		return r.Node.Name
	}
	return r.Node.NodeID
}

// AckResult reports a command that was accepted.
type AckResult struct {
	Node    string
	Command string
}
