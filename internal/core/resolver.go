package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mikey-austin/nowbar/internal/ports"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

const nodePrefix = "nb:"

// Resolver resolves selectors to node presence.
type Resolver struct {
	Presence ports.Broker
	Config   Config
}

// ResolveNode resolves a publisher selector. The caller handles the empty selector.
func (r Resolver) ResolveNode(ctx context.Context, selector string) (nb.Presence, error) {
	if r.Presence == nil {
		return nb.Presence{}, &CLIError{Code: ExitUsage, Msg: "no broker configured"}
	}
	presence, err := r.Presence.ListPresence(ctx)
	if err != nil {
		return nb.Presence{}, WrapError(ExitRuntime, "list presence", err)
	}
	return resolveSelector(selector, filterPresenceByKind(presence, nb.NodeKind), r.Config.Aliases)
}

func filterPresenceByKind(presence []nb.Presence, kind string) []nb.Presence {
	out := make([]nb.Presence, 0, len(presence))
	for _, p := range presence {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func resolveSelector(selector string, presence []nb.Presence, aliases map[string]string) (nb.Presence, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nb.Presence{}, &CLIError{Code: ExitUsage, Msg: "selector required"}
	}

	if alias, ok := aliases[selector]; ok {
		selector = alias
	}
	if strings.HasPrefix(selector, nodePrefix) {
		return resolveExact(selector, presence)
	}

	var matches []nb.Presence
	for _, p := range presence {
		if strings.EqualFold(p.Name, selector) || strings.EqualFold(p.NodeID, nodePrefix+selector) {
			matches = append(matches, p)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nb.Presence{}, &CLIError{Code: ExitNotFound, Msg: fmt.Sprintf("no node matches %q", selector)}
	default:
		return nb.Presence{}, &CLIError{Code: ExitUsage, Msg: fmt.Sprintf("ambiguous selector %q: %s", selector, suggestionList(matches))}
	}
}

func resolveExact(nodeID string, presence []nb.Presence) (nb.Presence, error) {
	for _, p := range presence {
		if p.NodeID == nodeID {
			return p, nil
		}
	}
	return nb.Presence{}, &CLIError{Code: ExitNotFound, Msg: fmt.Sprintf("node not found: %s", nodeID)}
}

func suggestionList(matches []nb.Presence) string {
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		names = append(names, fmt.Sprintf("%s (%s)", p.Name, p.NodeID))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
