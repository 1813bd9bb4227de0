package core

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mikey-austin/nowbar/internal/ports"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

// Service orchestrates nb CLI use cases. Broker is nil when no broker is configured and Local is
// nil when the session bus is not in use.
type Service struct {
	Broker   ports.Broker
	Local    ports.Local
	Resolver Resolver
	Clock    ports.Clock
	IDGen    ports.IDGen
	Config   Config
}

// Remote reports whether selector targets a publisher rather than the local session bus.
func (s Service) Remote(selector string) bool {
	return selector != "" || s.Config.Defaults.Node != ""
}

// ListNodes returns nowbar publishers, sorted by name.
func (s Service) ListNodes(ctx context.Context, onlineOnly bool) (NodesResult, error) {
	if s.Broker == nil {
		return NodesResult{}, &CLIError{Code: ExitUsage, Msg: "no broker configured"}
	}
	nodes, err := s.Broker.ListPresence(ctx)
	if err != nil {
		return NodesResult{}, WrapError(ExitRuntime, "list nodes", err)
	}
	out := filterPresenceByKind(nodes, nb.NodeKind)
	if onlineOnly {
		filtered := out[:0]
		for _, node := range out {
			if node.Online {
				filtered = append(filtered, node)
			}
		}
		out = filtered
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].NodeID < out[j].NodeID
	})
	return NodesResult{Nodes: out}, nil
}

// Status returns the now-playing state of the local bus or a publisher.
func (s Service) Status(ctx context.Context, selector string) (StatusResult, error) {
	if !s.Remote(selector) {
		local, err := s.local()
		if err != nil {
			return StatusResult{}, err
		}
		state, err := local.State(ctx)
		if err != nil {
			return StatusResult{}, WrapError(ExitRuntime, "read media state", err)
		}
		return StatusResult{State: state}, nil
	}

	node, err := s.resolve(ctx, selector)
	if err != nil {
		return StatusResult{}, err
	}
	state, err := s.Broker.GetState(ctx, node.NodeID)
	if err != nil {
		return StatusResult{}, WrapError(ExitRuntime, "get node state", err)
	}
	return StatusResult{Node: &node, State: state}, nil
}

// WatchStatus streams state and events from the local bus or a publisher.
func (s Service) WatchStatus(ctx context.Context, selector string) (*nb.Presence, <-chan nb.State, <-chan nb.Event, <-chan error, error) {
	if !s.Remote(selector) {
		local, err := s.local()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		states, events, errs := local.WatchState(ctx)
		return nil, states, events, errs, nil
	}
	node, err := s.resolve(ctx, selector)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	states, events, errs := s.Broker.WatchState(ctx, node.NodeID)
	return &node, states, events, errs, nil
}

// Transport sends next, prev, toggle or refresh.
func (s Service) Transport(ctx context.Context, selector string, cmdType string) (AckResult, error) {
	switch cmdType {
	case nb.CommandNext, nb.CommandPrev, nb.CommandToggle, nb.CommandRefresh:
	default:
		return AckResult{}, &CLIError{Code: ExitUsage, Msg: "unknown command " + cmdType}
	}

	if !s.Remote(selector) {
		local, err := s.local()
		if err != nil {
			return AckResult{}, err
		}
		if err := local.Send(ctx, cmdType); err != nil {
			return AckResult{}, WrapError(ExitRuntime, cmdType, err)
		}
		return AckResult{Node: "local", Command: cmdType}, nil
	}

	node, err := s.resolve(ctx, selector)
	if err != nil {
		return AckResult{}, err
	}
	if _, err := s.send(ctx, node.NodeID, cmdType); err != nil {
		return AckResult{}, err
	}
	return AckResult{Node: node.NodeID, Command: cmdType}, nil
}

// FetchState asks a publisher for a fresh state instead of reading the retained one.
func (s Service) FetchState(ctx context.Context, selector string) (StatusResult, error) {
	if !s.Remote(selector) {
		return s.Status(ctx, selector)
	}
	node, err := s.resolve(ctx, selector)
	if err != nil {
		return StatusResult{}, err
	}
	reply, err := s.send(ctx, node.NodeID, nb.CommandGet)
	if err != nil {
		return StatusResult{}, err
	}
	var state nb.State
	if err := json.Unmarshal(reply.Body, &state); err != nil {
		return StatusResult{}, WrapError(ExitRuntime, "decode state reply", err)
	}
	return StatusResult{Node: &node, State: state}, nil
}

func (s Service) send(ctx context.Context, nodeID string, cmdType string) (nb.ReplyEnvelope, error) {
	cmd, err := nb.NewCommand(cmdType, nil)
	if err != nil {
		return nb.ReplyEnvelope{}, WrapError(ExitRuntime, "build command", err)
	}
	cmd = s.decorateCommand(cmd)
	reply, err := s.Broker.PublishCommand(ctx, nodeID, cmd)
	if err != nil {
		return nb.ReplyEnvelope{}, WrapError(ExitRuntime, "publish command", err)
	}
	if reply.Err != nil {
		return nb.ReplyEnvelope{}, ErrorForReplyCode(reply.Err.Code, reply.Err.Message)
	}
	return reply, nil
}

func (s Service) decorateCommand(cmd nb.CommandEnvelope) nb.CommandEnvelope {
	cmd.ID = s.IDGen.NewID()
	cmd.TS = s.Clock.NowUnix()
	cmd.From = s.Config.Identity
	cmd.ReplyTo = s.Broker.ReplyTopic()
	return cmd
}

func (s Service) resolve(ctx context.Context, selector string) (nb.Presence, error) {
	if selector == "" {
		selector = s.Config.Defaults.Node
	}
	return s.Resolver.ResolveNode(ctx, selector)
}

func (s Service) local() (ports.Local, error) {
	if s.Local == nil {
		return nil, &CLIError{Code: ExitRuntime, Msg: "local media session bus unavailable"}
	}
	return s.Local, nil
}
