package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mikey-austin/nowbar/internal/media"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

type stubClock struct{}

func (stubClock) NowUnix() int64 { return 100 }

type stubIDGen struct{}

func (stubIDGen) NewID() string { return "id-1" }

type stubBroker struct {
	presence   []nb.Presence
	replies    map[string]nb.ReplyEnvelope
	lastNode   string
	lastCmd    nb.CommandEnvelope
	replyTopic string
	state      nb.State
}

func (s *stubBroker) ReplyTopic() string { return s.replyTopic }

func (s *stubBroker) PublishCommand(ctx context.Context, nodeID string, cmd nb.CommandEnvelope) (nb.ReplyEnvelope, error) {
	s.lastNode = nodeID
	s.lastCmd = cmd
	if reply, ok := s.replies[cmd.Type]; ok {
		return reply, nil
	}
	return nb.ReplyEnvelope{ID: cmd.ID, Type: "ack", OK: true, TS: 101}, nil
}

func (s *stubBroker) ListPresence(ctx context.Context) ([]nb.Presence, error) {
	return s.presence, nil
}

func (s *stubBroker) GetState(ctx context.Context, nodeID string) (nb.State, error) {
	s.lastNode = nodeID
	return s.state, nil
}

func (s *stubBroker) WatchState(ctx context.Context, nodeID string) (<-chan nb.State, <-chan nb.Event, <-chan error) {
	s.lastNode = nodeID
	stateCh := make(chan nb.State, 1)
	eventCh := make(chan nb.Event)
	errCh := make(chan error)
	stateCh <- s.state
	close(stateCh)
	close(eventCh)
	close(errCh)
	return stateCh, eventCh, errCh
}

type stubLocal struct {
	state   nb.State
	sendErr error
	sent    []string
}

func (l *stubLocal) State(context.Context) (nb.State, error) { return l.state, nil }

func (l *stubLocal) Send(_ context.Context, cmdType string) error {
	l.sent = append(l.sent, cmdType)
	return l.sendErr
}

func (l *stubLocal) WatchState(context.Context) (<-chan nb.State, <-chan nb.Event, <-chan error) {
	stateCh := make(chan nb.State, 1)
	stateCh <- l.state
	close(stateCh)
	return stateCh, nil, nil
}

var desk = nb.Presence{NodeID: "nb:desk", Kind: nb.NodeKind, Name: "Desk", Online: true}

func newRemoteService(broker *stubBroker) Service {
	return Service{
		Broker:   broker,
		Resolver: Resolver{Presence: broker},
		Clock:    stubClock{},
		IDGen:    stubIDGen{},
		Config:   Config{Identity: "tester"},
	}
}

func TestStatusPrefersLocalWithoutSelector(t *testing.T) {
	local := &stubLocal{state: nb.State{Current: &nb.SourceState{Key: "a", Title: "Song"}}}
	service := Service{Local: local}

	res, err := service.Status(context.Background(), "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if res.Node != nil || res.Source() != "local" {
		t.Fatalf("expected local result")
	}
	if res.State.Current == nil || res.State.Current.Title != "Song" {
		t.Fatalf("unexpected state %+v", res.State)
	}
}

func TestStatusResolvesRemoteNode(t *testing.T) {
	broker := &stubBroker{
		presence: []nb.Presence{desk, {NodeID: "nb:other", Kind: "zone", Name: "Desk"}},
		state:    nb.State{Sources: []nb.SourceState{{Key: "a"}}},
	}
	service := newRemoteService(broker)

	res, err := service.Status(context.Background(), "desk")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if broker.lastNode != desk.NodeID || res.Source() != "Desk" {
		t.Fatalf("expected desk node, got %s", broker.lastNode)
	}
	if len(res.State.Sources) != 1 {
		t.Fatalf("expected retained state")
	}
}

func TestDefaultNodeMakesCommandsRemote(t *testing.T) {
	broker := &stubBroker{presence: []nb.Presence{desk}, replyTopic: "nb/v1/reply/test"}
	service := newRemoteService(broker)
	service.Config.Defaults.Node = desk.NodeID

	res, err := service.Transport(context.Background(), "", nb.CommandNext)
	if err != nil {
		t.Fatalf("Transport: %v", err)
	}
	if res.Node != desk.NodeID {
		t.Fatalf("expected remote ack, got %+v", res)
	}
	cmd := broker.lastCmd
	if cmd.Type != nb.CommandNext || cmd.ID != "id-1" || cmd.TS != 100 || cmd.From != "tester" || cmd.ReplyTo != "nb/v1/reply/test" {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if err := nb.ValidateCommandEnvelope(cmd); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
}

func TestTransportMapsReplyErrors(t *testing.T) {
	broker := &stubBroker{
		presence: []nb.Presence{desk},
		replies: map[string]nb.ReplyEnvelope{
			nb.CommandToggle: {ID: "id-1", Type: "error", Err: &nb.ReplyError{Code: nb.CodeNoMedia, Message: "nothing playing"}},
		},
	}
	service := newRemoteService(broker)

	_, err := service.Transport(context.Background(), "nb:desk", nb.CommandToggle)
	if ExitCode(err) != ExitNoMedia {
		t.Fatalf("expected no media exit code, got %d (%v)", ExitCode(err), err)
	}

	if _, err := service.Transport(context.Background(), "nb:desk", "volume.set"); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestLocalTransportNoMedia(t *testing.T) {
	local := &stubLocal{sendErr: media.ErrNoCurrentSource}
	service := Service{Local: local}

	_, err := service.Transport(context.Background(), "", nb.CommandPrev)
	if ExitCode(err) != ExitNoMedia {
		t.Fatalf("expected no media exit code, got %v", err)
	}
	if len(local.sent) != 1 || local.sent[0] != nb.CommandPrev {
		t.Fatalf("expected prev to reach the local service")
	}
}

func TestFetchStateDecodesReply(t *testing.T) {
	body, err := json.Marshal(nb.State{StateVersion: 7})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	broker := &stubBroker{
		presence: []nb.Presence{desk},
		replies:  map[string]nb.ReplyEnvelope{nb.CommandGet: {ID: "id-1", Type: "ack", OK: true, Body: body}},
	}
	service := newRemoteService(broker)

	res, err := service.FetchState(context.Background(), "Desk")
	if err != nil {
		t.Fatalf("FetchState: %v", err)
	}
	if res.State.StateVersion != 7 {
		t.Fatalf("expected state version 7, got %d", res.State.StateVersion)
	}
}

func TestListNodesFiltersAndSorts(t *testing.T) {
	broker := &stubBroker{presence: []nb.Presence{
		{NodeID: "nb:zed", Kind: nb.NodeKind, Name: "Zed", Online: true},
		{NodeID: "zone:kitchen", Kind: "zone", Name: "Kitchen"},
		{NodeID: "nb:away", Kind: nb.NodeKind, Name: "Away"},
		desk,
	}}
	service := newRemoteService(broker)

	res, err := service.ListNodes(context.Background(), false)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(res.Nodes) != 3 || res.Nodes[0].Name != "Away" || res.Nodes[2].Name != "Zed" {
		t.Fatalf("unexpected nodes %+v", res.Nodes)
	}

	res, err = service.ListNodes(context.Background(), true)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("expected online nodes only, got %+v", res.Nodes)
	}

	if _, err := (Service{}).ListNodes(context.Background(), false); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error without broker")
	}
}

func TestWatchStatusRemote(t *testing.T) {
	broker := &stubBroker{presence: []nb.Presence{desk}, state: nb.State{StateVersion: 3}}
	service := newRemoteService(broker)

	node, states, _, _, err := service.WatchStatus(context.Background(), "desk")
	if err != nil {
		t.Fatalf("WatchStatus: %v", err)
	}
	if node == nil || node.NodeID != desk.NodeID {
		t.Fatalf("expected desk node")
	}
	if state := <-states; state.StateVersion != 3 {
		t.Fatalf("unexpected state %+v", state)
	}
}
