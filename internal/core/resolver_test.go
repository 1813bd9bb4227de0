package core

import (
	"context"
	"testing"

	"github.com/mikey-austin/nowbar/pkg/nb"
)

func TestResolverAlias(t *testing.T) {
	presence := []nb.Presence{{NodeID: "nb:study", Kind: nb.NodeKind, Name: "Study PC"}}
	resolver := Resolver{
		Presence: &stubBroker{presence: presence},
		Config: Config{
			Aliases: map[string]string{"pc": "nb:study"},
		},
	}
	got, err := resolver.ResolveNode(context.Background(), "pc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.NodeID != "nb:study" {
		t.Fatalf("expected alias resolution")
	}
}

func TestResolverBareID(t *testing.T) {
	presence := []nb.Presence{{NodeID: "nb:study", Kind: nb.NodeKind, Name: "Study PC"}}
	resolver := Resolver{Presence: &stubBroker{presence: presence}}
	got, err := resolver.ResolveNode(context.Background(), "study")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.NodeID != "nb:study" {
		t.Fatalf("expected id without prefix to match")
	}
}

func TestResolverAmbiguous(t *testing.T) {
	presence := []nb.Presence{
		{NodeID: "nb:one", Kind: nb.NodeKind, Name: "Laptop"},
		{NodeID: "nb:two", Kind: nb.NodeKind, Name: "Laptop"},
	}
	resolver := Resolver{Presence: &stubBroker{presence: presence}}
	_, err := resolver.ResolveNode(context.Background(), "Laptop")
	if ExitCode(err) != ExitUsage {
		t.Fatalf("expected ambiguous error, got %v", err)
	}
}

func TestResolverNotFound(t *testing.T) {
	resolver := Resolver{Presence: &stubBroker{}}
	if _, err := resolver.ResolveNode(context.Background(), "nb:gone"); ExitCode(err) != ExitNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := (Resolver{}).ResolveNode(context.Background(), "desk"); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error without broker, got %v", err)
	}
}
