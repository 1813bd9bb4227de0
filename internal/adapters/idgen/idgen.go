package idgen

import "github.com/google/uuid"

// Generator creates random identifiers.
type Generator struct{}

// NewID returns a UUIDv4 string.
func (Generator) NewID() string {
	return uuid.NewString()
}

// ClientID returns an MQTT client id made of prefix and a short random suffix.
func (Generator) ClientID(prefix string) string {
	id := uuid.New()
	return prefix + "-" + id.String()[:8]
}
