package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/mikey-austin/nowbar/pkg/nb"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestHandleReplyRoutesByID(t *testing.T) {
	c := &Client{replies: map[string]chan nb.ReplyEnvelope{}}
	ch := make(chan nb.ReplyEnvelope, 1)
	c.replies["c1"] = ch

	other, _ := json.Marshal(nb.ReplyEnvelope{ID: "c2", OK: true})
	c.handleReply(nil, fakeMessage{payload: other})
	c.handleReply(nil, fakeMessage{payload: []byte("{broken")})
	select {
	case reply := <-ch:
		t.Fatalf("unexpected reply %+v", reply)
	default:
	}

	mine, _ := json.Marshal(nb.ReplyEnvelope{ID: "c1", OK: true})
	c.handleReply(nil, fakeMessage{payload: mine})
	select {
	case reply := <-ch:
		if !reply.OK {
			t.Fatalf("unexpected reply %+v", reply)
		}
	default:
		t.Fatalf("expected reply to be delivered")
	}
}

func TestDecodeToDropsBadPayloads(t *testing.T) {
	var got []nb.Presence
	handler := decodeTo(func(p nb.Presence) { got = append(got, p) })

	handler(nil, fakeMessage{payload: []byte("nope")})
	payload, _ := json.Marshal(nb.Presence{NodeID: "nb:desk", Online: true})
	handler(nil, fakeMessage{payload: payload})

	if len(got) != 1 || got[0].NodeID != "nb:desk" || !got[0].Online {
		t.Fatalf("unexpected decode result %+v", got)
	}
}
