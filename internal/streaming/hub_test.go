package streaming

import (
	"testing"

	"go.uber.org/zap"
)

func newTestClient(id string) *ViewerClient {
	return &ViewerClient{
		ID:     id,
		send:   make(chan WSMessage, 8),
		logger: zap.NewNop(),
	}
}

func drain(c *ViewerClient) []WSMessage {
	var msgs []WSMessage
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestHubBroadcastReachesGroupOnly(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient("a")
	b := newTestClient("b")
	c := newTestClient("c")
	h.Register(a)
	h.Register(b)
	h.Register(c)

	h.Join("dev-1", "a")
	h.Join("dev-1", "b")
	h.Join("dev-2", "c")

	h.Broadcast("dev-1", EventListenerCountUpdate, listenerCountPayload{DeviceID: "dev-1", ListenerCount: 2})

	if got := drain(a); len(got) != 1 || got[0].Event != EventListenerCountUpdate {
		t.Fatalf("client a got %v", got)
	}
	if got := drain(b); len(got) != 1 {
		t.Fatalf("client b got %v", got)
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("client c outside the group got %v", got)
	}
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient("a")
	h.Register(a)
	h.Join("dev-1", "a")

	h.Leave("dev-1", "a")
	h.Broadcast("dev-1", EventAudioData, ChunkMessage{DeviceID: "dev-1"})

	if got := drain(a); len(got) != 0 {
		t.Fatalf("left client got %v", got)
	}
	if n := h.GroupSize("dev-1"); n != 0 {
		t.Fatalf("group size = %d, want 0", n)
	}
}

func TestHubUnregisterRemovesFromAllGroups(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient("a")
	h.Register(a)
	h.Join("dev-1", "a")
	h.Join("dev-2", "a")

	h.Unregister(a)

	if h.GroupSize("dev-1") != 0 || h.GroupSize("dev-2") != 0 {
		t.Fatal("unregister left the client in a group")
	}
	h.SendTo("a", EventStreamError, errorPayload{Message: "x"})
	if got := drain(a); len(got) != 0 {
		t.Fatalf("unregistered client got %v", got)
	}
}

func TestHubSendToUnknownClient(t *testing.T) {
	h := NewHub(nil)
	// Must not panic.
	h.SendTo("ghost", EventStreamError, errorPayload{Message: "x"})
}

func TestHubFullBufferDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	a := &ViewerClient{ID: "a", send: make(chan WSMessage, 1), logger: zap.NewNop()}
	h.Register(a)
	h.Join("dev-1", "a")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Broadcast("dev-1", EventAudioData, ChunkMessage{DeviceID: "dev-1", Sequence: int64(i)})
		}
		close(done)
	}()
	<-done

	if got := drain(a); len(got) != 1 {
		t.Fatalf("expected exactly the buffered message, got %d", len(got))
	}
}
