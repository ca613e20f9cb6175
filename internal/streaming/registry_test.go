package streaming

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRegistryListenerCountFloor(t *testing.T) {
	r := NewRegistry()
	r.TrackSession("dev-1", uuid.New(), 1)

	if n := r.DecListeners("dev-1"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
	if n := r.DecListeners("dev-1"); n != 0 {
		t.Fatalf("count after extra decrement = %d, want 0", n)
	}
	if n := r.IncListeners("dev-1"); n != 1 {
		t.Fatalf("count after increment = %d, want 1", n)
	}
}

func TestRegistryAddChunkRequiresSession(t *testing.T) {
	r := NewRegistry()

	if r.AddChunk("dev-1", 100) {
		t.Fatal("chunk counted without a session entry")
	}

	r.TrackSession("dev-1", uuid.New(), 1)
	if !r.AddChunk("dev-1", 100) {
		t.Fatal("chunk not counted with a live session")
	}
	if !r.AddChunk("dev-1", 50) {
		t.Fatal("second chunk not counted")
	}

	stats := r.StatsSnapshot()["dev-1"]
	if stats.Bytes != 150 || stats.Chunks != 2 {
		t.Fatalf("stats = %+v, want 150 bytes over 2 chunks", stats)
	}
}

func TestRegistryRemoveProducerOnlySameConn(t *testing.T) {
	r := NewRegistry()
	old := &fakeProducer{}
	fresh := &fakeProducer{}

	r.SetProducer("dev-1", old)
	r.SetProducer("dev-1", fresh) // device reconnected

	r.RemoveProducer("dev-1", old) // stale socket's close path
	if got, ok := r.Producer("dev-1"); !ok || got != ProducerConn(fresh) {
		t.Fatal("stale close path evicted the fresh producer handle")
	}

	r.RemoveProducer("dev-1", fresh)
	if _, ok := r.Producer("dev-1"); ok {
		t.Fatal("producer handle not removed")
	}
}

func TestRegistrySubscriberDedupe(t *testing.T) {
	r := NewRegistry()

	if !r.SetSubscriber("dev-1", func() {}) {
		t.Fatal("first subscriber rejected")
	}
	if r.SetSubscriber("dev-1", func() {}) {
		t.Fatal("duplicate subscriber accepted")
	}
	r.DropSubscriber("dev-1")
	if !r.SetSubscriber("dev-1", func() {}) {
		t.Fatal("subscriber rejected after drop")
	}
}

func TestRegistryBeginTeardown(t *testing.T) {
	r := NewRegistry()
	sessionID := uuid.New()
	cancelled := false

	r.TrackSession("dev-1", sessionID, 2)
	r.AddChunk("dev-1", 300)
	r.SetSubscriber("dev-1", func() { cancelled = true })

	finalBytes, hadStats, cancel := r.BeginTeardown("dev-1")
	if !hadStats || finalBytes != 300 {
		t.Fatalf("captured %d bytes (hadStats=%v), want 300", finalBytes, hadStats)
	}
	if cancel == nil {
		t.Fatal("no subscriber cancel returned")
	}
	cancel()
	if !cancelled {
		t.Fatal("returned cancel did not invoke the subscriber cancel")
	}

	if _, ok := r.SessionFor("dev-1"); ok {
		t.Fatal("session entry survived teardown")
	}
	if r.HasSubscriber("dev-1") {
		t.Fatal("subscriber entry survived teardown")
	}
	if len(r.StatsSnapshot()) != 0 {
		t.Fatal("accumulator survived teardown")
	}
	if r.AddChunk("dev-1", 100) {
		t.Fatal("chunk counted after teardown")
	}
}

func TestRegistryBeginTeardownNoStats(t *testing.T) {
	r := NewRegistry()
	r.TrackSession("dev-1", uuid.New(), 1)

	finalBytes, hadStats, cancel := r.BeginTeardown("dev-1")
	if hadStats || finalBytes != 0 {
		t.Fatalf("got bytes=%d hadStats=%v, want zero values", finalBytes, hadStats)
	}
	if cancel != nil {
		t.Fatal("unexpected subscriber cancel")
	}
}

func TestRegistryTouchFlush(t *testing.T) {
	r := NewRegistry()
	r.TrackSession("dev-1", uuid.New(), 1)
	r.AddChunk("dev-1", 10)

	at := time.Now().Add(time.Hour)
	r.TouchFlush("dev-1", at)

	if got := r.StatsSnapshot()["dev-1"].LastFlush; !got.Equal(at) {
		t.Fatalf("LastFlush = %v, want %v", got, at)
	}
}
