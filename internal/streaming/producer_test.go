package streaming

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwatch/backend/internal/models"
)

func newConnectedProducer(f *fixture, hardwareID, deviceID string) *ProducerClient {
	return &ProducerClient{
		HardwareID: hardwareID,
		DeviceID:   deviceID,
		controller: f.controller,
		send:       make(chan WSMessage, 8),
		logger:     zap.NewNop(),
	}
}

// A device may multiplex frames for more than one alias over a single uplink;
// the device_id inside each payload decides routing, not the alias the
// connection authenticated with.
func TestProducerFramesRouteByPayloadDeviceID(t *testing.T) {
	f := newFixture(t)
	f.resolver.add("dev-1", "hw-1", "")
	f.resolver.add("dev-2", "hw-2", "")
	viewer := Viewer{UserID: uuid.New(), Username: "alice"}
	ctx := context.Background()

	f.controller.RequestStream(ctx, viewer, "dev-2", "client-a")
	sessionID, ok := f.registry.SessionFor("dev-2")
	if !ok {
		t.Fatal("no session tracked for dev-2")
	}

	// Connection authenticated as hw-1, payload names hw-2.
	p := newConnectedProducer(f, "hw-1", "dev-1")
	p.handleMessage(ctx, WSMessage{
		Event: EventStreamReady,
		Data:  mustRaw(map[string]string{"device_id": "hw-2", "session_id": sessionID.String()}),
	})

	if st := f.store.session(t, sessionID).Status; st != models.StreamStatusActive {
		t.Fatalf("status = %s, want %s", st, models.StreamStatusActive)
	}

	p.handleMessage(ctx, WSMessage{
		Event: EventAudioChunk,
		Data: mustRaw(map[string]interface{}{
			"device_id": "hw-2", "chunk": strings.Repeat("A", 400), "sequence": 1,
		}),
	})

	stats := f.registry.StatsSnapshot()
	if got := stats["dev-2"].Bytes; got != int64(400)*3/4 {
		t.Fatalf("dev-2 bytes = %d, want %d", got, int64(400)*3/4)
	}
	if _, counted := stats["dev-1"]; counted {
		t.Fatal("chunk counted under the connection's device instead of the payload's")
	}
}

func TestProducerFramesFallBackToConnectionAlias(t *testing.T) {
	f := newFixture(t)
	f.resolver.add("dev-1", "hw-1", "")
	viewer := Viewer{UserID: uuid.New(), Username: "alice"}
	ctx := context.Background()

	f.controller.RequestStream(ctx, viewer, "dev-1", "client-a")
	sessionID, _ := f.registry.SessionFor("dev-1")

	p := newConnectedProducer(f, "hw-1", "dev-1")
	p.handleMessage(ctx, WSMessage{
		Event: EventStreamReady,
		Data:  mustRaw(map[string]string{"session_id": sessionID.String()}),
	})

	if st := f.store.session(t, sessionID).Status; st != models.StreamStatusActive {
		t.Fatalf("status = %s, want %s", st, models.StreamStatusActive)
	}

	p.handleMessage(ctx, WSMessage{
		Event: EventAudioChunk,
		Data:  mustRaw(map[string]interface{}{"chunk": strings.Repeat("B", 800), "sequence": 1}),
	})

	if got := f.registry.StatsSnapshot()["dev-1"].Bytes; got != int64(800)*3/4 {
		t.Fatalf("dev-1 bytes = %d, want %d", got, int64(800)*3/4)
	}
}

func TestProducerStreamReadyRequiresSessionID(t *testing.T) {
	f := newFixture(t)
	f.resolver.add("dev-1", "hw-1", "")

	p := newConnectedProducer(f, "hw-1", "dev-1")
	p.handleMessage(context.Background(), WSMessage{
		Event: EventStreamReady,
		Data:  mustRaw(map[string]string{"device_id": "hw-1"}),
	})

	select {
	case msg := <-p.send:
		if msg.Event != EventStreamError {
			t.Fatalf("producer got %s, want %s", msg.Event, EventStreamError)
		}
	default:
		t.Fatal("ready frame without session_id was not rejected")
	}
}
