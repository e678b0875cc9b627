package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSPublisher_PublishRecordCreated(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("intake.*.created", received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "intake", zap.NewNop())
	require.NoError(t, err)
	defer pub.Close()

	evt := RecordCreated{
		Kind:      "client",
		RecordID:  "rec-1",
		FlowID:    "flow-1",
		Phone:     "+5511999999999",
		Fields:    map[string]string{"nome": "Maria"},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, pub.PublishRecordCreated(context.Background(), evt))

	select {
	case msg := <-received:
		assert.Equal(t, "intake.client.created", msg.Subject)
		var got RecordCreated
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "rec-1", got.RecordID)
		assert.Equal(t, "Maria", got.Fields["nome"])
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub := NewNATSPublisher(nc, "")
	assert.Equal(t, "intake.project.created", pub.Subject("project"))
	assert.ErrorIs(t, pub.PublishRecordCreated(ctx, RecordCreated{Kind: "project"}), context.Canceled)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.PublishRecordCreated(context.Background(), RecordCreated{}))
	p.Close()
}
