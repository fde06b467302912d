// internal/broker/broker_test.go
package broker

import (
	"context"
	"testing"
	"time"

	"taskqueue-workers/internal/common/config"
	"taskqueue-workers/internal/common/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		BrokerURL:                "redis://localhost:6379/0",
		ResultBackend:            "redis://localhost:6379/0",
		AcceptContent:            []string{"json"},
		TaskSerializer:           "json",
		ResultSerializer:         "json",
		EnableUTC:                true,
		ResultExpires:            3600,
		DefaultQueue:             "default",
		TaskRoutes:               map[string]config.RouteConfig{},
		WorkerPrefetchMultiplier: 1,
		TaskAcksLate:             true,
	}
}

func newTestBroker(t *testing.T, qcfg config.QueueConfig) (*Broker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	b, err := New(client, qcfg, "UTC", logger.NewTestLogger(t))
	require.NoError(t, err)
	return b, mr, client
}

type testPayload struct {
	UserID string `json:"userId"`
}

// ==========================
// Enqueue Tests
// ==========================

func TestBroker_Enqueue_RoutesToConfiguredQueue(t *testing.T) {
	qcfg := testQueueConfig()
	qcfg.TaskRoutes = map[string]config.RouteConfig{
		"reports.generate": {Queue: "heavy", Priority: 5},
	}
	b, _, client := newTestBroker(t, qcfg)
	ctx := context.Background()

	msg, err := b.Enqueue(ctx, "reports.generate", testPayload{UserID: "u-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "heavy", msg.Queue)
	assert.Equal(t, 5, msg.Priority)
	assert.Equal(t, "application/json", msg.ContentType)

	n, err := client.LLen(ctx, "tq:queue:heavy").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	length, err := b.QueueLength(ctx, "heavy")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestBroker_Enqueue_DefaultQueue(t *testing.T) {
	b, _, _ := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	msg, err := b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-2"})
	require.NoError(t, err)
	assert.Equal(t, "default", msg.Queue)

	length, err := b.QueueLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

// ==========================
// Reserve / Ack Tests
// ==========================

func TestBroker_ReserveAck_LateAck(t *testing.T) {
	b, _, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	enqueued, err := b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-3"})
	require.NoError(t, err)

	msg, err := b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, msg.ID)

	// Reserved message is parked in the processing list until acked.
	n, err := client.LLen(ctx, "tq:processing:consumer-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, b.Ack(ctx, "consumer-1", msg))

	n, err = client.LLen(ctx, "tq:processing:consumer-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestBroker_Reserve_EarlyAck(t *testing.T) {
	qcfg := testQueueConfig()
	qcfg.TaskAcksLate = false
	b, _, client := newTestBroker(t, qcfg)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-4"})
	require.NoError(t, err)

	msg, err := b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// No processing list in early-ack mode; the pop was the ack.
	n, err := client.LLen(ctx, "tq:processing:consumer-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	assert.NoError(t, b.Ack(ctx, "consumer-1", msg))
}

func TestBroker_Reserve_Timeout(t *testing.T) {
	b, _, _ := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	_, err := b.Reserve(ctx, []string{"default"}, "consumer-1", 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBroker_Reserve_MultipleQueuesInOrder(t *testing.T) {
	qcfg := testQueueConfig()
	qcfg.TaskRoutes = map[string]config.RouteConfig{
		"b.task": {Queue: "second"},
	}
	b, _, _ := newTestBroker(t, qcfg)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "b.task", testPayload{UserID: "u-5"})
	require.NoError(t, err)

	msg, err := b.Reserve(ctx, []string{"first", "second"}, "consumer-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b.task", msg.Task)
	assert.Equal(t, "second", msg.Queue)
}

// ==========================
// Requeue / Dead-letter Tests
// ==========================

func TestBroker_Requeue_IncrementsRetries(t *testing.T) {
	b, _, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-6"})
	require.NoError(t, err)

	msg, err := b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, msg.Retries)

	require.NoError(t, b.Requeue(ctx, "consumer-1", msg))

	// Processing list is drained, message is back on the queue.
	n, err := client.LLen(ctx, "tq:processing:consumer-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	again, err := b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, 1, again.Retries)
}

func TestBroker_DeadLetter(t *testing.T) {
	b, _, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-7"})
	require.NoError(t, err)

	msg, err := b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, b.DeadLetter(ctx, "consumer-1", msg))

	n, err := client.LLen(ctx, "tq:processing:consumer-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	deadLen, err := b.DeadLetterLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deadLen)

	purged, err := b.PurgeDeadLetters(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	deadLen, err = b.DeadLetterLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 0, deadLen)
}

// ==========================
// Validation / Quarantine Tests
// ==========================

func TestBroker_Reserve_QuarantinesInvalidEnvelope(t *testing.T) {
	b, _, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	// A foreign producer pushed garbage onto the queue.
	require.NoError(t, client.LPush(ctx, "tq:queue:default", "not json at all").Err())

	_, err := b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.Error(t, err)

	deadLen, err := b.DeadLetterLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deadLen)

	// Nothing left stranded in the processing list.
	n, err := client.LLen(ctx, "tq:processing:consumer-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestBroker_Reserve_RejectsUnacceptedContentType(t *testing.T) {
	b, _, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	raw := `{"id":"x-1","task":"t","queue":"default","contentType":"application/x-python-serialize","body":null,"enqueuedAt":"2026-01-02T03:04:05Z","retries":0,"maxRetries":0}`
	require.NoError(t, client.LPush(ctx, "tq:queue:default", raw).Err())

	_, err := b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accept_content")

	deadLen, err := b.DeadLetterLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deadLen)
}

// ==========================
// Crash Recovery Tests
// ==========================

func TestBroker_RecoverProcessing(t *testing.T) {
	b, _, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	_, err := b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-8"})
	require.NoError(t, err)
	_, err = b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-9"})
	require.NoError(t, err)

	// Reserve both, then "crash" without acking.
	_, err = b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.NoError(t, err)
	_, err = b.Reserve(ctx, []string{"default"}, "consumer-1", time.Second)
	require.NoError(t, err)

	length, err := b.QueueLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)

	recovered, err := b.RecoverProcessing(ctx, "consumer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	length, err = b.QueueLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 2, length)

	n, err := client.LLen(ctx, "tq:processing:consumer-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestBroker_RecoverStale(t *testing.T) {
	b, _, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	// One message reserved by a consumer that died without a liveness key,
	// one by a consumer that is still heartbeating.
	_, err := b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-10"})
	require.NoError(t, err)
	_, err = b.Reserve(ctx, []string{"default"}, "worker-dead", time.Second)
	require.NoError(t, err)

	require.NoError(t, b.RegisterConsumer(ctx, "worker-alive"))
	_, err = b.Enqueue(ctx, "imports.csv", testPayload{UserID: "u-11"})
	require.NoError(t, err)
	_, err = b.Reserve(ctx, []string{"default"}, "worker-alive", time.Second)
	require.NoError(t, err)

	recovered, err := b.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// The dead consumer's message is back on the queue, the live consumer's
	// reservation is untouched.
	length, err := b.QueueLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	n, err := client.LLen(ctx, "tq:processing:worker-dead").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = client.LLen(ctx, "tq:processing:worker-alive").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBroker_ConsumerLiveness(t *testing.T) {
	b, mr, client := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	require.NoError(t, b.RegisterConsumer(ctx, "worker-1"))
	assert.Equal(t, ConsumerTTL, mr.TTL("tq:consumer:worker-1"))

	require.NoError(t, b.DeregisterConsumer(ctx, "worker-1"))
	n, err := client.Exists(ctx, "tq:consumer:worker-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestBroker_EnqueueDelayed(t *testing.T) {
	b, _, _ := newTestBroker(t, testQueueConfig())
	ctx := context.Background()

	eta := time.Now().Add(time.Hour)
	msg, err := b.EnqueueDelayed(ctx, "reports.nightly", testPayload{UserID: "u-12"}, eta)
	require.NoError(t, err)

	require.NotNil(t, msg.ETA)
	assert.True(t, msg.ETA.Equal(eta))

	length, err := b.QueueLength(ctx, "default")
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestNewBroker_InvalidSettings(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	qcfg := testQueueConfig()
	qcfg.TaskSerializer = "pickle"
	_, err := New(client, qcfg, "UTC", logger.NewNoOpLogger())
	assert.Error(t, err)

	qcfg = testQueueConfig()
	qcfg.AcceptContent = []string{"msgpack"}
	_, err = New(client, qcfg, "UTC", logger.NewNoOpLogger())
	assert.Error(t, err)

	qcfg = testQueueConfig()
	_, err = New(client, qcfg, "Mars/Olympus", logger.NewNoOpLogger())
	assert.Error(t, err)
}
