package ably

import (
	"testing"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.stateChanged(StateConnected)
	m.transportAttempt(TransportWebSocket, "viable")
	m.resolved(3, true)
	m.idleTimeout()
	m.queueSizes(1, 2)
}

func TestMetrics_Collectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(
		WithRegistry(reg),
		WithNamespace("test"),
		WithConstLabels(prometheus.Labels{"app": "unit"}),
	)

	m.stateChanged(StateConnecting)
	m.stateChanged(StateConnected)
	m.stateChanged(StateConnected)
	m.transportAttempt(TransportPolling, "failed")
	m.resolved(3, true)
	m.resolved(2, false)
	m.resolved(0, false)
	m.idleTimeout()
	m.queueSizes(4, 7)

	equals(t, "connected", 2.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("connected")))
	equals(t, "connecting", 1.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("connecting")))
	equals(t, "attempts", 1.0, testutil.ToFloat64(m.transportAttempts.WithLabelValues("comet", "failed")))
	equals(t, "acks", 3.0, testutil.ToFloat64(m.acks.WithLabelValues("ack")))
	equals(t, "nacks", 2.0, testutil.ToFloat64(m.acks.WithLabelValues("nack")))
	equals(t, "idle", 1.0, testutil.ToFloat64(m.idleTimeouts))
	equals(t, "pending", 4.0, testutil.ToFloat64(m.pendingMessages))
	equals(t, "queued", 7.0, testutil.ToFloat64(m.queuedMessages))

	families, err := reg.Gather()
	ok(t, "gather", err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	equals(t, "namespaced", true, names["test_connection_state_transitions_total"])
	equals(t, "gauge", true, names["test_connection_pending_messages"])
}

func TestMetrics_ManagerReportsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(WithRegistry(reg))
	f := &fakeFactory{name: "fake", connect: connectAs("conn-1", "key-1")}
	m, _ := newTestManager(t, f, func(o *ClientOptions) { o.Metrics = metrics })

	onLoop(t, m, m.connect)
	sendAll(t, m, publishMsg("a"), publishMsg("b"))
	equals(t, "pending", 2.0, testutil.ToFloat64(metrics.pendingMessages))

	onLoop(t, m, func() {
		f.last().serverSays(&proto.ProtocolMessage{Action: proto.ActionAck, MsgSerial: 0, Count: 2})
	})

	equals(t, "viable", 1.0, testutil.ToFloat64(metrics.transportAttempts.WithLabelValues("fake", "viable")))
	equals(t, "connected", 1.0, testutil.ToFloat64(metrics.stateTransitions.WithLabelValues("connected")))
	equals(t, "acks", 2.0, testutil.ToFloat64(metrics.acks.WithLabelValues("ack")))
	equals(t, "drained", 0.0, testutil.ToFloat64(metrics.pendingMessages))
}
