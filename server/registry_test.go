package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySSELifecycle(t *testing.T) {
	r := newRegistry()
	c := newSSEClient("c1", "j1")

	r.addSSE(c)
	sse, _, _ := r.counts()
	assert.Equal(t, 1, sse)

	r.removeSSE("c1")
	sse, _, _ = r.counts()
	assert.Equal(t, 0, sse)

	// Idempotent: removing again does not panic on double close
	r.removeSSE("c1")

	select {
	case <-c.done:
	default:
		t.Fatal("removal should close the connection")
	}
}

func TestRegistryNamedClientReconnect(t *testing.T) {
	r := newRegistry()
	old := newWSClient("conn-1", "ext-1", nil)
	r.addDuplex(old)

	// Reconnect under the same external id before the old socket tears down
	fresh := newWSClient("conn-2", "ext-1", nil)
	r.addDuplex(fresh)

	// Old teardown must not clobber the fresh named entry
	r.removeDuplex(old)

	r.recordSubmitter("j1", "ext-1")
	got := r.submitterFor("j1")
	require.NotNil(t, got)
	assert.Equal(t, "conn-2", got.id)
}

func TestRegistrySubmitterMap(t *testing.T) {
	r := newRegistry()
	c := newWSClient("conn-1", "ext-1", nil)
	r.addDuplex(c)

	// Anonymous submitters are not recorded
	r.recordSubmitter("j0", "")
	assert.Nil(t, r.submitterFor("j0"))

	r.recordSubmitter("j1", "ext-1")
	require.NotNil(t, r.submitterFor("j1"))

	r.clearSubmitter("j1")
	assert.Nil(t, r.submitterFor("j1"))

	// Mapping to a departed client resolves to nil
	r.recordSubmitter("j2", "ext-1")
	r.removeDuplex(c)
	assert.Nil(t, r.submitterFor("j2"))
}

func TestConnTrySend(t *testing.T) {
	c := newConn("c1")

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.trySend([]byte("frame")))
	}
	// Queue full: reject rather than block
	assert.False(t, c.trySend([]byte("overflow")))

	c.close()
	c.close() // idempotent
	assert.False(t, c.trySend([]byte("after close")))
}

func TestMonitorWants(t *testing.T) {
	m := newMonitorConn("m1", nil)

	// Empty set matches everything
	assert.True(t, m.wants("jobs"))
	assert.True(t, m.wants("machines"))

	m.setTopics([]string{"jobs"})
	assert.True(t, m.wants("jobs"))
	assert.False(t, m.wants("workers"))

	// Prefix match: "job" covers "jobs"
	m.setTopics([]string{"job"})
	assert.True(t, m.wants("jobs"))

	m.setTopics([]string{"workers", "machines"})
	assert.False(t, m.wants("jobs"))
	assert.True(t, m.wants("machines"))
}
