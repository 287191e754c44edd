package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func packet(t *testing.T, clusterName, sender string) []byte {
	t.Helper()
	data, err := json.Marshal(WakeupPacket{ClusterName: clusterName, SenderNode: sender, Version: 3})
	require.NoError(t, err)
	return data
}

func pending(w *WakeupManager) bool {
	select {
	case <-w.WakeupChannel():
		return true
	default:
		return false
	}
}

func TestWakeupManager_Handle(t *testing.T) {
	w := NewWakeupManager(0, "test", "A", zap.NewNop())

	w.handle([]byte("garbage"))
	assert.False(t, pending(w))

	w.handle(packet(t, "other", "B"))
	assert.False(t, pending(w), "wrong cluster")

	w.handle(packet(t, "test", "A"))
	assert.False(t, pending(w), "own packet")

	w.handle(packet(t, "test", "B"))
	w.handle(packet(t, "test", "C"))
	assert.True(t, pending(w))
	assert.False(t, pending(w), "wakeups coalesce")
}

func TestNodeHost(t *testing.T) {
	assert.Equal(t, "10.0.0.1", nodeHost("10.0.0.1:9300"))
	assert.Equal(t, "node-1", nodeHost("node-1"))
	assert.Equal(t, "::1", nodeHost("[::1]:9300"))
}
