package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"clusterd/cluster"
)

// WakeupPacket tells a node a new cluster state was published so it does
// not wait for its next reconciliation tick.
type WakeupPacket struct {
	ClusterName string `json:"cluster_name"`
	SenderNode  string `json:"sender_node"`
	Version     int64  `json:"version"`
}

// WakeupManager handles sending and receiving wakeup packets
type WakeupManager struct {
	port        int
	clusterName string
	nodeID      string
	logger      *zap.Logger
	wakeupChan  chan struct{}
}

func NewWakeupManager(port int, clusterName, nodeID string, logger *zap.Logger) *WakeupManager {
	return &WakeupManager{
		port:        port,
		clusterName: clusterName,
		nodeID:      nodeID,
		logger:      logger,
		wakeupChan:  make(chan struct{}, 1),
	}
}

// Listen receives wakeup packets until ctx is done.
func (w *WakeupManager) Listen(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: w.port})
	if err != nil {
		return fmt.Errorf("failed to listen on UDP port %d: %w", w.port, err)
	}
	defer conn.Close()

	buffer := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("returning ctx.Done() error in wakeup listener: %w", ctx.Err())
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			w.logger.Warn("error reading UDP packet", zap.Error(err))
			continue
		}

		w.handle(buffer[:n])
	}
}

func (w *WakeupManager) handle(data []byte) {
	var packet WakeupPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		w.logger.Warn("failed to unmarshal wakeup packet", zap.Error(err))
		return
	}

	if packet.ClusterName != w.clusterName {
		w.logger.Warn("received wakeup packet for wrong cluster",
			zap.String("sender", packet.SenderNode),
			zap.String("cluster_name", packet.ClusterName))
		return
	}
	if packet.SenderNode == w.nodeID {
		return
	}

	select {
	case w.wakeupChan <- struct{}{}:
		w.logger.Debug("received wakeup", zap.String("sender", packet.SenderNode), zap.Int64("version", packet.Version))
	default:
		// wakeup already pending
	}
}

func (w *WakeupManager) WakeupChannel() <-chan struct{} {
	return w.wakeupChan
}

// SendWakeupToNodes notifies every node of state except the local one.
func (w *WakeupManager) SendWakeupToNodes(state *cluster.State) {
	data, err := json.Marshal(WakeupPacket{
		ClusterName: w.clusterName,
		SenderNode:  w.nodeID,
		Version:     state.Version(),
	})
	if err != nil {
		w.logger.Warn("failed to marshal wakeup packet", zap.Error(err))
		return
	}

	for _, node := range state.Nodes().All() {
		if node.ID == w.nodeID {
			continue
		}
		host := nodeHost(node.Address)
		if host == "" {
			continue
		}

		go func() {
			conn, err := net.Dial("udp", net.JoinHostPort(host, strconv.Itoa(w.port)))
			if err != nil {
				w.logger.Debug("failed to connect for wakeup", zap.String("host", host), zap.Error(err))
				return
			}
			defer conn.Close()

			conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
			if _, err := conn.Write(data); err != nil {
				w.logger.Debug("failed to send wakeup", zap.String("host", host), zap.Error(err))
			}
		}()
	}
}

// nodeHost strips the port from a node address.
func nodeHost(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
