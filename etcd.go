package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"clusterd/cluster"
	"clusterd/election"
	"clusterd/master"
)

type EtcdBackend struct {
	client      *clientv3.Client
	clusterName string
	nodeID      string
	logger      *zap.Logger
}

func NewEtcdBackend(client *clientv3.Client, clusterName string, nodeID string, logger *zap.Logger) *EtcdBackend {
	return &EtcdBackend{
		client:      client,
		clusterName: clusterName,
		nodeID:      nodeID,
		logger:      logger,
	}
}

const etcdRvnKey = "/rvn"
const etcdLeaderKey = "/leader"
const etcdDurationMsKey = "/lease_duration_ms"

func (etcd *EtcdBackend) clusterPrefix() string {
	return "/" + etcd.clusterName
}

func (etcd *EtcdBackend) electionPrefix() string {
	return etcd.clusterPrefix() + "/election"
}

func (etcd *EtcdBackend) stateKey() string {
	return etcd.clusterPrefix() + "/state"
}

func (etcd *EtcdBackend) stateVersionKey() string {
	return etcd.clusterPrefix() + "/state-version"
}

func (etcd *EtcdBackend) metadataKey() string {
	return etcd.clusterPrefix() + "/metadata"
}

func (etcd *EtcdBackend) heartbeatsPrefix() string {
	return etcd.clusterPrefix() + "/node-heartbeats/"
}

func (etcd *EtcdBackend) CompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, next election.Lease) (bool, error) {
	compare := clientv3.Compare(clientv3.CreateRevision(etcd.electionPrefix()+etcdRvnKey), "=", 0)
	if prevRVN != nil {
		compare = clientv3.Compare(clientv3.Value(etcd.electionPrefix()+etcdRvnKey), "=", prevRVN.String())
	}

	txnResp, err := etcd.client.Txn(ctx).If(
		compare,
	).Then(
		clientv3.OpPut(etcd.electionPrefix()+etcdRvnKey, next.RevisionVersionNumber.String()),
		clientv3.OpPut(etcd.electionPrefix()+etcdLeaderKey, next.Holder),
		clientv3.OpPut(etcd.electionPrefix()+etcdDurationMsKey, strconv.FormatInt(next.Duration.Milliseconds(), 10)),
	).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to commit lease transaction: %w", err)
	}

	return txnResp.Succeeded, nil
}

func (etcd *EtcdBackend) FetchLease(ctx context.Context) (*election.Lease, error) {
	getResp, err := etcd.client.Get(ctx, etcd.electionPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get election keys from etcd: %w", err)
	}

	if len(getResp.Kvs) == 0 {
		return nil, nil
	}

	var lease election.Lease
	for _, kv := range getResp.Kvs {
		switch string(kv.Key) {
		case etcd.electionPrefix() + etcdRvnKey:
			lease.RevisionVersionNumber, err = uuid.Parse(string(kv.Value))
			if err != nil {
				return nil, fmt.Errorf("failed to parse RVN: %w", err)
			}
		case etcd.electionPrefix() + etcdLeaderKey:
			lease.Holder = string(kv.Value)
		case etcd.electionPrefix() + etcdDurationMsKey:
			durationMs, err := strconv.ParseInt(string(kv.Value), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse lease duration: %w", err)
			}
			lease.Duration = time.Duration(durationMs) * time.Millisecond
		default:
			etcd.logger.Warn("ignoring unexpected key in election prefix", zap.ByteString("key", kv.Key))
		}
	}
	if lease.RevisionVersionNumber == uuid.Nil || lease.Holder == "" || lease.Duration <= 0 {
		return nil, fmt.Errorf("incomplete lease data: %+v", lease)
	}

	return &lease, nil
}

// Publish writes next if the local node still holds the lease key and the
// published version is still prev's.
func (etcd *EtcdBackend) Publish(ctx context.Context, prev, next *cluster.State) error {
	versionCompare := clientv3.Compare(clientv3.CreateRevision(etcd.stateVersionKey()), "=", 0)
	if prev.Version() != 0 {
		versionCompare = clientv3.Compare(clientv3.Value(etcd.stateVersionKey()), "=", strconv.FormatInt(prev.Version(), 10))
	}

	stateBytes, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster state: %w", err)
	}

	txnResp, err := etcd.client.Txn(ctx).If(
		clientv3.Compare(clientv3.Value(etcd.electionPrefix()+etcdLeaderKey), "=", etcd.nodeID),
		versionCompare,
	).Then(
		clientv3.OpPut(etcd.stateVersionKey(), strconv.FormatInt(next.Version(), 10)),
		clientv3.OpPut(etcd.stateKey(), string(stateBytes)),
	).Else(
		clientv3.OpGet(etcd.electionPrefix()+etcdLeaderKey),
		clientv3.OpGet(etcd.stateVersionKey()),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to commit cluster state transaction: %w", err)
	}

	if !txnResp.Succeeded {
		var holder, version string
		if kvs := txnResp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
			holder = string(kvs[0].Value)
		}
		if kvs := txnResp.Responses[1].GetResponseRange().GetKvs(); len(kvs) > 0 {
			version = string(kvs[0].Value)
		}
		return fmt.Errorf("%w: lease held by [%s], published version [%s], expected [%d]",
			master.ErrNotMaster, holder, version, prev.Version())
	}

	return nil
}

func (etcd *EtcdBackend) FetchPublishedState(ctx context.Context) (*cluster.State, error) {
	return etcd.fetchState(ctx, etcd.stateKey())
}

func (etcd *EtcdBackend) ResetPublishedState(ctx context.Context, state *cluster.State) error {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster state: %w", err)
	}

	_, err = etcd.client.Txn(ctx).Then(
		clientv3.OpPut(etcd.stateVersionKey(), strconv.FormatInt(state.Version(), 10)),
		clientv3.OpPut(etcd.stateKey(), string(stateBytes)),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to reset cluster state: %w", err)
	}
	return nil
}

func (etcd *EtcdBackend) WriteMetadata(ctx context.Context, state *cluster.State) error {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster metadata: %w", err)
	}

	if _, err := etcd.client.Put(ctx, etcd.metadataKey(), string(stateBytes)); err != nil {
		return fmt.Errorf("failed to write cluster metadata to etcd: %w", err)
	}
	return nil
}

func (etcd *EtcdBackend) Recover(ctx context.Context) (*cluster.State, error) {
	return etcd.fetchState(ctx, etcd.metadataKey())
}

func (etcd *EtcdBackend) fetchState(ctx context.Context, key string) (*cluster.State, error) {
	resp, err := etcd.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var state cluster.State
	if err := json.Unmarshal(resp.Kvs[0].Value, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &state, nil
}

func (etcd *EtcdBackend) WriteNodeHeartbeat(ctx context.Context, heartbeat NodeHeartbeat) error {
	heartbeatBytes, err := json.Marshal(heartbeat)
	if err != nil {
		return fmt.Errorf("failed to marshal node heartbeat: %w", err)
	}

	if _, err := etcd.client.Put(ctx, etcd.heartbeatsPrefix()+heartbeat.Node.ID, string(heartbeatBytes)); err != nil {
		return fmt.Errorf("failed to write node heartbeat to etcd: %w", err)
	}
	return nil
}

func (etcd *EtcdBackend) RemoveNodeHeartbeat(ctx context.Context, nodeID string) error {
	if _, err := etcd.client.Delete(ctx, etcd.heartbeatsPrefix()+nodeID); err != nil {
		return fmt.Errorf("failed to delete node heartbeat from etcd: %w", err)
	}
	return nil
}

func (etcd *EtcdBackend) FetchNodeHeartbeats(ctx context.Context) ([]NodeHeartbeat, error) {
	resp, err := etcd.client.Get(ctx, etcd.heartbeatsPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get node heartbeats from etcd: %w", err)
	}

	heartbeats := make([]NodeHeartbeat, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodeID := strings.TrimPrefix(string(kv.Key), etcd.heartbeatsPrefix())
		var heartbeat NodeHeartbeat
		if err := json.Unmarshal(kv.Value, &heartbeat); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node heartbeat for %s: %w", nodeID, err)
		}
		if nodeID != heartbeat.Node.ID {
			return nil, fmt.Errorf("node heartbeat id mismatch: expected %s, got %s", nodeID, heartbeat.Node.ID)
		}
		heartbeats = append(heartbeats, heartbeat)
	}
	return heartbeats, nil
}
