package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"clusterd/allocation"
	"clusterd/cluster"
	"clusterd/master"
)

var (
	errIndexExists   = errors.New("index already exists")
	errIndexNotFound = errors.New("index not found")
	errInvalidIndex  = errors.New("invalid index request")
)

type createIndexRequest struct {
	Shards   int `json:"shards"`
	Replicas int `json:"replicas"`
}

func (r createIndexRequest) validate() error {
	if r.Shards < 1 {
		return fmt.Errorf("%w: shards must be at least 1, got %d", errInvalidIndex, r.Shards)
	}
	if r.Replicas < 0 {
		return fmt.Errorf("%w: replicas must not be negative, got %d", errInvalidIndex, r.Replicas)
	}
	return nil
}

// createIndex adds the index to the metadata and allocates its shards.
func createIndex(name string, req createIndexRequest, alloc allocation.Service, makeUUID func() uuid.UUID) master.UpdateFunc {
	return func(current *cluster.State) (*cluster.State, error) {
		if err := current.Blocks().GlobalBlockedError(cluster.LevelMetadataWrite); err != nil {
			return nil, err
		}
		if _, ok := current.Metadata().Index(name); ok {
			return nil, fmt.Errorf("%w: [%s]", errIndexExists, name)
		}

		metadata := current.Metadata().WithIndex(cluster.IndexMetadata{
			Name:     name,
			UUID:     makeUUID().String(),
			Shards:   req.Shards,
			Replicas: req.Replicas,
		})
		next := current.Builder().Metadata(metadata).Build()
		return alloc.Reroute(next, "index created ["+name+"]"), nil
	}
}

// deleteIndex removes the index and its shard copies.
func deleteIndex(name string, alloc allocation.Service) master.UpdateFunc {
	return func(current *cluster.State) (*cluster.State, error) {
		if err := current.Blocks().GlobalBlockedError(cluster.LevelMetadataWrite); err != nil {
			return nil, err
		}
		if _, ok := current.Metadata().Index(name); !ok {
			return nil, fmt.Errorf("%w: [%s]", errIndexNotFound, name)
		}

		next := current.Builder().Metadata(current.Metadata().WithoutIndex(name)).Build()
		return alloc.Reroute(next, "index deleted ["+name+"]"), nil
	}
}
