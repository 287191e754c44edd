package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func main() {
	conf := parseFlags()

	logger, err := newLogger(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("cluster", conf.ClusterName), zap.String("node_id", conf.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, conf, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.String("store", conf.Store), zap.Error(err))
	}
	defer closeStore()

	switch conf.command {
	case "daemon":
		logger.Info("starting daemon", zap.Stringer("node", conf.local()), zap.String("store", conf.Store))
		err = daemon(ctx, store, conf, logger)
	case "reset":
		err = resetCluster(ctx, store, conf, logger)
	}
	if err != nil {
		logger.Fatal("fatal error", zap.String("command", conf.command), zap.Error(err))
	}
}

func newLogger(conf config) (*zap.Logger, error) {
	if conf.LogDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, conf config, logger *zap.Logger) (StateStore, func(), error) {
	switch conf.Store {
	case "etcd":
		etcdCli, err := clientv3.New(clientv3.Config{
			Endpoints:   conf.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd-client"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return NewEtcdBackend(etcdCli, conf.ClusterName, conf.NodeID, logger.Named("etcd")), func() { etcdCli.Close() }, nil

	case "dynamodb":
		awsConf, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		backend := NewDynamoDBBackend(dynamodb.NewFromConfig(awsConf), conf.DynamoDBTable, conf.ClusterName, conf.NodeID, logger.Named("dynamodb"))
		if err := backend.InitTable(ctx); err != nil {
			return nil, nil, err
		}
		return backend, func() {}, nil

	case "postgres":
		pool, err := connectPostgres(ctx, conf.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		backend := NewPostgresBackend(pool, conf.ClusterName, conf.NodeID, logger.Named("postgres"))
		if err := backend.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return backend, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q", conf.Store)
	}
}
