// Command clusterbench measures how many cluster state updates per second a
// master service commits when several clients submit concurrently, and how
// well it batches them into publications.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clusterd/cluster"
	"clusterd/master"
)

func main() {
	postgresURL := flag.String("postgres", "", "PostgreSQL connection string; also benchmarks publishing to PostgreSQL when set")
	duration := flag.Duration("duration", 5*time.Second, "Duration to run each benchmark")
	clients := flag.Int("clients", 8, "Number of concurrent clients")
	publishDelay := flag.Duration("publish-delay", 0, "Artificial latency added to every in-memory publication")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	publishers := []benchmarkPublisher{&memoryPublisher{delay: *publishDelay}}
	if *postgresURL != "" {
		pub, err := newPostgresPublisher(ctx, *postgresURL)
		if err != nil {
			logger.Fatal("failed to set up PostgreSQL publisher", zap.Error(err))
		}
		defer pub.Close(ctx)
		publishers = append(publishers, pub)
	}

	logger.Info("starting benchmarks", zap.Duration("duration", *duration), zap.Int("clients", *clients))
	for _, pub := range publishers {
		if err := runBenchmark(ctx, pub, *duration, *clients, logger.Named(pub.Name())); err != nil {
			logger.Fatal("benchmark failed", zap.String("publisher", pub.Name()), zap.Error(err))
		}
	}
}

type benchmarkPublisher interface {
	master.Publisher
	Name() string
	Publications() int64
}

func runBenchmark(ctx context.Context, pub benchmarkPublisher, duration time.Duration, clients int, logger *zap.Logger) error {
	local := cluster.Node{ID: "bench", Name: "bench", Address: "127.0.0.1:9300", Roles: []cluster.Role{cluster.RoleMaster, cluster.RoleData}}
	initial := cluster.Initial("clusterbench", local)
	initial = initial.Builder().Blocks(cluster.EmptyBlocks()).Build()

	svc := master.New(master.Config{LocalNode: local, Publisher: pub, Logger: logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))}, initial)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go svc.Run(runCtx)
	svc.BecomeMaster(nil)

	var committed, failed atomic.Int64
	var counter atomic.Int64
	deadline := time.Now().Add(duration)
	start := time.Now()
	startPublications := pub.Publications()

	g, gCtx := errgroup.WithContext(ctx)
	for range clients {
		g.Go(func() error {
			for time.Now().Before(deadline) {
				name := fmt.Sprintf("index_%d", counter.Add(1))
				ch := svc.SubmitUpdate("bench-create ["+name+"]", master.PriorityNormal, 10*time.Second, addIndex(name))
				select {
				case res := <-ch:
					if res.Outcome != master.OutcomeSuccess {
						failed.Add(1)
						logger.Warn("update failed", zap.String("index", name), zap.Error(res.Err))
						continue
					}
					committed.Add(1)
				case <-gCtx.Done():
					return gCtx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	publications := pub.Publications() - startPublications
	logger.Info("benchmark finished",
		zap.Int64("committed", committed.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Int64("publications", publications),
		zap.Duration("elapsed", elapsed),
		zap.Float64("updates_per_sec", float64(committed.Load())/elapsed.Seconds()),
		zap.Float64("updates_per_publication", float64(committed.Load())/float64(max(publications, 1))))
	return nil
}

func addIndex(name string) master.UpdateFunc {
	return func(current *cluster.State) (*cluster.State, error) {
		metadata := current.Metadata().WithIndex(cluster.IndexMetadata{Name: name, UUID: name, Shards: 1})
		return current.Builder().Metadata(metadata).Build(), nil
	}
}

type memoryPublisher struct {
	delay        time.Duration
	publications atomic.Int64
}

func (p *memoryPublisher) Name() string { return "memory" }

func (p *memoryPublisher) Publications() int64 { return p.publications.Load() }

func (p *memoryPublisher) Publish(ctx context.Context, prev, next *cluster.State) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.publications.Add(1)
	return nil
}

// postgresPublisher appends every published state to a table, which is
// roughly the write the postgres state store makes per publication.
type postgresPublisher struct {
	conn         *pgx.Conn
	publications atomic.Int64
}

func newPostgresPublisher(ctx context.Context, url string) (*postgresPublisher, error) {
	pgConfig, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}
	// N.B. Use QueryExecModeExec because the default uses statement
	// caching, which doesn't work with pgbouncer.
	pgConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	pgConfig.ConnectTimeout = 2 * time.Second

	conn, err := pgx.ConnectConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	query := `
DROP TABLE IF EXISTS clusterbench_states;
CREATE TABLE clusterbench_states (
  version BIGINT PRIMARY KEY,
  state JSONB NOT NULL
);`
	if _, err := conn.Exec(ctx, query); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to create benchmark table: %w", err)
	}
	return &postgresPublisher{conn: conn}, nil
}

func (p *postgresPublisher) Name() string { return "postgres" }

func (p *postgresPublisher) Publications() int64 { return p.publications.Load() }

func (p *postgresPublisher) Publish(ctx context.Context, prev, next *cluster.State) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := p.conn.Exec(ctx, "INSERT INTO clusterbench_states (version, state) VALUES ($1, $2)", next.Version(), data); err != nil {
		return fmt.Errorf("failed to insert state: %w", err)
	}
	p.publications.Add(1)
	return nil
}

func (p *postgresPublisher) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}
