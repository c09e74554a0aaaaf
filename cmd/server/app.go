package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/playmatatu/wordduel/internal/admin"
	"github.com/playmatatu/wordduel/internal/chain"
	"github.com/playmatatu/wordduel/internal/config"
	"github.com/playmatatu/wordduel/internal/database"
	"github.com/playmatatu/wordduel/internal/game"
	"github.com/playmatatu/wordduel/internal/ledger"
	"github.com/playmatatu/wordduel/internal/lock"
	"github.com/playmatatu/wordduel/internal/lockstore"
	"github.com/playmatatu/wordduel/internal/matchmaking"
	"github.com/playmatatu/wordduel/internal/migrations"
	"github.com/playmatatu/wordduel/internal/notify"
	"github.com/playmatatu/wordduel/internal/redis"
	"github.com/playmatatu/wordduel/internal/settlement"
)

// app holds every long-lived component of a process.
type app struct {
	cfg *config.Config
	log *logrus.Entry

	rdb      *goredis.Client
	db       *sqlx.DB
	queueOpt asynq.RedisClientOpt

	repo      ledger.Repository
	operators admin.Store
	chain     chain.Client
	sink      notify.Sink

	pairLocks    *lock.Locker
	settleLocks  *lock.Locker
	cleanupLocks *lock.Locker

	mgr       *game.Manager
	queue     *matchmaking.Queue
	policies  settlement.Policies
	client    *asynq.Client
	jobs      *settlement.Queue
	inspector *settlement.Inspector
}

// mockMode reports whether the ledger lives in process memory. Such a
// process must run its own workers since nothing else can see its matches.
func (a *app) mockMode() bool {
	return a.db == nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logrus.NewEntry(logger), policies: cfg.JobPolicies()}

	rdb, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.rdb = rdb
	if a.queueOpt, err = redis.QueueConnOpt(cfg.RedisURL); err != nil {
		a.close()
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := migrations.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, a.log); err != nil {
				a.close()
				return nil, err
			}
		}
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.db = db
		a.repo = ledger.NewPostgres(db)
		a.operators = admin.NewPostgresStore(db)
	} else {
		a.log.Warn("DATABASE_URL not set, using the in-memory ledger")
		a.repo = ledger.NewMemory()
		a.operators = admin.NewMemoryStore()
	}

	if cfg.ChainGatewayURL != "" {
		a.chain = chain.NewGateway(cfg.ChainGatewayURL, cfg.ChainGatewayKey, cfg.ChainTimeout, a.log)
	} else {
		a.log.Warn("CHAIN_GATEWAY_URL not set, using the mock chain client")
		a.chain = chain.NewMock()
	}
	a.sink = notify.NewRedisSink(rdb, a.log)

	store := lockstore.NewRedisStore(rdb)
	policies := cfg.LockPolicies()
	if a.pairLocks, err = lock.New(store, policies.Pairing, a.log); err != nil {
		a.close()
		return nil, err
	}
	if a.settleLocks, err = lock.New(store, policies.Settlement, a.log); err != nil {
		a.close()
		return nil, err
	}
	if a.cleanupLocks, err = lock.New(store, policies.Cleanup, a.log); err != nil {
		a.close()
		return nil, err
	}

	a.mgr = game.NewManager(a.repo, a.settleLocks, a.sink, game.Options{
		DepositDeadline: cfg.DepositDeadline,
		LockAttempts:    cfg.MutationLockAttempts,
		LockBackoff:     cfg.MutationLockBackoff,
	}, a.log)

	tiers, err := cfg.Tiers()
	if err != nil {
		a.close()
		return nil, err
	}
	a.queue, err = matchmaking.New(rdb, a.pairLocks, a.mgr, a.sink, matchmaking.Options{
		Tiers:          tiers,
		EvictionWindow: cfg.QueueEvictionWindow,
		LockAttempts:   cfg.JoinLockAttempts,
		LockBackoff:    cfg.JoinLockBackoff,
	}, a.log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.client = asynq.NewClient(a.queueOpt)
	a.jobs = settlement.NewQueue(a.client, a.policies, a.log)
	a.mgr.SetScheduler(a.jobs)
	a.inspector = settlement.NewInspector(asynq.NewInspector(a.queueOpt), a.policies)
	return a, nil
}

func (a *app) workers() (*settlement.Workers, error) {
	handlers, err := settlement.NewHandlers(settlement.HandlerDeps{
		Manager:      a.mgr,
		Ledger:       a.repo,
		Chain:        a.chain,
		ExecLocks:    a.settleLocks,
		CleanupLocks: a.cleanupLocks,
		Sink:         a.sink,
		Policies:     a.policies,
		Logger:       a.log,
	})
	if err != nil {
		return nil, err
	}
	return settlement.NewWorkers(a.queueOpt, handlers, a.policies, a.sink, a.log), nil
}

func (a *app) close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
