package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

const refreshLockKey = "wgagent:catalog:refresh:lock"

// Scheduler periodically merges learned workflows written by other replicas
// into the in-memory catalog. A Redis lock ensures one refresh per tick
// across the deployment.
type Scheduler struct {
	Catalog *workflow.Catalog
	Rdb     *redis.Client
	Expr    *cronexpr.Expression
	Stop    chan struct{}
	logger  *log.Logger
}

func NewScheduler(catalog *workflow.Catalog, rdb *redis.Client, cronSpec string) (*Scheduler, error) {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		Catalog: catalog,
		Rdb:     rdb,
		Expr:    expr,
		Stop:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}, nil
}

func (s *Scheduler) Start() {
	go s.loop()
}

func (s *Scheduler) loop() {
	for {
		next := s.Expr.Next(time.Now())
		if next.IsZero() {
			s.logger.Printf("cron expression yields no next run, scheduler stopping")
			return
		}
		select {
		case <-s.Stop:
			return
		case <-time.After(time.Until(next)):
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, refreshLockKey, "1", time.Minute).Result()
		if err != nil {
			s.logger.Printf("refresh lock unavailable: %v", err)
			return
		}
		if !ok {
			return
		}
	}
	if err := s.Catalog.RefreshFromStore(ctx); err != nil {
		s.logger.Printf("catalog refresh failed: %v", err)
		return
	}
	s.logger.Printf("catalog refreshed")
}
