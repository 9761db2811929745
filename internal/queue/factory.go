// Package queue opens the configured platform queue driver.
package queue

import (
	"fmt"

	"go.uber.org/zap"

	"transactor/internal/config"
	"transactor/internal/infra/queue/kafka"
	"transactor/internal/infra/queue/memory"
	"transactor/internal/infra/queue/redis"
	queueapi "transactor/pkg/queue"
)

// Open returns the queue for cfg.Driver, or nil for "none".
func Open(cfg config.Queue, log *zap.SugaredLogger) (queueapi.Queue, error) {
	qc := queueapi.ParseConfig(cfg.Brokers, cfg.ClientID, cfg.Region)
	switch cfg.Driver {
	case "", "memory":
		return memory.New(qc, log), nil
	case "kafka":
		return kafka.New(qc, log)
	case "redis":
		return redis.New(cfg.RedisAddr, qc, log)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %s", cfg.Driver)
	}
}
