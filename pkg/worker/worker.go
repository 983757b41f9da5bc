package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aridsondez/leaseq/pkg/client"
	"github.com/aridsondez/leaseq/pkg/logger"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (the message is completed).
// Returning an error means failure (the lease is left to lapse and the
// message is claimed again later).
type HandlerFunc func(ctx context.Context, msg *client.Message) error

// Worker manages message processing from queues
type Worker struct {
	client     *client.Client
	handlers   map[string]HandlerFunc
	pollDelay  time.Duration
	visibility time.Duration
	claimRate  rate.Limit
}

// Config for creating a new worker
type Config struct {
	BaseURL    string        // leaseq server URL
	PollDelay  time.Duration // Time between polls of an empty queue (default: 1s)
	Visibility time.Duration // Lease length per claim (default: 30s)
	ClaimRate  float64       // Max claims per second per queue (default: unlimited)
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Second
	}

	claimRate := rate.Inf
	if cfg.ClaimRate > 0 {
		claimRate = rate.Limit(cfg.ClaimRate)
	}

	return &Worker{
		client:     client.NewClient(cfg.BaseURL),
		handlers:   make(map[string]HandlerFunc),
		pollDelay:  cfg.PollDelay,
		visibility: cfg.Visibility,
		claimRate:  claimRate,
	}
}

// Handle registers a handler function for a specific queue
func (w *Worker) Handle(queue string, handler HandlerFunc) {
	w.handlers[queue] = handler
	logger.Info("registered handler", zap.String("queue", queue))
}

// Run polls every registered queue and blocks until ctx is cancelled and
// in-progress messages have finished.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	logger.Info("worker starting", zap.Int("queues", len(w.handlers)))

	g, ctx := errgroup.WithContext(ctx)
	for queue, handler := range w.handlers {
		g.Go(func() error {
			w.pollQueue(ctx, queue, handler)
			return nil
		})
	}

	err := g.Wait()
	logger.Info("worker stopped")
	return err
}

// pollQueue drains the queue, then sleeps for pollDelay before trying again.
func (w *Worker) pollQueue(ctx context.Context, queue string, handler HandlerFunc) {
	ticker := time.NewTicker(w.pollDelay)
	defer ticker.Stop()
	limiter := rate.NewLimiter(w.claimRate, 1)

	logger.Debug("started polling queue", zap.String("queue", queue))

	for {
		for ctx.Err() == nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
			msg, err := w.client.Claim(ctx, queue, w.visibility)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("claim failed", zap.String("queue", queue), zap.Error(err))
				}
				break
			}
			if msg == nil {
				break
			}
			w.processMessage(ctx, queue, msg, handler)
		}

		select {
		case <-ctx.Done():
			logger.Debug("stopped polling queue", zap.String("queue", queue))
			return
		case <-ticker.C:
		}
	}
}

// processMessage runs handler while keeping the lease alive, renewing at
// half the visibility. If a renewal reports the lease gone, the handler's
// context is cancelled: another consumer may already hold the message.
func (w *Worker) processMessage(ctx context.Context, queue string, msg *client.Message, handler HandlerFunc) {
	handlerCtx, cancel := context.WithCancel(ctx)

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.keepAlive(handlerCtx, cancel, queue, msg)
	}()
	defer func() { <-renewDone }()
	defer cancel()

	err := w.runHandler(handlerCtx, msg, handler)
	if err != nil {
		logger.Warn("handler failed, message will be retried",
			zap.String("queue", queue),
			zap.String("id", msg.ID),
			zap.Int("tries", msg.Tries),
			zap.Error(err),
		)
		return
	}
	if handlerCtx.Err() != nil && ctx.Err() == nil {
		logger.Warn("lease lost while handling", zap.String("queue", queue), zap.String("id", msg.ID))
		return
	}

	if _, err := w.client.Complete(ctx, queue, msg.Ack); err != nil {
		if errors.Is(err, client.ErrUnknownAck) {
			logger.Warn("lease expired before completion", zap.String("queue", queue), zap.String("id", msg.ID))
			return
		}
		logger.Error("complete failed", zap.String("queue", queue), zap.String("id", msg.ID), zap.Error(err))
		return
	}

	logger.Info("processed message", zap.String("queue", queue), zap.String("id", msg.ID))
}

// runHandler calls handler, turning a panic into an error.
func (w *Worker) runHandler(ctx context.Context, msg *client.Message, handler HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic processing message", zap.String("id", msg.ID), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (w *Worker) keepAlive(ctx context.Context, lost context.CancelFunc, queue string, msg *client.Message) {
	ticker := time.NewTicker(w.visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := w.client.Renew(ctx, queue, msg.Ack, w.visibility)
			if errors.Is(err, client.ErrUnknownAck) {
				lost()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("renew failed", zap.String("queue", queue), zap.String("id", msg.ID), zap.Error(err))
			}
		}
	}
}
