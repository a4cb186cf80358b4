package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"careerbot/internal/model"
)

// errMalformedEvent marks deliveries that can never be stored.
var errMalformedEvent = errors.New("malformed turn event")

type TurnLogStore interface {
	Create(ctx context.Context, entry *model.TurnLog) error
}

// TurnLogWorker consumes turn events and writes them to the turn_logs table.
type TurnLogWorker struct {
	conn      *amqp.Connection
	store     TurnLogStore
	queueName string
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTurnLogWorker(conn *amqp.Connection, store TurnLogStore, queueName string, logger *zap.Logger) *TurnLogWorker {
	return &TurnLogWorker{
		conn:      conn,
		store:     store,
		queueName: queueName,
		logger:    logger.Named("turn_log_worker"),
	}
}

func (w *TurnLogWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := w.handle(workerCtx, d.Body); err != nil {
					requeue := shouldRequeue(err)
					w.logger.Warn("turn event not stored", zap.Error(err), zap.Bool("requeue", requeue))
					_ = d.Nack(false, requeue)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	w.logger.Info("consuming", zap.String("queue", w.queueName))
	return nil
}

func (w *TurnLogWorker) handle(ctx context.Context, body []byte) error {
	var entry model.TurnLog
	if err := json.Unmarshal(body, &entry); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if entry.SessionID == 0 || entry.UserMessageID == 0 {
		return fmt.Errorf("%w: missing ids", errMalformedEvent)
	}
	entry.ID = 0
	return w.store.Create(ctx, &entry)
}

// shouldRequeue keeps events whose failure may be transient, such as the
// database being unreachable.
func shouldRequeue(err error) bool {
	return !errors.Is(err, errMalformedEvent)
}

func (w *TurnLogWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
