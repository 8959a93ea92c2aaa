package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"paperchat/internal/app"
	"paperchat/internal/platform/rabbitmq"
)

// IngestWorker consumes ingest jobs and drives the document pipeline. Jobs
// whose pipeline fails are acked anyway: the document is already marked
// FAILED, so redelivery would only repeat the failure.
type IngestWorker struct {
	conn      *amqp.Connection
	ingest    *app.IngestService
	queueName string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, ingest *app.IngestService, queueName string) *IngestWorker {
	return &IngestWorker{
		conn:      conn,
		ingest:    ingest,
		queueName: queueName,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
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

				var job rabbitmq.IngestJob
				if err := json.Unmarshal(d.Body, &job); err != nil {
					log.Printf("worker decode ingest job failed: %v", err)
					_ = d.Nack(false, false)
					continue
				}

				if err := w.ingest.Process(workerCtx, job.DocumentID); err != nil {
					log.Printf("worker process document %d failed: %v", job.DocumentID, err)
					_ = d.Nack(false, true)
					continue
				}

				_ = d.Ack(false)
			}
		}
	}()

	return nil
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
