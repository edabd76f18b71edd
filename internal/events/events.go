// Package events carries blob garbage-collection work over Kafka. Expired or
// invalidated staging sessions and cancelled migration runs enqueue the paths
// of their orphaned blobs; a consumer deletes them asynchronously.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"imagehub/internal/blob"
)

// BlobDeleteTask names blob paths that are eligible for deletion.
type BlobDeleteTask struct {
	Paths []string `json:"paths"`
}

type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewProducer(broker, topic string, logger *zap.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{broker},
		Topic:   topic,
	})
	return &Producer{writer: writer, logger: logger}
}

// EnqueueDelete publishes a deletion task. Failures are logged, not returned:
// garbage collection is best-effort and must never fail the calling flow.
func (p *Producer) EnqueueDelete(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	data, err := json.Marshal(BlobDeleteTask{Paths: paths})
	if err != nil {
		p.logger.Error("failed to marshal delete task", zap.Error(err))
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		p.logger.Error("failed to enqueue delete task",
			zap.Int("paths", len(paths)), zap.Error(err))
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// RunCleanupConsumer reads deletion tasks until the context is cancelled,
// removing each named blob. Per-path failures are logged and skipped.
func RunCleanupConsumer(ctx context.Context, broker, topic, groupID string, store blob.Store, logger *zap.Logger) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: groupID,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("error reading cleanup message", zap.Error(err))
			continue
		}

		var task BlobDeleteTask
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			logger.Error("malformed cleanup task", zap.Error(err))
			continue
		}

		for _, path := range task.Paths {
			if err := store.Delete(ctx, path); err != nil {
				logger.Warn("cleanup delete failed",
					zap.String("path", path), zap.Error(err))
			}
		}
		logger.Debug(fmt.Sprintf("cleaned up %d blobs", len(task.Paths)))
	}
}
