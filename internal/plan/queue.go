package plan

import "context"

// Handler 处理来自队列的提交 ID。
type Handler func(ctx context.Context, submissionID string) error

// Producer 负责向队列投递提交。
type Producer interface {
	Publish(ctx context.Context, submissionID string) error
	Close() error
}

// Consumer 负责从队列中消费提交。处理失败的消息不会重新投递。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
