package lending

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TxRecord 描述适配器发出的一笔链上交易。
type TxRecord struct {
	Operation string      `json:"operation"`
	Hash      common.Hash `json:"hash"`
}

// TxLog 在一次执行过程中收集适配器上报的交易哈希。
type TxLog struct {
	mu      sync.Mutex
	records []TxRecord
}

// Records 返回已记录交易的副本。
func (l *TxLog) Records() []TxRecord {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TxRecord, len(l.records))
	copy(out, l.records)
	return out
}

type txLogKey struct{}

// WithTxLog 把交易日志挂到上下文中。
func WithTxLog(ctx context.Context, log *TxLog) context.Context {
	return context.WithValue(ctx, txLogKey{}, log)
}

// RecordTx 在上下文携带交易日志时记录一笔交易，否则忽略。
func RecordTx(ctx context.Context, operation string, hash common.Hash) {
	log, ok := ctx.Value(txLogKey{}).(*TxLog)
	if !ok || log == nil {
		return
	}
	log.mu.Lock()
	log.records = append(log.records, TxRecord{Operation: operation, Hash: hash})
	log.mu.Unlock()
}
