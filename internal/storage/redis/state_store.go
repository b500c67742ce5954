package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/vault"
)

// KEYS[1] = 快照 hash
// ARGV[1] = 新 nonce
// ARGV[2] = 序列化后的快照
var saveSnapshotScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "nonce")
if current and tonumber(current) > tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "nonce", ARGV[1], "payload", ARGV[2])
return 1
`)

// StateStore 把快照保存在 Redis hash 中，nonce 比较与写入由脚本原子完成。
type StateStore struct {
	client goredis.UniversalClient
	prefix string
}

var _ vault.StateStore = (*StateStore)(nil)

// NewStateStore 创建状态存储，客户端由调用方关闭。
func NewStateStore(client goredis.UniversalClient, prefix string) (*StateStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端不能为空")
	}
	return &StateStore{client: client, prefix: prefix}, nil
}

func (s *StateStore) key(vaultID string) string {
	return prefixed(s.prefix, "snapshot:"+vaultID)
}

// Load 读取快照。
func (s *StateStore) Load(ctx context.Context, vaultID string) (*vault.Snapshot, error) {
	raw, err := s.client.HGet(ctx, s.key(vaultID), "payload").Bytes()
	if stdErrors.Is(err, goredis.Nil) {
		return nil, vault.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 快照失败")
	}
	var snap vault.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 快照失败")
	}
	return &snap, nil
}

// Save 写入快照，nonce 回退时返回 vault.ErrStaleSnapshot。
func (s *StateStore) Save(ctx context.Context, snapshot *vault.Snapshot) error {
	if snapshot == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "snapshot 不能为空")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化金库快照失败")
	}
	res, err := saveSnapshotScript.Run(ctx, s.client, []string{s.key(snapshot.VaultID)}, snapshot.State.Nonce, payload).Int64()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 快照失败")
	}
	if res == 0 {
		return vault.ErrStaleSnapshot
	}
	return nil
}
