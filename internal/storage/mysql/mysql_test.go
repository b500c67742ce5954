package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"AgentVault/internal/lending"
	"AgentVault/internal/plan"
	"AgentVault/internal/vault"
)

func testSnapshot(nonce uint64) *vault.Snapshot {
	return &vault.Snapshot{
		VaultID: "vault-1",
		Policy: vault.Policy{
			MinHealthFactor: new(uint256.Int).Set(lending.WAD),
			CooldownSeconds: 60,
			MaxBorrowPerTx:  uint256.NewInt(100),
			MaxBorrowPerDay: uint256.NewInt(200),
		},
		Allowlists: map[vault.AllowlistKind][]common.Address{
			vault.AllowlistPayee: {common.HexToAddress("0x00000000000000000000000000000000000000c0")},
		},
		State:     vault.ExecutionState{Nonce: nonce, LastExecutionAt: 1_700_000_000},
		Window:    vault.RateWindow{Start: 1_700_000_000, Borrowed: uint256.NewInt(50)},
		UpdatedAt: 1_700_000_000,
	}
}

func TestStateStoreSaveAndLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store, err := NewStateStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nonce FROM vault_snapshots WHERE vault_id = ? FOR UPDATE")).
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"nonce"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vault_snapshots")).
		WithArgs("vault-1", uint64(3), false, sqlmock.AnyArg(), int64(1_700_000_000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, store.Save(ctx, testSnapshot(3)))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nonce FROM vault_snapshots")).
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"nonce"}).AddRow(int64(5)))
	mock.ExpectRollback()
	err = store.Save(ctx, testSnapshot(4))
	require.ErrorIs(t, err, vault.ErrStaleSnapshot)

	payload, err := json.Marshal(testSnapshot(5))
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM vault_snapshots WHERE vault_id = ?")).
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))
	loaded, err := store.Load(ctx, "vault-1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), loaded.State.Nonce)
	require.Equal(t, "50", loaded.Window.Borrowed.Dec())
	require.Len(t, loaded.Allowlists[vault.AllowlistPayee], 1)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM vault_snapshots")).
		WithArgs("vault-2").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))
	_, err = store.Load(ctx, "vault-2")
	require.ErrorIs(t, err, vault.ErrSnapshotNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryEmitAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo, err := NewEventRepository(db)
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO vault_events")).
		WithArgs("evt-1", "vault-1", "BorrowAndPayExecuted", uint64(1), "executor", sqlmock.AnyArg(), int64(100)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Emit(ctx, vault.Event{
		ID:         "evt-1",
		VaultID:    "vault-1",
		Kind:       vault.EventBorrowAndPayExecuted,
		Nonce:      1,
		Actor:      "executor",
		Attributes: map[string]string{"amount": "5"},
		OccurredAt: 100,
	}))

	rows := sqlmock.NewRows([]string{"id", "vault_id", "kind", "nonce", "actor", "attributes", "occurred_at"}).
		AddRow("evt-2", "vault-1", "Paused", int64(1), "owner", nil, int64(120)).
		AddRow("evt-1", "vault-1", "BorrowAndPayExecuted", int64(1), "executor", []byte(`{"amount":"5"}`), int64(100))
	mock.ExpectQuery(regexp.QuoteMeta("FROM vault_events WHERE vault_id = ? ORDER BY seq DESC LIMIT ?")).
		WithArgs("vault-1", 10).
		WillReturnRows(rows)
	events, err := repo.ListEvents(ctx, "vault-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, vault.EventPaused, events[0].Kind)
	require.Nil(t, events[0].Attributes)
	require.Equal(t, "5", events[1].Attributes["amount"])

	require.NoError(t, mock.ExpectationsWereMet())
}

var submissionHeader = []string{"id", "vault_id", "actor", "request", "status", "attempts", "error_code", "last_error", "receipt", "created_at", "updated_at"}

func submissionRow(rows *sqlmock.Rows, id string, status plan.Status, receipt []byte) *sqlmock.Rows {
	request := []byte(`{"id":"` + id + `","borrow_asset":"0x00000000000000000000000000000000000000e2","borrow_amount":"10","payee":"0x00000000000000000000000000000000000000c0","expires_at":1700003600,"nonce":1}`)
	return rows.AddRow(id, "vault-1", "agent-1", request, string(status), int64(1), "", nil, receipt, int64(100), int64(110))
}

func TestPlanStoreLifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store, err := NewPlanStore(db)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(200, 0) }
	ctx := context.Background()

	sub := &plan.Submission{ID: "p1", VaultID: "vault-1", Actor: "agent-1", Request: plan.Request{ID: "p1", Payee: "0xc0", Nonce: 1}}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plan_submissions")).
		WithArgs("p1", "vault-1", "agent-1", sqlmock.AnyArg(), "0xc0", "pending", 0, "", "", int64(200), int64(200)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Create(ctx, sub))
	require.Equal(t, plan.StatusPending, sub.Status)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plan_submissions")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	require.ErrorIs(t, store.Create(ctx, &plan.Submission{ID: "p1"}), plan.ErrPlanConflict)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE plan_submissions SET status = ?, attempts = attempts + 1")).
		WithArgs("running", int64(200), "p1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM plan_submissions WHERE id = ?")).
		WithArgs("p1").
		WillReturnRows(submissionRow(sqlmock.NewRows(submissionHeader), "p1", plan.StatusRunning, nil))
	claimed, err := store.Claim(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, plan.StatusRunning, claimed.Status)
	require.Equal(t, uint64(1), claimed.Request.Nonce)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE plan_submissions SET status = ?, error_code = ?")).
		WithArgs("committed", "", "", sqlmock.AnyArg(), int64(200), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkCommitted(ctx, "p1", &plan.ReceiptView{Nonce: 1, Amount: "10"}, "", ""))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE plan_submissions SET status = ?, attempts = attempts + 1")).
		WithArgs("running", int64(200), "p1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM plan_submissions WHERE id = ?")).
		WithArgs("p1").
		WillReturnRows(submissionRow(sqlmock.NewRows(submissionHeader), "p1", plan.StatusCommitted, []byte(`{"nonce":1,"amount":"10"}`)))
	done, err := store.Claim(ctx, "p1")
	require.ErrorIs(t, err, plan.ErrPlanCompleted)
	require.NotNil(t, done.Receipt)
	require.Equal(t, "10", done.Receipt.Amount)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE plan_submissions SET status = ?, error_code = ?")).
		WithArgs("failed", "PLAN_PROCESSING_FAILED", "boom", nil, int64(200), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, store.MarkFailed(ctx, "missing", plan.CodePlanProcessing, "boom"), plan.ErrPlanNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("FROM plan_submissions WHERE id = ?")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(submissionHeader))
	_, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, plan.ErrPlanNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanStoreListAndStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store, err := NewPlanStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	rows := sqlmock.NewRows(submissionHeader)
	submissionRow(rows, "p2", plan.StatusRejected, nil)
	submissionRow(rows, "p1", plan.StatusRejected, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM plan_submissions WHERE vault_id = ? AND status IN (?) AND (id LIKE ? OR payee LIKE ? OR last_error LIKE ?) ORDER BY updated_at ASC, created_at ASC, id ASC LIMIT ? OFFSET ?")).
		WithArgs("vault-1", "rejected", "%cool%", "%cool%", "%cool%", 5, 0).
		WillReturnRows(rows)
	subs, err := store.List(ctx, plan.BuildListOptions(
		plan.WithVault("vault-1"),
		plan.WithStatuses(plan.StatusRejected),
		plan.WithQuery("cool"),
		plan.WithSortOrder(plan.SortByUpdatedAsc),
		plan.WithLimit(5),
	))
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, "p2", subs[0].ID)

	stats := sqlmock.NewRows([]string{"status", "count", "oldest", "newest"}).
		AddRow("committed", int64(3), int64(100), int64(300)).
		AddRow("failed", int64(1), int64(50), int64(50))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM plan_submissions GROUP BY status")).
		WillReturnRows(stats)
	got, err := store.Stats(ctx, plan.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, got.Total)
	require.Equal(t, 3, got.Committed)
	require.Equal(t, 1, got.Failed)
	require.Equal(t, int64(50), got.OldestUpdatedAt)
	require.Equal(t, int64(300), got.NewestUpdatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	original := embeddedMigrations
	t.Cleanup(func() { embeddedMigrations = original })
	embeddedMigrations = fstest.MapFS{
		"0002_second.sql": {Data: []byte("CREATE TABLE b (id INT);\nCREATE INDEX idx_b ON b (id);")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"README.md":       {Data: []byte("ignored")},
	}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX idx_b ON b (id)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)")).
		WithArgs("0002", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRollsBackFailedFile(t *testing.T) {
	original := embeddedMigrations
	t.Cleanup(func() { embeddedMigrations = original })
	embeddedMigrations = fstest.MapFS{"0001_init.sql": {Data: []byte("CREATE TABLE a (id INT);")}}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id INT)")).WillReturnError(errors.New("syntax"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), db)
	require.ErrorContains(t, err, "0001_init.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 3)
	for i := 1; i < len(files); i++ {
		require.Less(t, files[i-1].version, files[i].version)
	}
	require.Equal(t, []string{"a", "b"}, splitSQLStatements(" a ;\n\n; b;"))
	require.Equal(t, "0003", parseMigrationVersion("0003_plan_submissions.sql"))
	require.Equal(t, "init", parseMigrationVersion("init.sql"))
}
