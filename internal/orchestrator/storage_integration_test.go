package orchestrator

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/memory"
	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
	"github.com/heteroforge/dispatch/internal/storage"
)

func TestCompletedJobWithCommitmentPersistsToStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	store := storage.OpenWithDB(gdb)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `commitment_records`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	reg := backend.NewRegistry()
	reg.Register(backend.NewCPU(dispruntime.NewInterpreter()))

	eng, err := New(Config{NumWorkers: 1, QueuePollIntervalMs: 5}, Deps{
		Log:      zap.NewNop(),
		Registry: reg,
		Pool:     memory.NewPool(1 << 20),
		Compiler: dispruntime.NewInterpreter(),
		Store:    store,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	id, err := eng.Submit(&Job{
		Program:      identityProgram(),
		Input:        []byte("persist-me"),
		Verification: VerificationMultiHash,
		MaxRetries:   1,
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, eng, id, time.Second)
	require.Equal(t, Completed, snap.State)

	// Persistence happens in a fire-and-forget goroutine after completion.
	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond, "commitment record was not persisted")
}
