package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"relayverify/internal/errors"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s, err := NewStore(path, logger)
	require.NoError(t, err)
	return s
}

func result(id string, status models.ResultStatus, number uint32) *models.VerificationResult {
	return &models.VerificationResult{
		AttemptID: id,
		Query:     "System.Account(alice)",
		Status:    status,
		Block: &models.BlockReference{
			Number: number,
			Hash:   common.BytesToHash([]byte{byte(number)}),
		},
		Attempts:  1,
		StartTime: time.Now(),
		EndTime:   time.Now(),
	}
}

func TestSaveAndGetResult(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "attempts.db"))
	defer s.Close()

	r := result("a-1", models.ResultConfirmed, 100)
	r.TxHash = "0xabc"
	require.NoError(t, s.SaveResult(r))

	got, err := s.GetResult("a-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.Equal(t, uint32(100), got.Block.Number)

	_, err = s.GetResult("missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeNotFound, errors.KindOf(err))

	assert.Error(t, s.SaveResult(&models.VerificationResult{}))
}

func TestSaveResultOverwritesSameAttempt(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "attempts.db"))
	defer s.Close()

	require.NoError(t, s.SaveResult(result("a-1", models.ResultFailed, 100)))
	require.NoError(t, s.SaveResult(result("a-1", models.ResultConfirmed, 105)))

	all, err := s.ListResults(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.ResultConfirmed, all[0].Status)
}

func TestListResultsNewestFirst(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "attempts.db"))
	defer s.Close()

	for i := 0; i < 5; i++ {
		status := models.ResultConfirmed
		if i%2 == 1 {
			status = models.ResultFailed
		}
		require.NoError(t, s.SaveResult(result(fmt.Sprintf("a-%d", i), status, uint32(100+i))))
	}

	all, err := s.ListResults(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a-4", all[0].AttemptID)
	assert.Equal(t, "a-0", all[4].AttemptID)

	failed, err := s.ListResults(Filter{Status: models.ResultFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	limited, err := s.ListResults(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestProgressPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attempts.db")

	s := openStore(t, path)
	_, ok := s.LastVerifiedBlock()
	assert.False(t, ok)

	require.NoError(t, s.SaveResult(result("a-1", models.ResultConfirmed, 100)))
	require.NoError(t, s.SaveResult(result("a-2", models.ResultReverted, 101)))
	require.NoError(t, s.SaveResult(result("a-3", models.ResultDryRun, 102)))
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	defer reopened.Close()

	block, ok := reopened.LastVerifiedBlock()
	require.True(t, ok)
	assert.Equal(t, uint32(100), block.Number)

	info := reopened.GetProgress()
	assert.Equal(t, Totals{Attempts: 3, Confirmed: 1, Reverted: 1, DryRun: 1}, info.Totals)

	stats := reopened.GetStats()
	assert.Equal(t, uint64(3), stats["attempts"])
	assert.Equal(t, uint32(100), stats["last_verified_block"])
}

func TestReset(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "attempts.db"))
	defer s.Close()

	require.NoError(t, s.SaveResult(result("a-1", models.ResultConfirmed, 100)))
	require.NoError(t, s.Reset())

	all, err := s.ListResults(Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	_, ok := s.LastVerifiedBlock()
	assert.False(t, ok)

	// 重置后序号从头开始，仍可正常写入
	require.NoError(t, s.SaveResult(result("a-2", models.ResultFailed, 101)))
	assert.Equal(t, uint64(1), s.GetProgress().Totals.Attempts)
}
