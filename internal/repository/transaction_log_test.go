package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/paper-vendo/internal/models"
)

func seedTransactionLogs(t *testing.T, repo *TransactionLogRepository) {
	t.Helper()
	logs := []*models.TransactionLog{
		{
			Type:      models.TransactionTypeCommand,
			Command:   "COINS?",
			Response:  "7",
			Success:   true,
			RequestID: "req-1",
			SessionID: "session-a",
			Duration:  12,
		},
		{
			Type:      models.TransactionTypeCommand,
			Command:   "STATUS?",
			Response:  `{"coins":7}`,
			Success:   true,
			RequestID: "req-2",
			SessionID: "session-a",
			Duration:  15,
		},
		{
			Type:      models.TransactionTypeChange,
			Command:   "CHANGE 17",
			Success:   true,
			Amount:    17,
			Dispensed: 17,
			Remaining: 0,
			RequestID: "req-3",
			SessionID: "session-a",
			Duration:  3200,
			Detail:    models.JSONData{"10": 1, "5": 1, "1": 2},
		},
		{
			Type:      models.TransactionTypeChange,
			Command:   "CHANGE 25",
			Success:   false,
			Amount:    25,
			Dispensed: 15,
			Remaining: 10,
			ErrorMsg:  "料斗出币不足",
			RequestID: "req-4",
			SessionID: "session-a",
			Duration:  8100,
		},
		{
			Type:         models.TransactionTypeCoinIn,
			Success:      true,
			Amount:       10,
			Denomination: 10,
			Count:        1,
			SessionID:    "session-a",
		},
	}
	require.NoError(t, repo.CreateBatch(logs))
}

func TestTransactionLogRepository_CreateAndGet(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)

	log := &models.TransactionLog{
		Type:      models.TransactionTypeCommand,
		Command:   "COINS?",
		Response:  "3",
		Success:   true,
		RequestID: "req-x",
	}
	require.NoError(t, repo.Create(log))
	assert.NotZero(t, log.ID)
	assert.False(t, log.CreatedAt.IsZero())
	assert.NotZero(t, log.Timestamp)

	got, err := repo.GetByID(log.ID)
	require.NoError(t, err)
	assert.Equal(t, "COINS?", got.Command)
	assert.Equal(t, models.TransactionTypeCommand, got.Type)

	byReq, err := repo.GetByRequestID("req-x")
	require.NoError(t, err)
	require.Len(t, byReq, 1)
	assert.Equal(t, log.ID, byReq[0].ID)
}

func TestTransactionLogRepository_Query(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)
	seedTransactionLogs(t, repo)

	// 按类型过滤
	logs, total, err := repo.Query(&models.TransactionLogQuery{
		Type: models.TransactionTypeChange,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, logs, 2)

	// 按命令模糊匹配
	logs, total, err = repo.Query(&models.TransactionLogQuery{
		Command: "CHANGE",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	// 只看失败记录
	success := false
	logs, total, err = repo.Query(&models.TransactionLogQuery{
		Success: &success,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "CHANGE 25", logs[0].Command)

	// 金额范围
	minAmount := 20
	logs, total, err = repo.Query(&models.TransactionLogQuery{
		Type:      models.TransactionTypeChange,
		MinAmount: &minAmount,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// 分页
	logs, total, err = repo.Query(&models.TransactionLogQuery{
		Limit:  2,
		Offset: 0,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, logs, 2)
}

func TestTransactionLogRepository_QueryHasError(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)
	seedTransactionLogs(t, repo)

	hasError := true
	logs, total, err := repo.Query(&models.TransactionLogQuery{
		HasError: &hasError,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "料斗出币不足", logs[0].ErrorMsg)
}

func TestTransactionLogRepository_GetStats(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)
	seedTransactionLogs(t, repo)

	stats, err := repo.GetStats(nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.TotalCount)
	assert.EqualValues(t, 2, stats.TotalCommands)
	assert.EqualValues(t, 2, stats.TotalChanges)
	assert.EqualValues(t, 1, stats.TotalErrors)
	assert.EqualValues(t, 32, stats.TotalDispensed) // 17 + 15
	assert.EqualValues(t, 10, stats.TotalShortfall)
	assert.EqualValues(t, 10, stats.TotalCoinsIn)
	assert.Greater(t, stats.AvgDuration, float64(0))
	assert.EqualValues(t, 8100, stats.MaxDuration)

	// 时间范围把所有记录排除掉
	past := time.Now().Add(-48 * time.Hour)
	earlier := time.Now().Add(-24 * time.Hour)
	stats, err = repo.GetStats(&past, &earlier)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.TotalCount)
	assert.EqualValues(t, 0, stats.TotalDispensed)
}

func TestTransactionLogRepository_GetLatest(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)
	seedTransactionLogs(t, repo)

	logs, err := repo.GetLatest(3, "")
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	logs, err = repo.GetLatest(10, models.TransactionTypeCoinIn)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 10, logs[0].Amount)
}

func TestTransactionLogRepository_GetErrorLogs(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)
	seedTransactionLogs(t, repo)

	logs, err := repo.GetErrorLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "CHANGE 25", logs[0].Command)
}

func TestTransactionLogRepository_Cleanup(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)

	old := &models.TransactionLog{
		Type:      models.TransactionTypeCommand,
		Command:   "COINS?",
		Success:   true,
		CreatedAt: time.Now().AddDate(0, 0, -30),
	}
	recent := &models.TransactionLog{
		Type:    models.TransactionTypeCommand,
		Command: "STATUS?",
		Success: true,
	}
	require.NoError(t, repo.Create(old))
	require.NoError(t, repo.Create(recent))

	deleted, err := repo.CleanupLogs(7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	logs, total, err := repo.Query(&models.TransactionLogQuery{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "STATUS?", logs[0].Command)

	// 保留天数必须为正
	_, err = repo.CleanupLogs(0)
	assert.Error(t, err)
}

func TestTransactionLogRepository_JSONDetail(t *testing.T) {
	db := SetupTestDB()
	defer CleanupTestDB(db)
	repo := NewTransactionLogRepository(db)

	log := &models.TransactionLog{
		Type:    models.TransactionTypeChange,
		Command: "CHANGE 17",
		Success: true,
		Detail:  models.JSONData{"10": float64(1), "5": float64(1), "1": float64(2)},
	}
	require.NoError(t, repo.Create(log))

	got, err := repo.GetByID(log.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Detail)
	assert.Equal(t, float64(1), got.Detail["10"])
	assert.Equal(t, float64(2), got.Detail["1"])
}
