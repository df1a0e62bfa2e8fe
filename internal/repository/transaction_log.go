package repository

import (
	"fmt"
	"time"

	"github.com/wfunc/paper-vendo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransactionLogRepository 交易日志仓库
type TransactionLogRepository struct {
	db *gorm.DB
}

// NewTransactionLogRepository 创建交易日志仓库
func NewTransactionLogRepository(db *gorm.DB) *TransactionLogRepository {
	return &TransactionLogRepository{
		db: db,
	}
}

// Create 创建日志记录
func (r *TransactionLogRepository) Create(log *models.TransactionLog) error {
	return r.db.Create(log).Error
}

// CreateBatch 批量创建日志记录
func (r *TransactionLogRepository) CreateBatch(logs []*models.TransactionLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.CreateInBatches(logs, 100).Error
}

// BulkInsertWithConflict 批量插入（忽略冲突）
func (r *TransactionLogRepository) BulkInsertWithConflict(logs []*models.TransactionLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.Clauses(clause.OnConflict{
		DoNothing: true,
	}).CreateInBatches(logs, 100).Error
}

// GetByID 根据ID获取日志
func (r *TransactionLogRepository) GetByID(id uint) (*models.TransactionLog, error) {
	var log models.TransactionLog
	err := r.db.First(&log, id).Error
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// GetByRequestID 根据请求ID获取同一次往返的全部记录
func (r *TransactionLogRepository) GetByRequestID(requestID string) ([]*models.TransactionLog, error) {
	var logs []*models.TransactionLog
	err := r.db.Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

// Query 查询日志
func (r *TransactionLogRepository) Query(query *models.TransactionLogQuery) ([]*models.TransactionLog, int64, error) {
	db := r.db.Model(&models.TransactionLog{})

	if query.Type != "" {
		db = db.Where("type = ?", query.Type)
	}
	if query.Command != "" {
		db = db.Where("command LIKE ?", "%"+query.Command+"%")
	}
	if query.Success != nil {
		db = db.Where("success = ?", *query.Success)
	}
	if query.HasError != nil && *query.HasError {
		db = db.Where("error_msg IS NOT NULL AND error_msg != ''")
	}
	if query.RequestID != "" {
		db = db.Where("request_id = ?", query.RequestID)
	}
	if query.SessionID != "" {
		db = db.Where("session_id = ?", query.SessionID)
	}
	if query.StartTime != nil {
		db = db.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("created_at <= ?", *query.EndTime)
	}
	if query.MinAmount != nil {
		db = db.Where("amount >= ?", *query.MinAmount)
	}
	if query.MaxAmount != nil {
		db = db.Where("amount <= ?", *query.MaxAmount)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	orderBy := query.OrderBy
	if orderBy == "" {
		orderBy = "created_at DESC"
	}
	db = db.Order(orderBy)

	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}
	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	var logs []*models.TransactionLog
	if err := db.Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}

// GetStats 获取统计信息
func (r *TransactionLogRepository) GetStats(startTime, endTime *time.Time) (*models.TransactionLogStats, error) {
	stats := &models.TransactionLogStats{}

	ranged := func() *gorm.DB {
		db := r.db.Model(&models.TransactionLog{})
		if startTime != nil {
			db = db.Where("created_at >= ?", *startTime)
		}
		if endTime != nil {
			db = db.Where("created_at <= ?", *endTime)
		}
		return db
	}

	if err := ranged().Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}
	if err := ranged().Where("type = ?", models.TransactionTypeCommand).
		Count(&stats.TotalCommands).Error; err != nil {
		return nil, err
	}
	if err := ranged().Where("type = ?", models.TransactionTypeChange).
		Count(&stats.TotalChanges).Error; err != nil {
		return nil, err
	}
	if err := ranged().Where("error_msg IS NOT NULL AND error_msg != ''").
		Count(&stats.TotalErrors).Error; err != nil {
		return nil, err
	}

	// 找零金额统计
	type changeStats struct {
		TotalDispensed int64
		TotalShortfall int64
	}
	var cs changeStats
	if err := ranged().
		Select("COALESCE(SUM(dispensed),0) as total_dispensed, COALESCE(SUM(remaining),0) as total_shortfall").
		Where("type = ?", models.TransactionTypeChange).
		Scan(&cs).Error; err != nil {
		return nil, err
	}
	stats.TotalDispensed = cs.TotalDispensed
	stats.TotalShortfall = cs.TotalShortfall

	// 投币入账统计
	type coinStats struct {
		TotalCoinsIn int64
	}
	var ci coinStats
	if err := ranged().
		Select("COALESCE(SUM(amount),0) as total_coins_in").
		Where("type = ?", models.TransactionTypeCoinIn).
		Scan(&ci).Error; err != nil {
		return nil, err
	}
	stats.TotalCoinsIn = ci.TotalCoinsIn

	// 性能统计
	type durationStats struct {
		AvgDuration float64
		MaxDuration int64
		MinDuration int64
	}
	var ds durationStats
	if err := ranged().
		Select("AVG(duration) as avg_duration, MAX(duration) as max_duration, MIN(duration) as min_duration").
		Where("duration > 0").
		Scan(&ds).Error; err != nil {
		return nil, err
	}
	stats.AvgDuration = ds.AvgDuration
	stats.MaxDuration = ds.MaxDuration
	stats.MinDuration = ds.MinDuration

	return stats, nil
}

// GetLatest 获取最新的日志记录
func (r *TransactionLogRepository) GetLatest(limit int, logType models.TransactionType) ([]*models.TransactionLog, error) {
	var logs []*models.TransactionLog
	db := r.db.Order("created_at DESC").Limit(limit)
	if logType != "" {
		db = db.Where("type = ?", logType)
	}
	err := db.Find(&logs).Error
	return logs, err
}

// GetErrorLogs 获取错误日志
func (r *TransactionLogRepository) GetErrorLogs(limit int) ([]*models.TransactionLog, error) {
	var logs []*models.TransactionLog
	err := r.db.Where("error_msg IS NOT NULL AND error_msg != ''").
		Or("success = ?", false).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// DeleteOldLogs 删除旧日志
func (r *TransactionLogRepository) DeleteOldLogs(beforeTime time.Time) (int64, error) {
	result := r.db.Unscoped().Where("created_at < ?", beforeTime).Delete(&models.TransactionLog{})
	return result.RowsAffected, result.Error
}

// CleanupLogs 清理日志（保留最近N天的数据）
func (r *TransactionLogRepository) CleanupLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}
	beforeTime := time.Now().AddDate(0, 0, -retentionDays)
	return r.DeleteOldLogs(beforeTime)
}
