package database

import (
	"fmt"

	"github.com/wfunc/paper-vendo/internal/logger"
	"github.com/wfunc/paper-vendo/internal/models"
	"go.uber.org/zap"
)

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	// 清理过期锁文件
	CleanupStaleLocks()

	// 获取迁移锁，避免多个进程同时迁移
	dbPath := getDBPath()
	if dbPath != "" {
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	migrationModels := []interface {
		TableName() string
	}{
		&models.TransactionLog{},
	}

	logger.Info("开始数据库迁移...")

	for _, model := range migrationModels {
		tableName := model.TableName()

		// transaction_logs 在现场会积累大量数据，重建表会锁库很久
		if shouldSkipMigration(tableName) {
			logger.Info("跳过大型表的迁移", zap.String("table", tableName))
			continue
		}

		if err := DB.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	// 创建索引
	if err := createIndexes(); err != nil {
		return err
	}

	logger.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建数据库索引
func createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transaction_logs_type ON transaction_logs(type)",
		"CREATE INDEX IF NOT EXISTS idx_transaction_logs_command ON transaction_logs(command)",
		"CREATE INDEX IF NOT EXISTS idx_transaction_logs_success ON transaction_logs(success)",
		"CREATE INDEX IF NOT EXISTS idx_transaction_logs_request_id ON transaction_logs(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_transaction_logs_session_id ON transaction_logs(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_transaction_logs_created_at ON transaction_logs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_transaction_logs_timestamp ON transaction_logs(timestamp)",
	}

	for _, idx := range indexes {
		if err := DB.Exec(idx).Error; err != nil {
			logger.Warn("创建索引失败", zap.String("index", idx), zap.Error(err))
		}
	}

	logger.Info("数据库索引创建完成")
	return nil
}

// shouldSkipMigration 检查是否应该跳过迁移
func shouldSkipMigration(tableName string) bool {
	if tableName != "transaction_logs" || DB.Dialector.Name() != "sqlite" {
		return false
	}

	var name string
	err := DB.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name).Error
	if err != nil || name == "" {
		return false
	}

	var count int64
	DB.Raw(fmt.Sprintf("SELECT COUNT(*) FROM %s", tableName)).Scan(&count)

	// 表存在且数据量较大时只补索引，不动表结构
	if count > 10000 {
		logger.Info("表中数据量较大，跳过AutoMigrate",
			zap.String("table", tableName),
			zap.Int64("count", count))
		createIndexes()
		return true
	}
	return false
}

// DropAllTables 删除所有表（仅用于测试环境）
func DropAllTables() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	var tables []string
	if err := DB.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tables).Error; err != nil {
		return err
	}

	for _, table := range tables {
		if err := DB.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)).Error; err != nil {
			logger.Error("删除表失败", zap.String("table", table), zap.Error(err))
			return err
		}
	}

	logger.Info("所有表已删除")
	return nil
}
