package service

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/paper-vendo/internal/dispenser"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/logger"
	"github.com/wfunc/paper-vendo/internal/models"
	"github.com/wfunc/paper-vendo/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TransactionLogService 交易日志服务
// 所有记录接口都是异步的：日志先进缓冲通道，由后台协程批量落库，
// 避免数据库写入拖慢串口命令路径。
type TransactionLogService struct {
	repo      *repository.TransactionLogRepository
	logger    *zap.Logger
	mu        sync.Mutex
	buffer    []*models.TransactionLog
	bufferCh  chan *models.TransactionLog
	stopCh    chan struct{}
	sessionID string
}

// NewTransactionLogService 创建交易日志服务
func NewTransactionLogService(db *gorm.DB) *TransactionLogService {
	service := &TransactionLogService{
		repo:      repository.NewTransactionLogRepository(db),
		logger:    logger.GetLogger(),
		buffer:    make([]*models.TransactionLog, 0, 100),
		bufferCh:  make(chan *models.TransactionLog, 1000),
		stopCh:    make(chan struct{}),
		sessionID: uuid.New().String(),
	}

	// 启动后台写入协程
	go service.backgroundWriter()

	return service
}

// SessionID 返回本次进程的会话标识
func (s *TransactionLogService) SessionID() string {
	return s.sessionID
}

// backgroundWriter 后台写入协程
func (s *TransactionLogService) backgroundWriter() {
	ticker := time.NewTicker(5 * time.Second) // 每5秒批量写入一次
	defer ticker.Stop()

	for {
		select {
		case log := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, log)
			// 如果缓冲区满了，立即写入
			if len(s.buffer) >= 100 {
				s.flushBuffer()
			}
			s.mu.Unlock()

		case <-ticker.C:
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()

		case <-s.stopCh:
			// 退出前写入剩余的日志
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()
			return
		}
	}
}

// flushBuffer 写入缓冲区的日志到数据库
func (s *TransactionLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	if err := s.repo.CreateBatch(s.buffer); err != nil {
		s.logger.Error("批量写入交易日志失败", zap.Error(err))
	} else {
		s.logger.Debug("批量写入交易日志成功", zap.Int("count", len(s.buffer)))
	}

	// 清空缓冲区
	s.buffer = s.buffer[:0]
}

// enqueue 异步写入，缓冲区满则丢弃
func (s *TransactionLogService) enqueue(log *models.TransactionLog) {
	log.SessionID = s.sessionID
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if log.Timestamp == 0 {
		log.Timestamp = time.Now().UnixMilli()
	}

	select {
	case s.bufferCh <- log:
	default:
		s.logger.Warn("交易日志缓冲区满，丢弃日志")
	}
}

// RecordCommand 记录单条串口命令的收发结果
// 实现 hardware.CommandRecorder，由串口通道在每次命令完成后回调。
func (s *TransactionLogService) RecordCommand(rec hardware.CommandRecord) {
	logger.LogSerialCommand(rec.Command, rec.Response, rec.Success)

	s.enqueue(&models.TransactionLog{
		Type:      models.TransactionTypeCommand,
		Command:   rec.Command,
		Response:  rec.Response,
		Success:   rec.Success,
		ErrorMsg:  rec.ErrorMsg,
		RequestID: rec.RequestID,
		Duration:  rec.Duration.Milliseconds(),
		CreatedAt: rec.StartedAt,
		Timestamp: rec.StartedAt.UnixMilli(),
	})
}

// RecordChange 记录一次找零交易
func (s *TransactionLogService) RecordChange(result *dispenser.ChangeResult, duration time.Duration, err error) {
	if result == nil {
		return
	}

	detail := models.JSONData{}
	for denom, count := range result.Breakdown {
		detail[strconv.Itoa(denom)] = count
	}

	log := &models.TransactionLog{
		Type:      models.TransactionTypeChange,
		Command:   "CHANGE " + strconv.Itoa(result.Requested),
		Response:  strings.Join(result.Responses, "\n"),
		Success:   err == nil && result.Complete,
		Amount:    result.Requested,
		Dispensed: result.Dispensed,
		Remaining: result.Remaining,
		Detail:    detail,
		Duration:  duration.Milliseconds(),
	}
	if err != nil {
		log.ErrorMsg = err.Error()
	}
	s.enqueue(log)
}

// RecordHopper 记录一次单料斗出币
func (s *TransactionLogService) RecordHopper(result *dispenser.HopperResult, duration time.Duration, err error) {
	if result == nil {
		return
	}

	log := &models.TransactionLog{
		Type:         models.TransactionTypeHopper,
		Command:      hardware.HopperCommand(result.Denomination, result.Requested),
		Response:     strings.Join(result.Responses, "\n"),
		Success:      err == nil && result.Complete,
		Denomination: result.Denomination,
		Count:        result.Requested,
		Dispensed:    result.Dispensed,
		Remaining:    result.Requested - result.Dispensed,
		Duration:     duration.Milliseconds(),
	}
	if err != nil {
		log.ErrorMsg = err.Error()
	}
	s.enqueue(log)
}

// RecordPaper 记录一次出纸
func (s *TransactionLogService) RecordPaper(result *dispenser.PaperResult, duration time.Duration, err error) {
	if result == nil {
		return
	}

	log := &models.TransactionLog{
		Type:     models.TransactionTypePaper,
		Command:  result.PaperType + " x" + strconv.Itoa(result.Requested),
		Response: strings.Join(result.Responses, "\n"),
		Success:  err == nil && result.Complete,
		Count:    result.Requested,
		Duration: duration.Milliseconds(),
	}
	if err != nil {
		log.ErrorMsg = err.Error()
	}
	s.enqueue(log)
}

// RecordCoinInserted 记录投币事件
func (s *TransactionLogService) RecordCoinInserted(denomination, count int) {
	s.enqueue(&models.TransactionLog{
		Type:         models.TransactionTypeCoinIn,
		Success:      true,
		Amount:       denomination * count,
		Denomination: denomination,
		Count:        count,
	})
}

// Query 查询日志
func (s *TransactionLogService) Query(query *models.TransactionLogQuery) ([]*models.TransactionLog, int64, error) {
	return s.repo.Query(query)
}

// GetStats 获取统计信息
func (s *TransactionLogService) GetStats(startTime, endTime *time.Time) (*models.TransactionLogStats, error) {
	return s.repo.GetStats(startTime, endTime)
}

// GetLatestLogs 获取最新的日志
func (s *TransactionLogService) GetLatestLogs(limit int, logType models.TransactionType) ([]*models.TransactionLog, error) {
	return s.repo.GetLatest(limit, logType)
}

// GetErrorLogs 获取错误日志
func (s *TransactionLogService) GetErrorLogs(limit int) ([]*models.TransactionLog, error) {
	return s.repo.GetErrorLogs(limit)
}

// CleanupOldLogs 清理旧日志
func (s *TransactionLogService) CleanupOldLogs(retentionDays int) (int64, error) {
	return s.repo.CleanupLogs(retentionDays)
}

// ExportLogs 导出日志为JSON格式
func (s *TransactionLogService) ExportLogs(query *models.TransactionLogQuery) ([]byte, error) {
	logs, _, err := s.Query(query)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(logs, "", "  ")
}

// Flush 立即写入缓冲的日志（测试和关机前使用）
func (s *TransactionLogService) Flush() {
	for {
		select {
		case log := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, log)
			s.mu.Unlock()
		default:
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()
			return
		}
	}
}

// Close 关闭服务
func (s *TransactionLogService) Close() {
	s.Flush()
	close(s.stopCh)
	// 等待后台协程退出
	time.Sleep(100 * time.Millisecond)
}
