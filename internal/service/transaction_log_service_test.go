package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/paper-vendo/internal/dispenser"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/models"
	"github.com/wfunc/paper-vendo/internal/repository"
	"gorm.io/gorm"
)

// TransactionLogServiceTestSuite 交易日志服务测试套件
type TransactionLogServiceTestSuite struct {
	suite.Suite
	db  *gorm.DB
	svc *TransactionLogService
}

func (suite *TransactionLogServiceTestSuite) SetupTest() {
	suite.db = repository.SetupTestDB()
	suite.svc = NewTransactionLogService(suite.db)
}

func (suite *TransactionLogServiceTestSuite) TearDownTest() {
	suite.svc.Close()
	repository.CleanupTestDB(suite.db)
}

// waitRows 等待异步写入落库
func (suite *TransactionLogServiceTestSuite) waitRows(query *models.TransactionLogQuery, expected int64) []*models.TransactionLog {
	var logs []*models.TransactionLog
	suite.Eventually(func() bool {
		suite.svc.Flush()
		var total int64
		logs, total, _ = suite.svc.Query(query)
		return total == expected
	}, 2*time.Second, 20*time.Millisecond)
	return logs
}

// TestRecordCommand 测试命令记录落库
func (suite *TransactionLogServiceTestSuite) TestRecordCommand() {
	started := time.Now()
	suite.svc.RecordCommand(hardware.CommandRecord{
		RequestID: "req-1",
		Command:   "COINS?",
		Response:  "7",
		Success:   true,
		Duration:  25 * time.Millisecond,
		StartedAt: started,
	})

	logs := suite.waitRows(&models.TransactionLogQuery{Type: models.TransactionTypeCommand}, 1)
	suite.Require().Len(logs, 1)
	suite.Equal("COINS?", logs[0].Command)
	suite.Equal("7", logs[0].Response)
	suite.True(logs[0].Success)
	suite.Equal("req-1", logs[0].RequestID)
	suite.EqualValues(25, logs[0].Duration)
	suite.Equal(suite.svc.SessionID(), logs[0].SessionID)
}

// TestRecordChange 测试找零记录落库
func (suite *TransactionLogServiceTestSuite) TestRecordChange() {
	result := &dispenser.ChangeResult{
		Requested: 17,
		Dispensed: 17,
		Remaining: 0,
		Breakdown: map[int]int{10: 1, 5: 1, 1: 2},
		Responses: []string{"OUT 10 Count: 1/1", "DONE CHANGE"},
		Complete:  true,
	}
	suite.svc.RecordChange(result, 3*time.Second, nil)

	logs := suite.waitRows(&models.TransactionLogQuery{Type: models.TransactionTypeChange}, 1)
	suite.Require().Len(logs, 1)
	suite.Equal("CHANGE 17", logs[0].Command)
	suite.True(logs[0].Success)
	suite.Equal(17, logs[0].Amount)
	suite.Equal(17, logs[0].Dispensed)
	suite.Equal(0, logs[0].Remaining)
	suite.Equal(float64(2), logs[0].Detail["1"])
	suite.Contains(logs[0].Response, "DONE CHANGE")
}

// TestRecordChangeFailure 测试带错误的找零记录
func (suite *TransactionLogServiceTestSuite) TestRecordChangeFailure() {
	result := &dispenser.ChangeResult{
		Requested: 25,
		Dispensed: 15,
		Remaining: 10,
		Breakdown: map[int]int{10: 1, 5: 1},
		Responses: []string{"OUT 10 Count: 1/2", "ERR TIMEOUT 10 Final count: 1/2"},
	}
	suite.svc.RecordChange(result, 8*time.Second, nil)

	logs := suite.waitRows(&models.TransactionLogQuery{Type: models.TransactionTypeChange}, 1)
	suite.Require().Len(logs, 1)
	suite.False(logs[0].Success) // 未完成的找零不算成功
	suite.Equal(10, logs[0].Remaining)
}

// TestRecordHopperAndPaper 测试出币/出纸记录
func (suite *TransactionLogServiceTestSuite) TestRecordHopperAndPaper() {
	suite.svc.RecordHopper(&dispenser.HopperResult{
		Denomination: 5,
		Requested:    3,
		Dispensed:    3,
		Complete:     true,
	}, time.Second, nil)

	suite.svc.RecordPaper(&dispenser.PaperResult{
		PaperType: "SHORT",
		Requested: 2,
		Responses: []string{"DONE PAPER"},
		Complete:  true,
	}, time.Second, nil)

	logs := suite.waitRows(&models.TransactionLogQuery{Type: models.TransactionTypeHopper}, 1)
	suite.Equal("HOPPER 5 3", logs[0].Command)
	suite.Equal(5, logs[0].Denomination)
	suite.Equal(3, logs[0].Dispensed)

	logs = suite.waitRows(&models.TransactionLogQuery{Type: models.TransactionTypePaper}, 1)
	suite.Equal("SHORT x2", logs[0].Command)
	suite.True(logs[0].Success)
}

// TestRecordCoinInserted 测试投币记录
func (suite *TransactionLogServiceTestSuite) TestRecordCoinInserted() {
	suite.svc.RecordCoinInserted(10, 2)

	logs := suite.waitRows(&models.TransactionLogQuery{Type: models.TransactionTypeCoinIn}, 1)
	suite.Equal(20, logs[0].Amount)
	suite.Equal(10, logs[0].Denomination)
	suite.Equal(2, logs[0].Count)
}

// TestNilResultIgnored 测试空结果不落库
func (suite *TransactionLogServiceTestSuite) TestNilResultIgnored() {
	suite.svc.RecordChange(nil, 0, nil)
	suite.svc.RecordHopper(nil, 0, nil)
	suite.svc.RecordPaper(nil, 0, nil)

	suite.svc.Flush()
	_, total, err := suite.svc.Query(&models.TransactionLogQuery{})
	suite.NoError(err)
	suite.EqualValues(0, total)
}

// TestExportLogs 测试日志导出
func (suite *TransactionLogServiceTestSuite) TestExportLogs() {
	suite.svc.RecordCoinInserted(5, 1)
	suite.waitRows(&models.TransactionLogQuery{}, 1)

	data, err := suite.svc.ExportLogs(&models.TransactionLogQuery{})
	suite.NoError(err)
	suite.Contains(string(data), "COIN_IN")
}

func TestTransactionLogServiceSuite(t *testing.T) {
	suite.Run(t, new(TransactionLogServiceTestSuite))
}
