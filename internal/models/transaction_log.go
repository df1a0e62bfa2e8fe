package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// TransactionType 交易日志类型
type TransactionType string

const (
	TransactionTypeCommand TransactionType = "COMMAND" // 单条设备命令
	TransactionTypeChange  TransactionType = "CHANGE"  // 整笔找零
	TransactionTypeHopper  TransactionType = "HOPPER"  // 单料斗出币
	TransactionTypePaper   TransactionType = "PAPER"   // 出纸
	TransactionTypeCoinIn  TransactionType = "COIN_IN" // 投币入账
)

// JSONData 用于存储JSON格式的数据
type JSONData map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONData) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSONData) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		strVal, ok := value.(string)
		if !ok {
			return nil
		}
		bytes = []byte(strVal)
	}
	return json.Unmarshal(bytes, j)
}

// TransactionLog 售货机交易与设备命令日志
type TransactionLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// 基础信息
	Type    TransactionType `gorm:"type:varchar(20);index;not null" json:"type"`
	Command string          `gorm:"type:varchar(255);index" json:"command,omitempty"` // 下发的命令文本
	Success bool            `gorm:"index" json:"success"`

	// 数据内容
	Response string   `gorm:"type:text" json:"response,omitempty"` // 设备应答原文
	ErrorMsg string   `gorm:"type:text" json:"error_msg,omitempty"`
	Detail   JSONData `gorm:"type:json" json:"detail,omitempty"` // 按面额分解等附加数据

	// 金额相关
	Amount       int `gorm:"index" json:"amount,omitempty"`     // 请求金额（分面额无关）
	Dispensed    int `json:"dispensed,omitempty"`               // 实际给出金额
	Remaining    int `json:"remaining,omitempty"`               // 未补足的缺口
	Denomination int `gorm:"index" json:"denomination,omitempty"`
	Count        int `json:"count,omitempty"` // 确认的出币/出纸/投币数量

	// 关联信息
	RequestID string `gorm:"type:varchar(100);index" json:"request_id,omitempty"` // 同一命令往返共用
	SessionID string `gorm:"type:varchar(100);index" json:"session_id,omitempty"` // 同一进程生命周期共用

	// 性能指标
	Duration  int64 `gorm:"default:0" json:"duration,omitempty"` // 处理时长（毫秒）
	Timestamp int64 `gorm:"index" json:"timestamp"`              // Unix时间戳（毫秒）
}

// TableName 指定表名
func (TransactionLog) TableName() string {
	return "transaction_logs"
}

// BeforeCreate 创建前的钩子
func (t *TransactionLog) BeforeCreate(tx *gorm.DB) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UnixMilli()
	}
	return nil
}

// TransactionLogQuery 查询参数
type TransactionLogQuery struct {
	Type      TransactionType `json:"type,omitempty"`
	Command   string          `json:"command,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	HasError  *bool           `json:"has_error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	MinAmount *int            `json:"min_amount,omitempty"`
	MaxAmount *int            `json:"max_amount,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
	OrderBy   string          `json:"order_by,omitempty"`
}

// TransactionLogStats 统计信息
type TransactionLogStats struct {
	TotalCount     int64   `json:"total_count"`
	TotalCommands  int64   `json:"total_commands"`
	TotalChanges   int64   `json:"total_changes"`
	TotalErrors    int64   `json:"total_errors"`
	TotalDispensed int64   `json:"total_dispensed"` // 找零给出金额合计
	TotalShortfall int64   `json:"total_shortfall"` // 找零缺口合计
	TotalCoinsIn   int64   `json:"total_coins_in"`  // 投币入账金额合计
	AvgDuration    float64 `json:"avg_duration"`
	MaxDuration    int64   `json:"max_duration"`
	MinDuration    int64   `json:"min_duration"`
}
