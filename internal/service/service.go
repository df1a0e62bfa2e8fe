package service

import (
	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/dispenser"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"gorm.io/gorm"
)

// Services 服务集合
type Services struct {
	Machine        *MachineService
	Dispenser      *dispenser.ChangeDispenser
	TransactionLog *TransactionLogService
	Auth           *AuthService
}

// NewServices 创建服务集合并完成相互接线
// 交易日志服务会注册为串口通道的命令记录器，之后每条命令自动落库。
func NewServices(cfg *config.Config, channel *hardware.Channel, db *gorm.DB) *Services {
	txlog := NewTransactionLogService(db)
	channel.SetRecorder(txlog)

	return &Services{
		Machine:        NewMachineService(channel),
		Dispenser:      dispenser.NewChangeDispenser(channel, &cfg.Dispenser),
		TransactionLog: txlog,
		Auth:           NewAuthService(&cfg.Security),
	}
}

// Close 关闭所有服务，写完缓冲中的日志
func (s *Services) Close() {
	if s.TransactionLog != nil {
		s.TransactionLog.Close()
	}
}
