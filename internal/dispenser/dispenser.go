package dispenser

import (
	"context"
	"sort"
	"time"

	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/logger"
	"go.uber.org/zap"
)

// CommandSender 下发设备命令的最小接口，由hardware.Channel实现
type CommandSender interface {
	SendCommand(command string, opts hardware.SendOptions) (*hardware.CommandResult, error)
}

// ChangeResult 找零结果
// 无论找零是否完整都会返回：缺口通过Remaining报告，由调用方决定后续处理。
type ChangeResult struct {
	Requested int         `json:"requested_amount"`
	Dispensed int         `json:"dispensed_amount"`
	Remaining int         `json:"remaining_amount"`
	Breakdown map[int]int `json:"breakdown"` // 面额 -> 实际出币枚数
	Responses []string    `json:"responses"`
	Complete  bool        `json:"complete"`
}

// HopperResult 单料斗出币结果
type HopperResult struct {
	Denomination int      `json:"denomination"`
	Requested    int      `json:"requested"`
	Dispensed    int      `json:"dispensed"`
	Responses    []string `json:"responses"`
	Complete     bool     `json:"complete"`
}

// PaperResult 出纸结果
type PaperResult struct {
	PaperType string   `json:"paper_type"`
	Requested int      `json:"requested"`
	Responses []string `json:"responses"`
	Complete  bool     `json:"complete"`
}

// ChangeDispenser 找零编排器
// 把目标金额按贪心法拆成各面额的出币指令，逐个料斗执行；
// 料斗出币不足即视为空仓或故障，从本次会话中剔除该面额，用剩余面额继续补足。
type ChangeDispenser struct {
	sender CommandSender
	cfg    *config.DispenserConfig
	log    *zap.Logger
}

// NewChangeDispenser 创建找零编排器
func NewChangeDispenser(sender CommandSender, cfg *config.DispenserConfig) *ChangeDispenser {
	log := logger.GetLogger()
	if log == nil {
		log = zap.NewNop()
	}
	return &ChangeDispenser{
		sender: sender,
		cfg:    cfg,
		log:    log,
	}
}

// DispenseChange 按金额找零
// 永远返回非nil的ChangeResult；error只在参数非法、调用方取消
// 或设备全程无任何应答时出现，找零不完整本身不是错误。
func (d *ChangeDispenser) DispenseChange(ctx context.Context, amount int) (*ChangeResult, error) {
	result := &ChangeResult{
		Requested: amount,
		Remaining: amount,
		Breakdown: make(map[int]int),
		Responses: []string{},
	}
	if amount < 0 {
		return result, errors.Newf(errors.ErrInvalidAmount, "金额不能为负: %d", amount)
	}
	if amount == 0 {
		result.Complete = true
		return result, nil
	}

	d.log.Info("开始找零", zap.Int("amount", amount))

	// 先复位设备，清掉上一笔操作可能遗留的状态
	d.sender.SendCommand(hardware.CmdReset, hardware.SendOptions{NoWait: true})
	if err := sleepCtx(ctx, d.cfg.ResetSettle); err != nil {
		return result, errors.Wrap(err, errors.ErrCanceled, "找零被取消")
	}

	denoms := descending(d.cfg.Denominations)

	for result.Remaining > 0 && len(denoms) > 0 {
		if err := ctx.Err(); err != nil {
			d.log.Warn("找零被取消",
				zap.Int("dispensed", result.Dispensed),
				zap.Int("remaining", result.Remaining))
			return result, errors.Wrap(err, errors.ErrCanceled, "找零被取消")
		}

		denom, ok := pickDenomination(denoms, result.Remaining)
		if !ok {
			// 剩余金额比所有可用面额都小，无法继续拆分
			d.log.Warn("剩余金额无法用可用面额拆分",
				zap.Int("remaining", result.Remaining),
				zap.Ints("denominations", denoms))
			break
		}
		planned := result.Remaining / denom

		confirmed, lines, sendErr := d.runHopper(denom, planned)
		result.Responses = append(result.Responses, lines...)
		if confirmed > 0 {
			result.Breakdown[denom] += confirmed
			result.Dispensed += confirmed * denom
			result.Remaining -= confirmed * denom
		}

		logger.LogDispenseEvent("hopper_round", denom, confirmed,
			zap.Int("planned", planned),
			zap.Int("remaining", result.Remaining))

		if confirmed < planned {
			// 空仓或卡币：本次会话不再使用该面额，也绝不重试它
			d.log.Warn("料斗出币不足，剔除该面额",
				zap.Int("denomination", denom),
				zap.Int("planned", planned),
				zap.Int("confirmed", confirmed))
			denoms = remove(denoms, denom)
		}

		if sendErr != nil && errors.Is(sendErr, errors.ErrSerialDisconnected) {
			// 设备已断开，继续轮询剩余料斗只会白等超时
			d.log.Error("找零期间设备断开", zap.Error(sendErr))
			break
		}

		if result.Remaining > 0 && len(denoms) > 0 {
			if err := sleepCtx(ctx, d.cfg.HopperPause); err != nil {
				return result, errors.Wrap(err, errors.ErrCanceled, "找零被取消")
			}
		}
	}

	result.Complete = result.Remaining == 0
	if result.Complete {
		// 通知设备本笔找零结束
		d.sender.SendCommand(hardware.DoneChange, hardware.SendOptions{NoWait: true})
		result.Responses = append(result.Responses, hardware.DoneChange)
	}

	d.log.Info("找零结束",
		zap.Int("requested", result.Requested),
		zap.Int("dispensed", result.Dispensed),
		zap.Int("remaining", result.Remaining),
		zap.Bool("complete", result.Complete))

	if len(result.Responses) == 0 && result.Dispensed == 0 {
		// 设备全程一言不发，连部分应答都没有
		return result, errors.New(errors.ErrNoDeviceResponse, "找零期间设备无任何应答")
	}
	return result, nil
}

// DispenseHopper 从指定料斗出币
func (d *ChangeDispenser) DispenseHopper(ctx context.Context, denomination, count int) (*HopperResult, error) {
	result := &HopperResult{
		Denomination: denomination,
		Requested:    count,
		Responses:    []string{},
	}
	if !contains(d.cfg.Denominations, denomination) {
		return result, errors.Newf(errors.ErrInvalidDenomination, "不支持的面额: %d", denomination)
	}
	if count <= 0 {
		return result, errors.Newf(errors.ErrInvalidParam, "出币数量必须为正: %d", count)
	}
	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(err, errors.ErrCanceled, "出币被取消")
	}

	confirmed, lines, sendErr := d.runHopper(denomination, count)
	result.Responses = lines
	result.Dispensed = confirmed
	result.Complete = confirmed == count

	logger.LogDispenseEvent("hopper", denomination, confirmed,
		zap.Int("requested", count),
		zap.Bool("complete", result.Complete))

	if sendErr != nil && len(lines) == 0 {
		return result, sendErr
	}
	return result, nil
}

// DispensePaper 出纸
// 出纸没有逐张确认行，只能依赖DONE标记或ERR行判断结果。
func (d *ChangeDispenser) DispensePaper(ctx context.Context, paperType hardware.PaperType, count int) (*PaperResult, error) {
	result := &PaperResult{
		PaperType: string(paperType),
		Requested: count,
		Responses: []string{},
	}
	if count <= 0 {
		return result, errors.Newf(errors.ErrInvalidParam, "出纸数量必须为正: %d", count)
	}
	if err := ctx.Err(); err != nil {
		return result, errors.Wrap(err, errors.ErrCanceled, "出纸被取消")
	}

	timeout := d.cfg.PaperBaseTimeout + time.Duration(count)*d.cfg.PaperPerSheet
	res, err := d.sender.SendCommand(hardware.PaperCommand(paperType, count), hardware.SendOptions{
		Timeout: timeout,
	})
	result.Responses = res.Lines
	result.Complete = err == nil && hasPrefixLine(res.Lines, hardware.DonePaper)

	logger.LogDispenseEvent("paper", 0, count,
		zap.String("paper_type", string(paperType)),
		zap.Bool("complete", result.Complete))

	if err != nil {
		return result, err
	}
	return result, nil
}

// runHopper 执行一条出币命令并统计确认枚数
// 即使命令出错也会统计已收到的确认行，部分出币照样计入。
func (d *ChangeDispenser) runHopper(denomination, count int) (int, []string, error) {
	timeout := d.cfg.HopperBaseTimeout + time.Duration(count)*d.cfg.HopperPerCoin
	res, err := d.sender.SendCommand(hardware.HopperCommand(denomination, count), hardware.SendOptions{
		Timeout: timeout,
	})
	confirmed := hardware.CountConfirmed(res.Lines, denomination)
	if err != nil {
		d.log.Warn("出币命令异常",
			zap.Int("denomination", denomination),
			zap.Int("count", count),
			zap.Int("confirmed", confirmed),
			zap.Error(err))
	}
	return confirmed, res.Lines, err
}

// descending 返回降序排序的副本
func descending(denominations []int) []int {
	out := make([]int, len(denominations))
	copy(out, denominations)
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// pickDenomination 选出不超过剩余金额的最大面额
func pickDenomination(denoms []int, remaining int) (int, bool) {
	for _, d := range denoms {
		if d <= remaining && d > 0 {
			return d, true
		}
	}
	return 0, false
}

func remove(denoms []int, target int) []int {
	out := denoms[:0]
	for _, d := range denoms {
		if d != target {
			out = append(out, d)
		}
	}
	return out
}

func contains(denoms []int, target int) bool {
	for _, d := range denoms {
		if d == target {
			return true
		}
	}
	return false
}

func hasPrefixLine(lines []string, prefix string) bool {
	for _, line := range lines {
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// sleepCtx 可取消的等待
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
