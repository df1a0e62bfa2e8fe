package hardware

import (
	"fmt"
	"strconv"
	"strings"
)

// 设备协议：行分隔的ASCII文本，两个方向都以\n结尾。
// 查询命令返回单行数据；长时命令持续输出进度行，以 DONE 行收尾；
// 任何以 ERR 开头的行立即终止本次响应。

// ErrorPrefix 设备错误行前缀
const ErrorPrefix = "ERR"

// 固定命令
const (
	CmdStatus     = "STATUS?"
	CmdCoins      = "COINS?"
	CmdCoinsReset = "COINS=RST"
	CmdReset      = "RESET"
	CmdStop       = "STOP"
)

// 长时命令的完成标记
const (
	DoneHopper = "DONE HOPPER"
	DonePaper  = "DONE PAPER"
	DoneChange = "DONE CHANGE"
)

// PaperType 纸张类型
type PaperType string

const (
	PaperShort PaperType = "SHORT"
	PaperLong  PaperType = "LONG"
)

// ParsePaperType 解析纸张类型参数
func ParsePaperType(s string) (PaperType, bool) {
	switch strings.ToUpper(s) {
	case string(PaperShort):
		return PaperShort, true
	case string(PaperLong):
		return PaperLong, true
	default:
		return "", false
	}
}

// HopperCommand 出币命令
func HopperCommand(denomination, count int) string {
	return fmt.Sprintf("HOPPER %d %d", denomination, count)
}

// PaperCommand 出纸命令
func PaperCommand(paperType PaperType, count int) string {
	return fmt.Sprintf("PAPER %s %d", paperType, count)
}

// PaperQuery 纸张检测命令
func PaperQuery(paperType PaperType) string {
	return fmt.Sprintf("PAPER? %s", paperType)
}

// ChangeCommand 固件侧整额找零命令
func ChangeCommand(amount int) string {
	return fmt.Sprintf("CHANGE %d", amount)
}

// CoinslotCommand 投币器开关命令
func CoinslotCommand(enable bool) string {
	if enable {
		return "COINSLOT ON"
	}
	return "COINSLOT OFF"
}

// ResponseSpec 响应族的完成规则
// 读取循环只依赖这张表判断响应是否结束，不对具体命令做特判。
type ResponseSpec struct {
	SingleLine bool   // 单行查询：收到一条非错误行即完成
	Terminal   string // 完成标记行前缀，空表示依赖静默窗口
}

// familySpec 命令前缀到响应规则的映射，按声明顺序匹配
// PAPER? 必须排在 PAPER 之前，否则纸张检测会被当成出纸命令等待 DONE。
type familySpec struct {
	prefix string
	spec   ResponseSpec
}

var responseSpecs = []familySpec{
	{prefix: CmdCoins, spec: ResponseSpec{SingleLine: true}},
	{prefix: CmdStatus, spec: ResponseSpec{SingleLine: true}},
	{prefix: "PAPER?", spec: ResponseSpec{SingleLine: true}},
	{prefix: "HOPPER", spec: ResponseSpec{Terminal: DoneHopper}},
	{prefix: "PAPER", spec: ResponseSpec{Terminal: DonePaper}},
	{prefix: "CHANGE", spec: ResponseSpec{Terminal: DoneChange}},
}

// ResponseSpecFor 根据命令文本查找响应规则
// 未知命令返回零值规则，由静默窗口判定响应结束。
func ResponseSpecFor(command string) ResponseSpec {
	cmd := strings.TrimSpace(command)
	for _, fs := range responseSpecs {
		if strings.HasPrefix(cmd, fs.prefix) {
			return fs.spec
		}
	}
	return ResponseSpec{}
}

// IsErrorLine 判断是否为设备错误行
func IsErrorLine(line string) bool {
	return strings.HasPrefix(line, ErrorPrefix)
}

// CoinOut 单枚出币确认行
// 固件每出一枚硬币输出一行 "OUT <denom> Count: <i>/<n>"。
type CoinOut struct {
	Denomination int
	Index        int
	Target       int
}

// ParseCoinOut 解析出币确认行
func ParseCoinOut(line string) (CoinOut, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "OUT" {
		return CoinOut{}, false
	}

	denom, err := strconv.Atoi(fields[1])
	if err != nil {
		return CoinOut{}, false
	}

	out := CoinOut{Denomination: denom}

	// 计数部分缺失时仍算有效确认行
	if len(fields) >= 4 && fields[2] == "Count:" {
		if idx := strings.IndexByte(fields[3], '/'); idx > 0 {
			out.Index, _ = strconv.Atoi(fields[3][:idx])
			out.Target, _ = strconv.Atoi(fields[3][idx+1:])
		}
	}

	return out, true
}

// CountConfirmed 统计指定面额的出币确认行数量
// 按字段精确匹配面额，面额1不会误计面额10的行。
func CountConfirmed(lines []string, denomination int) int {
	count := 0
	for _, line := range lines {
		out, ok := ParseCoinOut(line)
		if ok && out.Denomination == denomination {
			count++
		}
	}
	return count
}

// ParseCoinCount 解析COINS?的应答（单个整数行）
func ParseCoinCount(lines []string) (int, error) {
	for _, line := range lines {
		if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("应答中没有计数行: %v", lines)
}

// ParsePaperPresence 解析PAPER?的应答，1表示有纸，0表示无纸
func ParsePaperPresence(lines []string) (present bool, known bool) {
	for _, line := range lines {
		switch strings.TrimSpace(line) {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	}
	return false, false
}
