// 设备模拟器：在一个串口（通常是socat造出来的pty）上扮演售卖机固件，
// 按行协议应答主控的命令，用于没有整机时的联调。
//
// 用法:
//
//	socat -d -d pty,raw,echo=0,link=/tmp/vendo-host pty,raw,echo=0,link=/tmp/vendo-dev
//	go run ./cmd/simulator -port /tmp/vendo-dev -stock 10:20,5:20,1:50
//	go run ./cmd/server  # serial.port 指向 /tmp/vendo-host
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/paper-vendo/internal/hardware"
)

type device struct {
	port  hardware.SerialPort
	log   *zap.Logger
	debug bool

	coins    int
	coinslot bool
	stock    map[int]int
	paper    map[hardware.PaperType]int

	coinDelay  time.Duration
	paperDelay time.Duration
}

func main() {
	var (
		portName   = flag.String("port", "/dev/ttyUSB1", "串口设备路径（pty或物理口）")
		baud       = flag.Int("baud", 115200, "波特率")
		stockSpec  = flag.String("stock", "10:50,5:50,1:100", "硬币库存，面值:数量逗号分隔")
		paperSpec  = flag.String("paper", "SHORT:50,LONG:50", "纸张库存，类型:数量逗号分隔")
		coins      = flag.Int("coins", 0, "初始投币计数")
		coinDelay  = flag.Duration("coin-delay", 300*time.Millisecond, "每枚硬币的出币耗时")
		paperDelay = flag.Duration("paper-delay", 2*time.Second, "每张纸的出纸耗时")
		debug      = flag.Bool("v", false, "打印每条收发")
	)
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	stock, err := parseCoinStock(*stockSpec)
	if err != nil {
		log.Fatal("硬币库存参数非法", zap.Error(err))
	}
	paper, err := parsePaperStock(*paperSpec)
	if err != nil {
		log.Fatal("纸张库存参数非法", zap.Error(err))
	}

	// ReadTimeout为0，读取一直阻塞到有数据
	port, err := hardware.OpenSerialPort(*portName, *baud, 0)
	if err != nil {
		log.Fatal("打开串口失败", zap.String("port", *portName), zap.Error(err))
	}

	dev := &device{
		port:       port,
		log:        log,
		debug:      *debug,
		coins:      *coins,
		coinslot:   true,
		stock:      stock,
		paper:      paper,
		coinDelay:  *coinDelay,
		paperDelay: *paperDelay,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("模拟器退出")
		port.Close()
		os.Exit(0)
	}()

	log.Info("设备模拟器已启动",
		zap.String("port", *portName),
		zap.Int("baud", *baud),
		zap.Any("stock", stock),
		zap.Any("paper", paper))

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if dev.debug {
			log.Debug("收到命令", zap.String("line", line))
		}
		dev.handle(line)
	}
	if err := scanner.Err(); err != nil {
		log.Error("串口读取结束", zap.Error(err))
	}
}

// handle 处理一条主控命令
func (d *device) handle(line string) {
	fields := strings.Fields(line)

	switch {
	case line == hardware.CmdStatus:
		d.send("OK")

	case line == hardware.CmdCoins:
		d.send(strconv.Itoa(d.coins))

	case line == hardware.CmdCoinsReset:
		d.coins = 0
		d.send("OK")

	case line == hardware.CmdReset:
		time.Sleep(200 * time.Millisecond)
		d.send("OK")

	case line == hardware.CmdStop:
		d.send("OK")

	case line == "COINSLOT ON":
		d.coinslot = true
		d.send("OK")

	case line == "COINSLOT OFF":
		d.coinslot = false
		d.send("OK")

	case strings.HasPrefix(line, "PAPER? "):
		d.handlePaperQuery(fields)

	case fields[0] == "HOPPER" && len(fields) == 3:
		d.handleHopper(fields)

	case fields[0] == "PAPER" && len(fields) == 3:
		d.handlePaper(fields)

	case fields[0] == "CHANGE" && len(fields) == 2:
		d.handleChange(fields)

	case line == hardware.DoneChange:
		// 主控找零结束后的通知，无需应答

	default:
		d.send("ERR UNKNOWN")
	}
}

// handleHopper 出币：每枚一行确认，库存耗尽时上报超时
// 真机上币仓空了表现为出币传感器等不到硬币，固件报 ERR TIMEOUT。
func (d *device) handleHopper(fields []string) {
	denom, err1 := strconv.Atoi(fields[1])
	count, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || denom <= 0 || count <= 0 {
		d.send("ERR PARAM")
		return
	}

	for i := 1; i <= count; i++ {
		if d.stock[denom] <= 0 {
			time.Sleep(d.coinDelay)
			d.send("ERR TIMEOUT")
			return
		}
		time.Sleep(d.coinDelay)
		d.stock[denom]--
		d.send(fmt.Sprintf("OUT %d Count: %d/%d", denom, i, count))
	}
	d.send(hardware.DoneHopper)
}

// handlePaper 出纸：逐张走纸，纸仓空了上报
func (d *device) handlePaper(fields []string) {
	paperType, ok := hardware.ParsePaperType(fields[1])
	if !ok {
		d.send("ERR PARAM")
		return
	}
	count, err := strconv.Atoi(fields[2])
	if err != nil || count <= 0 {
		d.send("ERR PARAM")
		return
	}

	for i := 0; i < count; i++ {
		if d.paper[paperType] <= 0 {
			d.send("ERR EMPTY")
			return
		}
		time.Sleep(d.paperDelay)
		d.paper[paperType]--
	}
	d.send(hardware.DonePaper)
}

// handlePaperQuery 纸张检测：1有纸 0无纸
func (d *device) handlePaperQuery(fields []string) {
	if len(fields) != 2 {
		d.send("ERR PARAM")
		return
	}
	paperType, ok := hardware.ParsePaperType(fields[1])
	if !ok {
		d.send("ERR PARAM")
		return
	}
	if d.paper[paperType] > 0 {
		d.send("1")
	} else {
		d.send("0")
	}
}

// handleChange 固件侧整额找零：按面值从大到小贪心出币
// 凑不满也以 DONE CHANGE 收尾，主控按 OUT 行对账。
func (d *device) handleChange(fields []string) {
	amount, err := strconv.Atoi(fields[1])
	if err != nil || amount < 0 {
		d.send("ERR PARAM")
		return
	}

	denoms := make([]int, 0, len(d.stock))
	for denom := range d.stock {
		denoms = append(denoms, denom)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(denoms)))

	remaining := amount
	for _, denom := range denoms {
		for remaining >= denom && d.stock[denom] > 0 {
			time.Sleep(d.coinDelay)
			d.stock[denom]--
			remaining -= denom
			d.send(fmt.Sprintf("OUT %d Count: 1/1", denom))
		}
	}

	if remaining > 0 {
		d.log.Warn("找零凑不满", zap.Int("amount", amount), zap.Int("remaining", remaining))
	}
	d.send(hardware.DoneChange)
}

// send 写出一行应答
func (d *device) send(line string) {
	if d.debug {
		d.log.Debug("应答", zap.String("line", line))
	}
	if _, err := d.port.Write([]byte(line + "\n")); err != nil {
		d.log.Error("写串口失败", zap.Error(err))
	}
}

// parseCoinStock 解析 "10:50,5:50,1:100" 形式的硬币库存
func parseCoinStock(spec string) (map[int]int, error) {
	stock := make(map[int]int)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("格式错误: %q", part)
		}
		denom, err := strconv.Atoi(kv[0])
		if err != nil || denom <= 0 {
			return nil, fmt.Errorf("面值非法: %q", kv[0])
		}
		count, err := strconv.Atoi(kv[1])
		if err != nil || count < 0 {
			return nil, fmt.Errorf("数量非法: %q", kv[1])
		}
		stock[denom] = count
	}
	if len(stock) == 0 {
		return nil, fmt.Errorf("库存为空: %q", spec)
	}
	return stock, nil
}

// parsePaperStock 解析 "SHORT:50,LONG:50" 形式的纸张库存
func parsePaperStock(spec string) (map[hardware.PaperType]int, error) {
	stock := make(map[hardware.PaperType]int)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("格式错误: %q", part)
		}
		paperType, ok := hardware.ParsePaperType(kv[0])
		if !ok {
			return nil, fmt.Errorf("纸张类型非法: %q", kv[0])
		}
		count, err := strconv.Atoi(kv[1])
		if err != nil || count < 0 {
			return nil, fmt.Errorf("数量非法: %q", kv[1])
		}
		stock[paperType] = count
	}
	if len(stock) == 0 {
		return nil, fmt.Errorf("库存为空: %q", spec)
	}
	return stock, nil
}
