package hardware

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// SerialPort 串口接口（用于测试）
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// PortOpener 串口打开函数，测试时可替换为内存实现
type PortOpener func(name string, baud int, readTimeout time.Duration) (SerialPort, error)

// OpenSerialPort 打开物理串口（8N1）
func OpenSerialPort(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
	cfg := &serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	}
	return serial.OpenPort(cfg)
}

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FindDevice 按通配符扫描可用的串口设备
func FindDevice(patterns []string) string {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}

		// 优先选择ACM设备
		for _, device := range matches {
			if strings.Contains(device, "ACM") {
				return device
			}
		}

		if len(matches) > 0 {
			return matches[0]
		}
	}

	// macOS设备路径
	macPatterns := []string{
		"/dev/cu.usbmodem*",
		"/dev/tty.usbmodem*",
	}

	for _, pattern := range macPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		if len(matches) > 0 {
			return matches[0]
		}
	}

	return ""
}

// isDisconnectError 判断错误是否意味着设备已断开
func isDisconnectError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "permission denied")
}

// isIdleReadError 判断读取错误是否只是"本轮没有数据"
// 某些USB-CDC设备在读超时后返回EOF，不是致命错误
func isIdleReadError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") || strings.Contains(errStr, "timeout")
}
