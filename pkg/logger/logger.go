package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	log = newLogger("info", "text", os.Stdout)
)

func newLogger(level, format string, out io.Writer) *logrus.Logger {
	l := logrus.New()

	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(out)
	return l
}

// Init 初始化全局日志实例
func Init(level, format string) {
	mu.Lock()
	log = newLogger(level, format, os.Stdout)
	mu.Unlock()
}

// SetOutput 重定向日志输出，测试中常用
func SetOutput(out io.Writer) {
	mu.Lock()
	log.SetOutput(out)
	mu.Unlock()
}

// L 返回全局日志实例
func L() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// WithComponent 返回带组件标签的日志条目
func WithComponent(name string) *logrus.Entry {
	return L().WithField("component", name)
}
