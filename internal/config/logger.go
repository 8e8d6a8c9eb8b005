package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// InitLogger 按配置构建进程级logger
func InitLogger(cfg *LogConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// 记录调用位置，路径只保留文件名避免刷屏
	logger.SetReportCaller(true)
	logger.SetFormatter(buildFormatter(cfg.Format))
	logger.SetOutput(os.Stdout)

	return logger
}

func buildFormatter(format string) logrus.Formatter {
	caller := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat:  "2006-01-02 15:04:05",
			CallerPrettyfier: caller,
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  "2006/01/02 15:04:05",
		CallerPrettyfier: caller,
	}
}
