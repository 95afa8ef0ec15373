package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// serviceName 集中日志检索用的固定服务名
const serviceName = "kiosk-agent"

// NewLogger 创建终端代理 Logger
// level: "debug"/"info"/"warn"/"error"（非法值回退 "info"）
// format: "json"（生产，stdout）或 "console"（开发）
// bootID: 本次进程启动的标识；设备无人值守，排障基本靠按次启动检索日志
func NewLogger(level, format, bootID string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var config zap.Config
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// 标准输出便于容器和日志收集器捕获
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	base, err := config.Build()
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{zap.String("service_name", serviceName)}
	if bootID != "" {
		fields = append(fields, zap.String("boot_id", bootID))
	}
	// 主机名区分集群里的具体设备
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		fields = append(fields, zap.String("hostname", hostname))
	}

	return base.With(fields...), nil
}
