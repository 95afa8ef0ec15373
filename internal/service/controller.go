package service

import (
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// ExitRestart 请求守护进程重启本进程的退出码
// 终端由进程守护（systemd/容器运行时）托管，退出即重启，
// 从头重入启动序列是无人值守设备最可靠的自愈手段
const ExitRestart = 3

// Controller 进程级控制
// 两个操作都可注入替换，便于无副作用地测试
type Controller interface {
	// Navigate 让渲染端切换到指定内容路由
	Navigate(path string)
	// Restart 强制重启整个进程，重入完整启动序列
	Restart(reason string)
}

// ExecController 基于外部命令和进程退出的控制实现
type ExecController struct {
	// navigateCommand 导航命令；路由作为最后一个参数传入
	navigateCommand string
	logger          *zap.Logger

	// exit 可注入（测试用），默认 os.Exit
	exit func(code int)
}

// NewExecController 创建控制器
func NewExecController(navigateCommand string, logger *zap.Logger) *ExecController {
	return &ExecController{
		navigateCommand: navigateCommand,
		logger:          logger,
		exit:            os.Exit,
	}
}

// Navigate 执行导航命令
func (c *ExecController) Navigate(path string) {
	c.logger.Info("Navigating to assigned route",
		zap.String("path", path),
	)

	if c.navigateCommand == "" {
		return
	}

	cmd := exec.Command(c.navigateCommand, path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		c.logger.Error("Navigate command failed",
			zap.String("command", c.navigateCommand),
			zap.Error(err),
		)
	}
}

// Restart 退出进程交由守护进程重启
func (c *ExecController) Restart(reason string) {
	c.logger.Warn("Forcing process restart",
		zap.String("reason", reason),
	)
	c.exit(ExitRestart)
}
