package service

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"kiosk-agent/internal/models"

	"go.uber.org/zap"
)

// Display 状态展示
// 终端没有键盘，屏幕是唯一的运营界面：等待指派时必须醒目展示配对码
type Display interface {
	ShowStatus(state models.BootState, message string)
	ShowPairingCode(code string)
}

// statusPayload 状态文件内容
type statusPayload struct {
	State       string    `json:"state"`
	Message     string    `json:"message,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FileDisplay 基于状态文件的展示实现
// 渲染端轮询该 JSON 文件决定显示内容
type FileDisplay struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	current statusPayload
}

// NewFileDisplay 创建文件展示
func NewFileDisplay(path string, logger *zap.Logger) *FileDisplay {
	return &FileDisplay{
		path:   path,
		logger: logger,
	}
}

// ShowStatus 更新状态行
func (d *FileDisplay) ShowStatus(state models.BootState, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.current.State = state.String()
	d.current.Message = message
	if state != models.StateWaiting {
		d.current.PairingCode = ""
	}
	d.write()
}

// ShowPairingCode 展示配对码
func (d *FileDisplay) ShowPairingCode(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.current.State = models.StateWaiting.String()
	d.current.PairingCode = code
	d.current.Message = ""
	d.write()
}

// write 原子写入状态文件（先写临时文件再改名）
func (d *FileDisplay) write() {
	d.current.UpdatedAt = time.Now()

	data, err := json.Marshal(d.current)
	if err != nil {
		d.logger.Error("Failed to encode status file",
			zap.Error(err),
		)
		return
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		d.logger.Error("Failed to write status file",
			zap.Error(err),
		)
		return
	}
	if err := os.Rename(tmp, d.path); err != nil {
		d.logger.Error("Failed to replace status file",
			zap.Error(err),
		)
	}
}
