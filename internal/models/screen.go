package models

import "time"

// ScreenRecord 屏幕目录中的一行（每台物理设备一行）
// id 由目录在创建时分配，设备端只读
// assigned_path 由运营端写入，设备端绝不修改
type ScreenRecord struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	AssignedPath *string   `json:"assigned_path"`
	LastSeen     time.Time `json:"last_seen"`
	CurrentPage  *string   `json:"current_page"`
	Name         *string   `json:"name"`
	UserAgent    *string   `json:"user_agent"`
}

// HeartbeatUpdate 心跳部分更新
// 只包含活性/诊断字段；nil 表示该字段保持不变
type HeartbeatUpdate struct {
	CurrentPage *string
	UserAgent   *string
	Name        *string
}

// BootState 启动状态机状态
type BootState int

const (
	StateBooting BootState = iota
	StateRegistering
	StateWaiting
	StateAssigned
)

// String 返回状态名称（用于日志和状态文件）
func (s BootState) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateRegistering:
		return "registering"
	case StateWaiting:
		return "waiting"
	case StateAssigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// BroadcastEvent 广播命令通道上的消息
type BroadcastEvent struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
}

// 广播事件名称
const (
	BroadcastReload = "reload"
)
