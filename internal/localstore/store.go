package localstore

// 本地持久化键名
// 设备端私有，不跨设备共享；发现远端记录被删除时全部清除
const (
	KeyDeviceID     = "device_id"
	KeyPairingCode  = "pairing_code"
	KeyAssignedPath = "last_known_assigned_path"
	KeyHostname     = "hostname"
)

// Store 抽象的本地 KV 存储（用于在单元测试中替换 SQLite）
// 必须在同一设备上跨进程重启存活
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Clear(keys ...string) error
}

// IdentityKeys 构成设备身份的全部键
// 远端记录被运营端删除后，这些键整体清除，设备退回全新状态
func IdentityKeys() []string {
	return []string{KeyDeviceID, KeyPairingCode, KeyAssignedPath, KeyHostname}
}
