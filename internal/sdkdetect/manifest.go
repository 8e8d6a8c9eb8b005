package sdkdetect

import (
	"encoding/json"
	"fmt"
)

// ManifestEntryName 分包清单在外层归档中的固定条目名
const ManifestEntryName = "manifest.json"

// baseRoleID 清单中base成员的角色标识
const baseRoleID = "base"

// SplitAPK 清单中单个成员归档的描述
type SplitAPK struct {
	File string `json:"file"` // 外层归档内的相对路径
	ID   string `json:"id"`   // 角色标识: base 或 split配置名
}

// SplitManifest XAPK分包清单
// 每个分包只解析一次，解析后不再修改，取出base字节后即被丢弃。
type SplitManifest struct {
	XAPKVersion      int        `json:"xapk_version"`
	PackageName      string     `json:"package_name"`
	Name             string     `json:"name"`
	VersionCode      string     `json:"version_code"`
	VersionName      string     `json:"version_name"`
	MinSDKVersion    string     `json:"min_sdk_version"`
	TargetSDKVersion string     `json:"target_sdk_version"`
	Permissions      []string   `json:"permissions"`
	SplitConfigs     []string   `json:"split_configs"`
	TotalSize        int64      `json:"total_size"`
	Icon             string     `json:"icon"`
	SplitAPKs        []SplitAPK `json:"split_apks"`
}

// ParseManifest 解析分包清单字节
func ParseManifest(data []byte) (*SplitManifest, error) {
	var m SplitManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}
	return &m, nil
}

// BaseAPK 返回base角色成员的文件名，清单中没有base成员时返回空串
func (m *SplitManifest) BaseAPK() string {
	for _, apk := range m.SplitAPKs {
		if apk.ID == baseRoleID {
			return apk.File
		}
	}
	return ""
}
