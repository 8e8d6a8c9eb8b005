package sdkdetect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseManifest_Full 测试完整清单的字段解析
func TestParseManifest_Full(t *testing.T) {
	m, err := ParseManifest(splitManifestJSON("app.apk"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.XAPKVersion)
	assert.Equal(t, "com.example.app", m.PackageName)
	assert.Equal(t, "Example", m.Name)
	assert.Equal(t, "42", m.VersionCode)
	assert.Equal(t, "1.2.3", m.VersionName)
	assert.Equal(t, "21", m.MinSDKVersion)
	assert.Equal(t, "34", m.TargetSDKVersion)
	assert.Equal(t, []string{"android.permission.INTERNET"}, m.Permissions)
	assert.Equal(t, []string{"config.arm64_v8a"}, m.SplitConfigs)
	assert.Equal(t, int64(123456), m.TotalSize)
	assert.Equal(t, "icon.png", m.Icon)
	require.Len(t, m.SplitAPKs, 2)
	assert.Equal(t, SplitAPK{File: "app.apk", ID: "base"}, m.SplitAPKs[0])
}

// TestParseManifest_Invalid 测试非法清单返回清单错误
func TestParseManifest_Invalid(t *testing.T) {
	_, err := ParseManifest([]byte(`{"split_apks": [`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadManifest)

	_, err = ParseManifest([]byte(`{"total_size": "large"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadManifest)
}

// TestSplitManifest_BaseAPK 测试base成员查找
func TestSplitManifest_BaseAPK(t *testing.T) {
	m := &SplitManifest{
		SplitAPKs: []SplitAPK{
			{File: "config.arm64_v8a.apk", ID: "config.arm64_v8a"},
			{File: "app.apk", ID: "base"},
		},
	}
	assert.Equal(t, "app.apk", m.BaseAPK())
}

// TestSplitManifest_BaseAPKMissing 测试无base成员时返回空串
func TestSplitManifest_BaseAPKMissing(t *testing.T) {
	m := &SplitManifest{
		SplitAPKs: []SplitAPK{
			{File: "config.xhdpi.apk", ID: "config.xhdpi"},
		},
	}
	assert.Equal(t, "", m.BaseAPK())

	empty := &SplitManifest{}
	assert.Equal(t, "", empty.BaseAPK())
}

// TestSplitManifest_BaseAPKFirstWins 测试多个base成员时取首个
func TestSplitManifest_BaseAPKFirstWins(t *testing.T) {
	m := &SplitManifest{
		SplitAPKs: []SplitAPK{
			{File: "first.apk", ID: "base"},
			{File: "second.apk", ID: "base"},
		},
	}
	assert.Equal(t, "first.apk", m.BaseAPK())
}
