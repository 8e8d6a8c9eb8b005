package sdkdetect

import "errors"

// 会跨越引擎边界的错误类别，调用方用 errors.Is 区分。
// 条目级的读取/解码失败不在此列，它们在谓词内部被吸收为"无证据"。
var (
	// ErrBadArchive 输入不是合法的zip容器
	ErrBadArchive = errors.New("not a valid zip archive")

	// ErrBadManifest 分包清单存在但无法按预期结构解析
	ErrBadManifest = errors.New("split package manifest is malformed")

	// ErrRecursionLimit 分包嵌套超过深度上限
	ErrRecursionLimit = errors.New("split package recursion limit exceeded")
)
