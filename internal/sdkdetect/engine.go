package sdkdetect

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// maxSplitDepth 分包递归深度上限：外层XAPK加base APK共两层
// 超过即视为恶意构造的嵌套清单。
const maxSplitDepth = 2

// Engine SDK扫描引擎
// 每次扫描独立打开归档视图、独立持有结果集，不同安装包可并发扫描。
type Engine struct {
	registry *Registry
	logger   *logrus.Logger
}

// Result 批量扫描中单个输入的结果
type Result struct {
	Path  string
	Flags FlagSet
	Err   error
}

// NewEngine 使用给定注册表创建扫描引擎
func NewEngine(registry *Registry, logger *logrus.Logger) *Engine {
	return &Engine{
		registry: registry,
		logger:   logger,
	}
}

// ScanFile 扫描文件路径指向的安装包
func (e *Engine) ScanFile(ctx context.Context, path string) (FlagSet, error) {
	e.logger.WithField("package", path).Debug("Starting SDK scan")

	ar, err := OpenArchive(path)
	if err != nil {
		return 0, err
	}
	defer ar.Close()

	return e.scan(ctx, ar, 1)
}

// ScanBytes 扫描内存中的安装包字节
func (e *Engine) ScanBytes(ctx context.Context, data []byte) (FlagSet, error) {
	ar, err := NewArchive(data)
	if err != nil {
		return 0, err
	}
	defer ar.Close()

	return e.scan(ctx, ar, 1)
}

// Scan 扫描已打开的归档视图，调用方负责关闭
func (e *Engine) Scan(ctx context.Context, ar *Archive) (FlagSet, error) {
	return e.scan(ctx, ar, 1)
}

// ScanAll 批量扫描多个安装包路径
// 每个输入独立成功或失败，结果与输入一一对应。
func (e *Engine) ScanAll(ctx context.Context, paths []string) []Result {
	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		flags, err := e.ScanFile(ctx, path)
		if err != nil {
			e.logger.WithField("package", path).WithError(err).Warn("SDK scan failed")
		}
		results = append(results, Result{Path: path, Flags: flags, Err: err})
	}
	return results
}

// scan 对单层归档执行检测，遇到分包清单时递归进入base成员
func (e *Engine) scan(ctx context.Context, ar *Archive, depth int) (FlagSet, error) {
	if depth > maxSplitDepth {
		return 0, fmt.Errorf("%w: depth %d", ErrRecursionLimit, depth)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if ar.Has(ManifestEntryName) {
		return e.scanSplit(ctx, ar, depth)
	}

	var flags FlagSet
	for _, name := range ar.EntryNames() {
		for _, f := range e.registry.order {
			// 已确认的SDK不再取证
			if flags.Has(f) {
				continue
			}
			if e.registry.detectors[f].match(ar, name) {
				flags.Add(f)
			}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"entries": len(ar.EntryNames()),
		"sdks":    flags.String(),
	}).Debug("SDK scan complete")

	return flags, nil
}

// scanSplit 处理XAPK分包：解析清单，结果完全取自base成员
func (e *Engine) scanSplit(ctx context.Context, ar *Archive, depth int) (FlagSet, error) {
	data, err := ar.ReadEntry(ManifestEntryName)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrBadManifest, ManifestEntryName, err)
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return 0, err
	}

	base := manifest.BaseAPK()
	if base == "" {
		// 无base成员时无从取证，按空结果而非错误处理
		e.logger.WithField("package_name", manifest.PackageName).
			Debug("Split package has no base member, nothing to scan")
		return 0, nil
	}

	e.logger.WithFields(logrus.Fields{
		"package_name": manifest.PackageName,
		"base":         base,
		"splits":       len(manifest.SplitAPKs),
	}).Debug("Split package detected, descending into base member")

	baseData, err := ar.ReadEntry(base)
	if err != nil {
		return 0, fmt.Errorf("%w: base member %q: %v", ErrBadManifest, base, err)
	}

	inner, err := NewArchive(baseData)
	if err != nil {
		return 0, err
	}
	defer inner.Close()

	return e.scan(ctx, inner, depth+1)
}
