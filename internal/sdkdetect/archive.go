package sdkdetect

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"unicode/utf8"
)

// Archive 安装包的只读zip视图
// 只暴露条目列表和按名称读取两种能力，每层递归各持有一个实例。
type Archive struct {
	names  []string
	files  map[string]*zip.File
	closer io.Closer
}

// OpenArchive 从文件路径打开安装包
// 文件无法访问返回普通IO错误，内容不是合法zip时返回 ErrBadArchive。
func OpenArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat package: %w", err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w: %v", path, ErrBadArchive, err)
	}

	ar := newArchive(zr)
	ar.closer = f
	return ar, nil
}

// NewArchive 以内存字节为内容打开安装包
func NewArchive(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	return newArchive(zr), nil
}

func newArchive(zr *zip.Reader) *Archive {
	ar := &Archive{
		names: make([]string, 0, len(zr.File)),
		files: make(map[string]*zip.File, len(zr.File)),
	}
	for _, f := range zr.File {
		ar.names = append(ar.names, f.Name)
		// 同名条目以首个为准
		if _, ok := ar.files[f.Name]; !ok {
			ar.files[f.Name] = f
		}
	}
	return ar
}

// EntryNames 返回全部条目名，保持归档内原始顺序
func (a *Archive) EntryNames() []string {
	return a.names
}

// Has 判断条目是否存在
func (a *Archive) Has(name string) bool {
	_, ok := a.files[name]
	return ok
}

// ReadEntry 读取条目的完整内容
func (a *Archive) ReadEntry(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("entry %q not found in archive", name)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %q: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %q: %w", name, err)
	}
	return data, nil
}

// ReadText 按UTF-8读取文本条目，内容不是合法UTF-8时报错
func (a *Archive) ReadText(name string) (string, error) {
	data, err := a.ReadEntry(name)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("entry %q is not valid UTF-8 text", name)
	}
	return string(data), nil
}

// Close 释放底层文件句柄，内存归档为空操作
func (a *Archive) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
