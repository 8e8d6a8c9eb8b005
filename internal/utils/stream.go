package utils

import (
	"bufio"
	"encoding/json"
	"io"
)

// jsonlFlushInterval 每写入多少行自动刷新一次缓冲区
// 导出接口边扫边下载时依赖该值保证客户端及时收到数据
const jsonlFlushInterval = 100

// JSONLWriter 流式 JSONL 写入器
type JSONLWriter struct {
	writer       *bufio.Writer
	linesWritten int
}

// NewJSONLWriter 创建流式 JSONL 写入器
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{
		writer: bufio.NewWriterSize(w, 64*1024),
	}
}

// WriteLine 序列化并写入一行 JSON
func (w *JSONLWriter) WriteLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}

	w.linesWritten++
	if w.linesWritten%jsonlFlushInterval == 0 {
		return w.writer.Flush()
	}
	return nil
}

// LinesWritten 已写入的行数
func (w *JSONLWriter) LinesWritten() int {
	return w.linesWritten
}

// Flush 刷新缓冲区
func (w *JSONLWriter) Flush() error {
	return w.writer.Flush()
}

// JSONLReader 流式 JSONL 读取器
type JSONLReader struct {
	scanner *bufio.Scanner
	lineNum int
}

// NewJSONLReader 创建流式 JSONL 读取器
// 缓冲区放大到 10MB 以容纳超长结果行
func NewJSONLReader(r io.Reader) *JSONLReader {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)

	return &JSONLReader{scanner: scanner}
}

// ReadNext 读取下一行并解析到 v，文件结束返回 io.EOF
func (r *JSONLReader) ReadNext(v interface{}) error {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return err
		}
		return io.EOF
	}

	r.lineNum++
	return json.Unmarshal(r.scanner.Bytes(), v)
}

// LineNumber 当前行号
func (r *JSONLReader) LineNumber() int {
	return r.lineNum
}
