package report

import (
	"fmt"
	"io"

	"github.com/sdkscan/sdkscan-go/internal/sdkdetect"
	"github.com/sdkscan/sdkscan-go/internal/utils"
)

// Record 单个输入的扫描结果视图，JSONL 导出时一行一条
type Record struct {
	Path  string   `json:"path"`
	SDKs  []string `json:"sdks"`
	Error string   `json:"error,omitempty"`
}

// FromResult 把引擎结果转换为报告记录
func FromResult(r sdkdetect.Result) Record {
	rec := Record{
		Path: r.Path,
		SDKs: r.Flags.Names(),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// WriteText 以纯文本输出检测结果，每行一个SDK名称
// 多个输入时加路径前缀区分归属。失败的输入由调用方记录日志，这里跳过。
func WriteText(w io.Writer, results []sdkdetect.Result) error {
	bulk := len(results) > 1
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		for _, name := range r.Flags.Names() {
			var err error
			if bulk {
				_, err = fmt.Fprintf(w, "%s: %s\n", r.Path, name)
			} else {
				_, err = fmt.Fprintln(w, name)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteJSONL 以 JSONL 输出检测结果，失败的输入也会产出一条带错误信息的记录
func WriteJSONL(w io.Writer, results []sdkdetect.Result) error {
	writer := utils.NewJSONLWriter(w)
	for _, r := range results {
		if err := writer.WriteLine(FromResult(r)); err != nil {
			return err
		}
	}
	return writer.Flush()
}
