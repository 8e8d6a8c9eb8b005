package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/report"
	"github.com/sdkscan/sdkscan-go/internal/sdkdetect"
)

func main() {
	jsonl := flag.Bool("jsonl", false, "以 JSONL 格式输出，每个输入一行")
	output := flag.String("o", "", "结果写入文件，默认标准输出")
	quiet := flag.Bool("q", false, "只输出扫描结果，不打印过程日志")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sdkscan [-jsonl] [-o file] [-q] PACKAGE...\n\n")
		fmt.Fprintf(os.Stderr, "扫描 APK/XAPK 软件包并输出检测到的SDK名称。\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// 日志走 stderr，结果走 stdout，方便管道消费
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *quiet {
		logger.SetLevel(logrus.ErrorLevel)
	}

	engine := sdkdetect.NewEngine(sdkdetect.DefaultRegistry(), logger)
	results := engine.ScanAll(context.Background(), paths)

	// 单个输入失败不中断批量扫描，逐个报告
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.WithError(r.Err).WithField("path", r.Path).Error("Scan failed")
		}
	}

	out := os.Stdout
	var outFile *os.File
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			logger.Fatalf("Failed to create output file: %v", err)
		}
		outFile = f
		out = f
	}

	var renderErr error
	if *jsonl {
		renderErr = report.WriteJSONL(out, results)
	} else {
		renderErr = report.WriteText(out, results)
	}

	if outFile != nil {
		if err := outFile.Close(); err != nil && renderErr == nil {
			renderErr = err
		}
	}
	if renderErr != nil {
		logger.Fatalf("Failed to write results: %v", renderErr)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
