package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/config"
	"github.com/sdkscan/sdkscan-go/internal/queue"
	"github.com/sdkscan/sdkscan-go/internal/repository"
	"github.com/sdkscan/sdkscan-go/internal/service"
)

func main() {
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	mqConfig := &queue.RabbitMQConfig{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}

	mq, err := queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.Queue, 1, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)

	scanRepo := repository.NewScanTaskRepository(db, logger)
	scanService := service.NewScanService(scanRepo, 0, logger)

	// 把重试额度内的失败任务重置回排队状态
	tasks, err := scanService.RequeueFailed(context.Background())
	if err != nil {
		log.Fatalf("Failed to requeue scans: %v", err)
	}

	fmt.Printf("找到 %d 个可重试的失败任务\n", len(tasks))

	// 重新投递到队列
	successCount := 0
	for i, task := range tasks {
		msg := &queue.ScanMessage{
			ScanID:      task.ID,
			PackageName: task.PackageName,
			PackagePath: task.PackagePath,
		}

		if err := producer.PublishScan(context.Background(), msg); err != nil {
			log.Printf("❌ Failed to publish scan %s: %v", task.ID, err)
			continue
		}

		successCount++
		if (i+1)%100 == 0 {
			fmt.Printf("进度: %d/%d\n", i+1, len(tasks))
		}
	}

	fmt.Printf("\n✅ 成功重新入队 %d/%d 个任务\n", successCount, len(tasks))
}
