package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sdkscan/sdkscan-go/internal/config"
	"github.com/sdkscan/sdkscan-go/internal/repository"
)

func main() {
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	// InitDB 内部执行 AutoMigrate，建表后直接退出
	if _, err := repository.InitDB(&cfg.Database, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	fmt.Println("✓ Migration completed successfully")
}
