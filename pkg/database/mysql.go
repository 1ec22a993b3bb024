package database

import (
	"time"

	"llm-webui-go/internal/model"
	"llm-webui-go/pkg/log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 数据库连接，并自动建表。
func InitMySQL(dsn string) {
	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 启动时确保两张表存在
	if err := DB.AutoMigrate(&model.Conversation{}, &model.Message{}); err != nil {
		log.Fatal("failed to migrate schema", err)
	}

	log.Info("MySQL database connected successfully")
}
