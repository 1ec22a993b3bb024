// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm-webui-go/internal/config"
	"llm-webui-go/internal/handler"
	"llm-webui-go/internal/middleware"
	"llm-webui-go/internal/repository"
	"llm-webui-go/internal/service"
	"llm-webui-go/pkg/database"
	"llm-webui-go/pkg/llm"
	"llm-webui-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// 1. 加载 .env 与配置
	_ = godotenv.Load()
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库与缓存
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	// 4. 初始化模型运行时：进程启动时加载一次，之后显式注入各处使用。
	// 加载失败时服务照常启动，仅聊天接口不可用。
	runtime := llm.NewServerRuntime(cfg.Model, cfg.Runtime)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), time.Duration(cfg.Runtime.StartupTimeout+10)*time.Second)
	if err := runtime.Load(loadCtx); err != nil {
		log.Error("模型加载失败，聊天接口将不可用", err)
	}
	cancelLoad()
	defer runtime.Unload()

	// 5. 初始化 Repository 与 Service（依赖注入）
	conversationRepo := repository.NewConversationRepository(database.DB, database.RDB)
	conversationService := service.NewConversationService(conversationRepo)
	chatService := service.NewChatService(runtime, conversationRepo, llm.ChatMLTemplate(), cfg.Generation)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.RequestLogger(), gin.Recovery())

	// 7. 注册路由
	chatHandler := handler.NewChatHandler(chatService, runtime, cfg.Model)
	chatWSHandler := handler.NewChatWSHandler(chatService)
	conversationHandler := handler.NewConversationHandler(conversationService)

	r.GET("/health", chatHandler.Health)

	chat := r.Group("/chat")
	{
		chat.POST("", chatHandler.Chat)
		chat.GET("/models", chatHandler.ListModels)
		chat.GET("/ws", chatWSHandler.Handle)
	}

	conversations := r.Group("/conversations")
	{
		conversations.GET("", conversationHandler.List)
		conversations.POST("", conversationHandler.Create)
		conversations.GET("/:id", conversationHandler.Get)
		conversations.PUT("/:id", conversationHandler.Update)
		conversations.DELETE("/:id", conversationHandler.Delete)
		conversations.POST("/:id/messages", conversationHandler.AddMessage)
		conversations.DELETE("/:id/messages/:messageId", conversationHandler.DeleteMessage)
	}

	// 8. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 卸载模型，释放推理进程占用的内存
	runtime.Unload()
	log.Info("服务已优雅关闭")
}
