// Сервер коллабораторов на заглушках: локальная разработка и стенды без реальных источников.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/xela07ax/intel-pipeline/internal/connectors"
	"github.com/xela07ax/intel-pipeline/internal/infra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("connector")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []grpc.ServerOption{}
	if cfg.Connectors.ServiceToken != "" {
		opts = append(opts, grpc.UnaryInterceptor(connectors.UnaryTokenInterceptor(cfg.Connectors.ServiceToken)))
	} else {
		logger.Warn("connectors.service_token is empty, calls are not authenticated")
	}
	grpcSrv := grpc.NewServer(opts...)
	connectors.NewServer(connectors.NewMockFetcher(), connectors.NewMockAnalyzer(), logger).Register(grpcSrv)

	lis, err := net.Listen("tcp", cfg.Connectors.ListenAddr)
	if err != nil {
		logger.Fatal("failed to listen gRPC", zap.String("addr", cfg.Connectors.ListenAddr), zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		logger.Info("connector stopping")
		grpcSrv.GracefulStop()
	}()

	logger.Info("connector gRPC server started", zap.String("addr", lis.Addr().String()))
	if err := grpcSrv.Serve(lis); err != nil {
		logger.Fatal("failed to serve gRPC", zap.Error(err))
	}
	logger.Info("connector exited properly")
}
