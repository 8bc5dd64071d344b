// facegate-recognizer - gRPC recognition service backed by the simulated recognizer
package main

import (
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/facegate/internal/recognition"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	addr := os.Getenv("RECOGNIZER_LISTEN_ADDR")
	if addr == "" {
		addr = ":50051"
	}
	latency := recognition.DefaultLatency
	if v := os.Getenv("SIMULATED_LATENCY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("Invalid SIMULATED_LATENCY", "value", v, "error", err)
			os.Exit(1)
		}
		latency = d
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Minute,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(16<<20),
	)
	svc := recognition.RegisterGrpcService(srv, recognition.NewSimulatedRecognizer(latency), recognition.DefaultTimeout, logger)

	go func() {
		slog.Info("Recognizer listening", "addr", lis.Addr().String(), "latency", latency)
		if err := srv.Serve(lis); err != nil {
			slog.Error("Recognizer failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down gracefully...")
	svc.Shutdown()
	srv.GracefulStop()
	slog.Info("Recognizer stopped")
}
