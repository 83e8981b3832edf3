package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/northseadl/vqs"
)

// 演示单进程部署：同一进程提供 webhook 并运行 Forwarder。
// 运行前设置 VQS_SERVER_URL=http://localhost:8080，其余配置见 VQS_* 环境变量。

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := vqs.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	client, err := vqs.New(ctx, cfg)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}

	step := vqs.StepHandler(func(ctx context.Context, s vqs.StepTrigger, meta vqs.MessageMetadata) (*vqs.HandlerResult, error) {
		log.Printf("step %s/%s attempt=%d", s.WorkflowRunID, s.StepID, meta.Attempt)
		if meta.Attempt == 1 {
			// 第一次请求 5 秒后重投
			return &vqs.HandlerResult{TimeoutSeconds: 5}, nil
		}
		return nil, nil
	})
	run := vqs.RunHandler(func(ctx context.Context, r vqs.RunTrigger, meta vqs.MessageMetadata) (*vqs.HandlerResult, error) {
		log.Printf("run %s attempt=%d", r.RunID, meta.Attempt)
		return nil, nil
	})
	mux, err := client.WebhookMux(map[vqs.Kind]vqs.QueueHandlerFunc{vqs.KindStep: step, vqs.KindRun: run})
	if err != nil {
		log.Fatalf("mount webhooks: %v", err)
	}

	srv := &http.Server{Addr: ":8080", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	if err := client.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	trigger := vqs.NewStepTrigger(vqs.StepTrigger{
		WorkflowName:      "demo",
		WorkflowRunID:     "wrun_demo",
		WorkflowStartedAt: time.Now().UnixMilli(),
		StepID:            "step_1",
	})
	res, err := client.Enqueue(ctx, "__wkf_step_demo_wrun_demo", trigger)
	if err != nil {
		log.Fatalf("enqueue: %v", err)
	}
	log.Printf("enqueued message %s", res.MessageID)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := client.Close(shutdownCtx); err != nil {
		log.Printf("close: %v", err)
	}
}
