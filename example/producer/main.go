package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/northseadl/vqs"
)

// 演示生产侧：只入队，不启动消费者。
func main() {
	runID := flag.String("run", "wrun_demo", "workflow run id")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := vqs.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	client, err := vqs.New(ctx, cfg)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	defer client.Close(ctx)

	res, err := client.Enqueue(ctx, "__wkf_workflow_"+*runID, vqs.NewRunTrigger(vqs.RunTrigger{RunID: *runID}))
	if err != nil {
		if vqs.HasTextCode(err, vqs.ErrCodeUnknownGroupPrefix) {
			log.Fatalf("unroutable group key: %v", err)
		}
		log.Fatalf("enqueue: %v", err)
	}
	log.Printf("enqueued run %s as message %s", *runID, res.MessageID)
}
