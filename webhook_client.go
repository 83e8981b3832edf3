package vqs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
)

// Webhook 协议头。
const (
	HeaderQueueName      = "x-vqs-queue-name"
	HeaderMessageID      = "x-vqs-message-id"
	HeaderMessageAttempt = "x-vqs-message-attempt"
)

// 响应体最多读取 64 KiB。
const maxResponseBody = 64 << 10

type webhookResponse struct {
	Status int
	Body   []byte
	Header http.Header
}

// postWebhook 同步 POST 负载到 webhook，返回状态码、响应体与响应头。
func postWebhook(ctx context.Context, client *http.Client, url string, payload []byte, attempt DeliveryAttempt) (webhookResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return webhookResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderQueueName, attempt.GroupKey)
	req.Header.Set(HeaderMessageID, attempt.MessageID)
	req.Header.Set(HeaderMessageAttempt, strconv.Itoa(attempt.Attempt))

	resp, err := client.Do(req)
	if err != nil {
		return webhookResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return webhookResponse{Status: resp.StatusCode, Header: resp.Header}, err
	}
	return webhookResponse{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}
