package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Run against a server started with e.g. SEED_STOCK=1001:20.
const (
	defaultBaseURL = "http://localhost:8080"
	skuID          = 1001
	totalRequests  = 50
	concurrency    = 25
	replays        = 10
)

type deductRequest struct {
	SkuID      int64  `json:"sku_id"`
	Quantity   int    `json:"quantity"`
	BusinessID string `json:"business_id"`
}

type deductResponse struct {
	Success  bool   `json:"success"`
	Code     string `json:"code"`
	Replayed bool   `json:"replayed"`
}

type stockLevel struct {
	AvailableStock int `json:"available_stock"`
}

func main() {
	ctx := context.Background()
	baseURL := os.Getenv("STRESS_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: 10 * time.Second}

	initial, err := available(ctx, client, baseURL)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}

	var successCount, soldOutCount, otherCount, replayCount atomic.Int32
	businessIDs := make([]string, totalRequests)
	for i := range businessIDs {
		businessIDs[i] = "stress-" + uuid.NewString()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	start := time.Now()

	// every business id is sent once, the first few twice
	for i := 0; i < totalRequests+replays; i++ {
		businessID := businessIDs[i%totalRequests]
		g.Go(func() error {
			resp, err := deduct(gctx, client, baseURL, businessID)
			if err != nil {
				return err
			}
			switch {
			case resp.Replayed:
				replayCount.Add(1)
			case resp.Success:
				successCount.Add(1)
			case resp.Code == "INSUFFICIENT_STOCK":
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("request failed: %v", err)
	}
	elapsed := time.Since(start)

	final, err := available(ctx, client, baseURL)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}

	success := int(successCount.Load())
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initial)
	fmt.Printf("Total Requests:   %d (%d replays)\n", totalRequests+replays, replays)
	fmt.Printf("Applied:          %d\n", success)
	fmt.Printf("Replayed:         %d\n", replayCount.Load())
	fmt.Printf("Sold Out:         %d\n", soldOutCount.Load())
	fmt.Printf("Other:            %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Printf("Final Stock:      %d\n", final)
	fmt.Println("==========================================")

	if final < 0 {
		fmt.Printf("FAIL: stock went negative: %d\n", final)
		os.Exit(1)
	}
	if final != initial-success {
		fmt.Printf("FAIL: expected stock %d, got %d\n", initial-success, final)
		os.Exit(1)
	}
	fmt.Println("PASS: every applied deduction accounted for, no oversell")
}

func deduct(ctx context.Context, client *http.Client, baseURL, businessID string) (*deductResponse, error) {
	body, err := json.Marshal(deductRequest{SkuID: skuID, Quantity: 1, BusinessID: businessID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/stock/deduct", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out deductResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", resp.Status, err)
	}
	return &out, nil
}

func available(ctx context.Context, client *http.Client, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/stock/%d", baseURL, skuID), nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get stock: %s", resp.Status)
	}

	var level stockLevel
	if err := json.NewDecoder(resp.Body).Decode(&level); err != nil {
		return 0, err
	}
	return level.AvailableStock, nil
}
