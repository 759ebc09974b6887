// Command webhookgenerator posts signed synthetic trace and evaluation events
// at a fixed interval, for exercising a running ingestion endpoint.
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type tracePayload struct {
	EventType  string `json:"event_type"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Model      string `json:"model"`
}

type evaluationPayload struct {
	EventType string  `json:"event_type"`
	ID        string  `json:"id"`
	TraceID   string  `json:"trace_id"`
	Score     float64 `json:"score"`
	Verdict   string  `json:"verdict"`
}

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	interval, err := time.ParseDuration(cfg.Interval)
	if err != nil || interval <= 0 {
		fmt.Fprintln(os.Stderr, "interval must be a positive duration")
		os.Exit(1)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 10 * time.Second}
	for {
		if err := sendDelivery(client, cfg); err != nil {
			fmt.Fprintln(os.Stderr, "delivery error:", err)
		}
		<-ticker.C
	}
}

func loadConfig(path string) (config, error) {
	if strings.TrimSpace(path) == "" {
		return config{}, fmt.Errorf("config path is required")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Source = strings.TrimSpace(cfg.Source)
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	cfg.Interval = strings.TrimSpace(cfg.Interval)

	if cfg.BaseURL == "" || cfg.Source == "" || cfg.Secret == "" || cfg.Interval == "" {
		return config{}, fmt.Errorf("config must include base_url, source, secret, interval")
	}
	return cfg, nil
}

func sendDelivery(client *http.Client, cfg config) error {
	body, err := randomEvent()
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/webhooks/" + cfg.Source
	request, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	request.Header.Set("X-Signature", "sha256="+sign(body, cfg.Secret))
	request.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delivery failed: %s", strings.TrimSpace(string(payload)))
	}

	fmt.Printf("Delivery status: %s\n", resp.Status)
	return nil
}

func randomEvent() ([]byte, error) {
	id, err := randomID(12)
	if err != nil {
		return nil, err
	}

	pick, err := rand.Int(rand.Reader, big.NewInt(4))
	if err != nil {
		return nil, err
	}
	duration, err := rand.Int(rand.Reader, big.NewInt(5000))
	if err != nil {
		return nil, err
	}

	switch pick.Int64() {
	case 0:
		return json.Marshal(evaluationPayload{
			EventType: "evaluation.completed",
			ID:        "ev-" + id,
			TraceID:   "tr-" + id,
			Score:     float64(duration.Int64()%100) / 100,
			Verdict:   "pass",
		})
	case 1:
		return json.Marshal(tracePayload{
			EventType:  "trace.created",
			ID:         "tr-" + id,
			Name:       "chat-completion",
			Status:     "error",
			DurationMS: duration.Int64(),
			Model:      "gpt-4o",
		})
	default:
		return json.Marshal(tracePayload{
			EventType:  "trace.created",
			ID:         "tr-" + id,
			Name:       "chat-completion",
			Status:     "ok",
			DurationMS: duration.Int64(),
			Model:      "gpt-4o",
		})
	}
}

func randomID(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid length")
	}
	raw := make([]byte, (length+1)/2)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw)[:length], nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
