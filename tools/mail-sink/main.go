// mail-sink is a local stand-in for the mail provider API. Point
// MAIL_ENDPOINT at /send to watch a campaign drain end to end without
// sending real mail. FAIL_RATE injects 503s to exercise retries.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type message struct {
	Timestamp  string `json:"timestamp"`
	From       string `json:"from"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	CampaignID string `json:"campaign_id"`
	DeliveryID string `json:"delivery_id"`
}

type stats struct {
	Accepted     int64     `json:"accepted"`
	Rejected     int64     `json:"rejected"`
	LastMessages []message `json:"last_messages"`
	Since        string    `json:"since"`
}

var (
	mu           sync.Mutex
	accepted     int64
	rejected     int64
	lastMessages []message
	since        time.Time
	maxStored    = 50
	failRate     float64
)

func main() {
	since = time.Now().UTC()

	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			log.Fatalf("invalid FAIL_RATE %q: must be in [0, 1]", v)
		}
		failRate = f
	}

	http.HandleFunc("/send", sendHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		accepted = 0
		rejected = 0
		lastMessages = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("mail-sink listening on %s (fail_rate=%.2f)", addr, failRate)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		HTML    string `json:"html"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if failRate > 0 && rand.Float64() < failRate {
		mu.Lock()
		rejected++
		mu.Unlock()
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	msg := message{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		From:       req.From,
		To:         req.To,
		Subject:    req.Subject,
		CampaignID: r.Header.Get("X-EasyBlast-Campaign-ID"),
		DeliveryID: r.Header.Get("X-EasyBlast-Delivery-ID"),
	}

	mu.Lock()
	accepted++
	lastMessages = append(lastMessages, msg)
	if len(lastMessages) > maxStored {
		lastMessages = lastMessages[len(lastMessages)-maxStored:]
	}
	n := accepted
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"message_id": fmt.Sprintf("sink-%d-%d", time.Now().UnixNano(), n),
	})
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Accepted:     accepted,
		Rejected:     rejected,
		LastMessages: lastMessages,
		Since:        since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
