// Command chat-receiver stands in for a chat incoming webhook during local
// runs. Point a project's SLACK_WEBHOOK secret at http://<host>:8080/hook to
// capture notifications from the notifier image or NOTIFY_MODE=native.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

type attachment struct {
	Color string `json:"color"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

type message struct {
	Timestamp   string       `json:"timestamp"`
	RunID       string       `json:"run_id,omitempty"`
	Attachments []attachment `json:"attachments"`
	Raw         string       `json:"raw,omitempty"`
}

type stats struct {
	Count    int64     `json:"count"`
	Messages []message `json:"messages"`
	Since    string    `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	messages  []message
	since     time.Time
	maxStored = 50
	// failNext answers that many hooks with 500 to exercise failed notify jobs.
	failNext int
)

func main() {
	since = time.Now().UTC()

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	http.HandleFunc("/hook", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/fail", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		failNext++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "next hook will fail")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		messages = nil
		failNext = 0
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("chat-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	msg := message{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RunID:     r.Header.Get("X-EasyGitops-Run-ID"),
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		msg.Raw = string(body)
	}

	mu.Lock()
	if failNext > 0 {
		failNext--
		mu.Unlock()
		log.Printf("hook failed on request")
		http.Error(w, "scripted failure", http.StatusInternalServerError)
		return
	}
	count++
	messages = append(messages, msg)
	if len(messages) > maxStored {
		messages = messages[len(messages)-maxStored:]
	}
	current := count
	mu.Unlock()

	for _, a := range msg.Attachments {
		log.Printf("hook received #%d: color=%s title=%q text=%q", current, a.Color, a.Title, a.Text)
	}
	if msg.Raw != "" {
		log.Printf("hook received #%d (not json): %s", current, msg.Raw)
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:    count,
		Messages: messages,
		Since:    since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
