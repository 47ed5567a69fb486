package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 100 // pairs of users, one room each
	MsgCount  = 20  // messages per user
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
}

func main() {
	log.Printf("Starting load test: %d users, %d messages each...", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("Load test complete")
}

func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"
	roomKey := fmt.Sprintf("loadtest/repo-%d", pairID)

	tokenA := authenticate(userA, pass)
	tokenB := authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamRoom(&wsWg, tokenA, roomKey, userA)
	go spamRoom(&wsWg, tokenB, roomKey, userB)
	wsWg.Wait()
}

// authenticate registers (ignores error if the user exists) and logs in.
func authenticate(username, password string) string {
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("Login failed [%s]: %v", username, err)
		return ""
	}
	defer resp.Body.Close()

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token
}

func spamRoom(wg *sync.WaitGroup, token, roomKey, username string) {
	defer wg.Done()

	url := fmt.Sprintf("%s?token=%s&room=%s", WSURL, token, roomKey)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Printf("WS connect failed [%s]: %v", username, err)
		return
	}
	defer conn.Close()

	// Drain server frames so the write side never stalls on backpressure.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < MsgCount; i++ {
		frame := map[string]string{
			"type":    "message",
			"content": fmt.Sprintf("load test message %d from %s", i, username),
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("Send failed [%s]: %v", username, err)
			break
		}
		// Small sleep to avoid an instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("%s finished sending %d messages", username, MsgCount)
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(BaseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
