package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-privchat/internal/chat"
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type stats struct {
	sent     atomic.Int64
	failed   atomic.Int64
	received atomic.Int64
}

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	pairs     = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
	withVoice = flag.Bool("voice", false, "attach a small audio payload to every message")
	settle    = flag.Duration("settle", 2*time.Second, "time to wait for pushes after the last send")

	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
)

func main() {
	flag.Parse()
	log.Info().Int("users", *pairs*2).Int("messages_per_user", *msgCount).Msg("starting load test")

	var (
		st stats
		wg sync.WaitGroup
	)
	start := time.Now()
	// user ua<i> talks to ub<i>
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, &st)
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("failed", st.failed.Load()).
		Int64("received", st.received.Load()).
		Dur("elapsed", elapsed).
		Float64("msgs_per_sec", float64(st.sent.Load())/elapsed.Seconds()).
		Msg("load test complete")
}

func runPair(pairID int, st *stats) {
	pass := "password123"
	tokenA, idA := authenticate(fmt.Sprintf("ua%d", pairID), pass)
	tokenB, idB := authenticate(fmt.Sprintf("ub%d", pairID), pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	room := chat.ConversationKey(idA, idB)
	connA := listen(tokenA, room, st)
	connB := listen(tokenB, room, st)
	if connA == nil || connB == nil {
		return
	}
	defer connA.Close()
	defer connB.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go spam(&wg, tokenA, idB, st)
	go spam(&wg, tokenB, idA, st)
	wg.Wait()

	time.Sleep(*settle)
}

// authenticate registers (ignoring conflicts) and logs in.
func authenticate(username, password string) (string, string) {
	if resp, err := postJSON("/register", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Error().Err(err).Str("user", username).Msg("login failed")
		return "", ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("user", username).Msg("login rejected")
		return "", ""
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Error().Err(err).Str("user", username).Msg("bad login response")
		return "", ""
	}
	return data.Token, data.ID
}

// listen opens a socket, joins room and counts pushes until the socket closes.
func listen(token, room string, st *stats) *websocket.Conn {
	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket connect failed")
		return nil
	}
	if err := conn.WriteJSON(chat.ControlMessage{Type: chat.ControlJoinRoom, Room: room}); err != nil {
		log.Error().Err(err).Msg("join failed")
		conn.Close()
		return nil
	}

	go func() {
		for {
			var ev chat.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Type == chat.EventNewPrivateMessage {
				st.received.Add(1)
			}
		}
	}()
	return conn
}

func spam(wg *sync.WaitGroup, token, receiver string, st *stats) {
	defer wg.Done()
	for i := 0; i < *msgCount; i++ {
		body, contentType := messageBody(receiver, fmt.Sprintf("load test message %d", i))
		req, _ := http.NewRequest(http.MethodPost, *baseURL+"/messages", body)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", contentType)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			st.failed.Add(1)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			st.failed.Add(1)
			continue
		}
		st.sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
}

func messageBody(receiver, content string) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("receiver", receiver)
	mw.WriteField("content", content)
	if *withVoice {
		part, _ := mw.CreateFormFile("files", "voiceMessage.webm")
		part.Write(bytes.Repeat([]byte{0x1A, 0x45, 0xDF, 0xA3}, 256))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
