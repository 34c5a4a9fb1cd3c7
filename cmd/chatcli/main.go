// chatcli is a small terminal client for the messaging relay, mainly useful
// for poking at a running relay during development.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/costumery/messaging/client"
	"github.com/costumery/messaging/pkg/logging"
	"github.com/costumery/messaging/wire"
)

func main() {
	var (
		apiURL         = flag.String("api", "http://localhost:8080", "relay API base URL")
		relayURL       = flag.String("relay", "ws://localhost:8080/ws", "relay websocket URL")
		username       = flag.String("username", "", "username (required)")
		password       = flag.String("password", "", "password (required)")
		conversationID = flag.String("conversation", "", "conversation id (required)")
		receiverID     = flag.String("to", "", "receiver user id (required)")
		logLevel       = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	if *username == "" || *password == "" || *conversationID == "" || *receiverID == "" {
		fmt.Fprintln(os.Stderr, "--username, --password, --conversation and --to are required")
		os.Exit(2)
	}

	log := logging.New(logging.Config{Level: *logLevel, Pretty: true, ServiceName: "chatcli"})

	token, userID, err := login(*apiURL, *username, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		URL:       *relayURL,
		Token:     token,
		Logger:    log,
		Reconnect: true,
		OnStateChange: func(connected bool) {
			if connected {
				fmt.Println("[system] connected")
			} else {
				fmt.Println("[system] disconnected")
			}
		},
		OnEvent: func(event *wire.Event) {
			printEvent(event, userID)
		},
	})

	if err := c.Connect(ctx, userID, *username); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	go inputLoop(ctx, c, *conversationID, userID, *receiverID)

	<-ctx.Done()
	fmt.Println("\n[system] shutting down")
}

func login(apiURL, username, password string) (token, userID string, err error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(apiURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var parsed struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", err
	}
	return parsed.Token, parsed.UserID, nil
}

func printEvent(event *wire.Event, selfID string) {
	switch event.Type {
	case wire.EventNewMessage:
		var msg wire.Message
		if event.Decode(&msg) != nil {
			return
		}
		who := msg.SenderName
		if msg.SenderID == selfID {
			who = "me"
		}
		fmt.Printf("[%s][%s] %s\n", who, msg.Timestamp.Format(time.Kitchen), msg.Body)
	case wire.EventOnlineUsers:
		var snapshot wire.OnlineUsers
		if event.Decode(&snapshot) != nil {
			return
		}
		fmt.Printf("[system] %d online\n", snapshot.Count)
	case wire.EventUserTypingStatus:
		var signal wire.TypingSignal
		if event.Decode(&signal) != nil {
			return
		}
		if signal.IsTyping {
			fmt.Printf("[system] %s is typing…\n", signal.UserID)
		}
	}
}

func inputLoop(ctx context.Context, c *client.Client, conversationID, senderID, receiverID string) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "input error: %v\n", err)
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if _, err := c.Send(wire.Message{
			ConversationID: conversationID,
			Body:           line,
			SenderID:       senderID,
			ReceiverID:     receiverID,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "send error: %v\n", err)
		}
	}
}
