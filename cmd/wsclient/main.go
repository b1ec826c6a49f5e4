// Command wsclient is a protocol debugging client for treesync. It dials a
// document, answers pings and prints every decoded message.
// Usage: go run ./cmd/wsclient [-proto networked-tree-v0.2] ws://127.0.0.1:7373/v1/documents/home/ws
package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/treesync/host/internal/protocol"
)

func main() {
	proto := flag.String("proto", "", "Comma-separated subprotocols to offer (default: none, legacy v0.1)")
	token := flag.String("token", os.Getenv("TREESYNC_TOKEN"), "Bearer token")
	flag.Parse()

	url := "ws://127.0.0.1:7373/v1/documents/home/ws"
	if flag.NArg() > 0 {
		url = flag.Arg(0)
	}

	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	if *proto != "" {
		dialer.Subprotocols = strings.Split(*proto, ",")
	}
	header := map[string][]string{}
	if *token != "" {
		header["Authorization"] = []string{"Bearer " + *token}
	}

	fmt.Printf("Connecting to %s...\n", url)
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect: %v (HTTP %d)\n", err, resp.StatusCode)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		}
		os.Exit(1)
	}
	defer conn.Close()

	codec, ok := protocol.ForSubprotocol(conn.Subprotocol())
	if !ok {
		codec = protocol.JSONCodec{}
	}
	fmt.Printf("Connected (%s). Waiting for messages...\n", codec.Subprotocol())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	frameCount := 0

	// gorilla connections allow one concurrent writer.
	var writeMu sync.Mutex

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					fmt.Printf("Read error: %v\n", err)
				}
				return
			}
			frameCount++

			msgs, err := codec.Decode(data)
			if err != nil {
				fmt.Printf("[%d] undecodable frame (%d bytes): %v\n", frameCount, len(data), err)
				continue
			}
			for _, m := range msgs {
				detail, _ := json.Marshal(m)
				fmt.Printf("[%d] %s %s\n", frameCount, m.Type(), detail)

				if ping, ok := m.(protocol.Ping); ok {
					payloads, err := codec.Encode(protocol.Pong{Seq: ping.Seq})
					if err != nil {
						continue
					}
					kind := websocket.TextMessage
					if codec.Binary() {
						kind = websocket.BinaryMessage
					}
					writeMu.Lock()
					for _, p := range payloads {
						conn.WriteMessage(kind, p)
					}
					writeMu.Unlock()
				}
			}
		}
	}()

	select {
	case <-done:
		fmt.Println("Connection closed")
	case <-interrupt:
		fmt.Println("Interrupted")
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	fmt.Printf("Total frames received: %d\n", frameCount)
}
