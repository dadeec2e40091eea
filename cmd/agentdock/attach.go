package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

// attachMessage mirrors the server's client-message wire format.
type attachMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type attachServerMessage struct {
	Type     string `json:"type"`
	Event    string `json:"event,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	State    string `json:"state,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// runAttach connects the local terminal to a worker's pty over websocket.
// Detaching (Ctrl-C, closing the terminal) leaves the worker running.
func runAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8620", "server address")
	token := fs.String("token", os.Getenv("AGENTDOCK_API_TOKEN"), "API bearer token")
	_ = fs.Parse(args)

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: agentdock attach [-addr host:port] [-token t] <session-id> <worker-id>")
		os.Exit(1)
	}
	sessionID, workerID := fs.Arg(0), fs.Arg(1)

	if err := attachWorker(*addr, *token, sessionID, workerID); err != nil {
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		os.Exit(1)
	}
}

func attachWorker(addr, token, sessionID, workerID string) error {
	u := url.URL{
		Scheme: "ws",
		Host:   addr,
		Path:   fmt.Sprintf("/ws/session/%s/worker/%s", sessionID, workerID),
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", u.Host, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}
	defer conn.Close()

	stdinFd := int(os.Stdin.Fd())
	rawState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(stdinFd, rawState)

	var writeMu sync.Mutex
	send := func(msg attachMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}

	sendSize := func() {
		cols, rows, err := term.GetSize(stdinFd)
		if err != nil || cols <= 0 || rows <= 0 {
			return
		}
		_ = send(attachMessage{Type: "resize", Cols: cols, Rows: rows})
	}
	sendSize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendSize()
		}
	}()

	// stdin -> input messages
	inputErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if err := send(attachMessage{Type: "input", Data: string(buf[:n])}); err != nil {
					inputErr <- err
					return
				}
			}
			if err != nil {
				inputErr <- err
				return
			}
		}
	}()

	// server frames -> stdout
	readErr := make(chan error, 1)
	exited := make(chan int, 1)
	go func() {
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if _, err := os.Stdout.Write(payload); err != nil {
					readErr <- err
					return
				}
			case websocket.TextMessage:
				var msg attachServerMessage
				if err := json.Unmarshal(payload, &msg); err != nil {
					continue
				}
				switch msg.Type {
				case "exit":
					code := 0
					if msg.ExitCode != nil {
						code = *msg.ExitCode
					}
					exited <- code
					return
				case "error":
					fmt.Fprintf(os.Stderr, "\r\nserver error: %s (%s)\r\n", msg.Message, msg.Code)
				}
			}
		}
	}()

	select {
	case code := <-exited:
		term.Restore(stdinFd, rawState)
		fmt.Printf("\nworker exited with code %d\n", code)
		return nil
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return fmt.Errorf("connection lost: %w", err)
	case err := <-inputErr:
		if err == nil {
			return nil
		}
		return fmt.Errorf("stdin: %w", err)
	}
}
