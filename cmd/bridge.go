// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	bridgeListen string
	bridgePath   string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve a WebSocket bus relay",
	Long: `Serve a WebSocket endpoint that relays bus bytes between every client.

Modules started with --url join the shared bus through the relay. With
--port, a serial bus is attached too and its traffic is relayed both ways.

With --username, clients must authenticate with HTTP Basic auth. The password
is read from MANIKIN_PASSWORD or prompted.`,
	Example: `  manikinos bridge --listen :8080
  manikinos run --module m --url ws://localhost:8080/bus`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeListen, "listen", ":8080", "Listen address")
	bridgeCmd.Flags().StringVar(&bridgePath, "path", "/bus", "WebSocket endpoint path")
}

// relayClient is one WebSocket peer of the relay
type relayClient struct {
	conn *websocket.Conn
	send chan []byte
}

// relay fans every binary message out to all other members
type relay struct {
	mu      sync.Mutex
	clients map[*relayClient]struct{}
	serial  io.Writer
}

func newRelay() *relay {
	return &relay{clients: make(map[*relayClient]struct{})}
}

func (r *relay) add(c *relayClient) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

func (r *relay) remove(c *relayClient) {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}
	r.mu.Unlock()
}

// broadcast queues data for every client except from. Slow clients drop.
func (r *relay) broadcast(from *relayClient, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			log.Printf("relay: client %s too slow, dropping %d bytes", c.conn.RemoteAddr(), len(data))
		}
	}
	if r.serial != nil && from != nil {
		if _, err := r.serial.Write(data); err != nil {
			log.Printf("relay: serial write failed: %v", err)
		}
	}
}

func (r *relay) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		_ = c.conn.Close()
	}
}

func (r *relay) serve(username, password string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, req *http.Request) {
		if username != "" {
			u, p, ok := req.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(p), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="manikinos"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("relay: upgrade failed: %v", err)
			return
		}

		c := &relayClient{conn: conn, send: make(chan []byte, 64)}
		r.add(c)
		log.Printf("relay: %s connected", conn.RemoteAddr())

		go c.writeLoop()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if kind == websocket.BinaryMessage {
				r.broadcast(c, data)
			}
		}
		r.remove(c)
		_ = conn.Close()
		log.Printf("relay: %s disconnected", conn.RemoteAddr())
	}
}

func (c *relayClient) writeLoop() {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

// pumpSerial relays bytes read from the serial bus to every client
func (r *relay) pumpSerial(ctx context.Context, conn io.Reader) error {
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			r.broadcast(nil, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	password := ""
	if wsUsername != "" {
		var err error
		if password, err = readPassword(); err != nil {
			return err
		}
	}

	r := newRelay()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if portName != "" {
		conn, err := openSerial(portName, baudRate)
		if err != nil {
			return err
		}
		defer conn.Close()
		r.serial = conn
		g.Go(func() error { return r.pumpSerial(gctx, conn) })
		go func() {
			<-gctx.Done()
			conn.Close()
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(bridgePath, r.serve(wsUsername, password))
	srv := &http.Server{Addr: bridgeListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	fmt.Printf("ManikinOS - Bus Relay\n")
	fmt.Printf("Listening: ws://%s%s\n", bridgeListen, bridgePath)
	if portName != "" {
		fmt.Printf("Serial: %s @ %d baud\n", portName, baudRate)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.closeAll()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
