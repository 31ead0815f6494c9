package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"chat-client/internal/chat"
	"chat-client/internal/config"
	"chat-client/internal/models"
	"chat-client/internal/observability"
	"chat-client/internal/rest"
	"chat-client/internal/session"
	"chat-client/internal/storage"
	"chat-client/internal/transport"
	amqptransport "chat-client/internal/transport/amqp"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	if cfg.DebugAddr != "" {
		go observability.ServeDebug(cfg.DebugAddr)
	}

	store, err := storage.Open(cfg.StoragePath)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	api := rest.NewClient(cfg.APIBaseURL)
	sessions := session.NewStore(api, store)

	tr := newTransport(cfg)
	controller := chat.New(api, tr, sessions, cfg.HistoryLimit, cfg.TypingSettle, nil)

	in := bufio.NewScanner(os.Stdin)

	if _, ok := sessions.Restore(); !ok {
		if err := loginLoop(ctx, sessions, in); err != nil {
			log.Fatalf("login failed: %v", err)
		}
	}

	if err := controller.Start(ctx); err != nil {
		var authErr *session.AuthError
		if errors.As(err, &authErr) {
			// expired or rejected token: back to the login flow
			log.Printf("session expired: %v", err)
			if err := loginLoop(ctx, sessions, in); err != nil {
				log.Fatalf("login failed: %v", err)
			}
			if err := controller.Start(ctx); err != nil {
				log.Fatalf("failed to start: %v", err)
			}
		} else {
			log.Printf("offline: %v", err)
		}
	}

	rooms := controller.Rooms(ctx)
	fmt.Println("rooms:")
	for _, r := range rooms {
		fmt.Printf("  %d  %s\n", r.ID, r.Name)
	}
	active := rooms[0].ID
	if err := controller.OpenRoom(ctx, active); err != nil {
		log.Printf("history unavailable: %v", err)
	}
	printMessages(controller, active)

	if theme, ok, _ := store.Get(storage.KeyTheme); ok {
		fmt.Printf("theme: %s\n", theme)
	}

	fmt.Println(`commands: /join <room>, /rooms, /theme <name>, /logout, /quit; anything else is sent`)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/logout":
			if err := controller.Logout(); err != nil {
				log.Printf("logout: %v", err)
			}
			return
		case line == "/rooms":
			for _, r := range controller.Rooms(ctx) {
				fmt.Printf("  %d  %s\n", r.ID, r.Name)
			}
		case strings.HasPrefix(line, "/theme "):
			theme := strings.TrimSpace(strings.TrimPrefix(line, "/theme "))
			if err := store.Put(storage.KeyTheme, theme); err != nil {
				log.Printf("save theme: %v", err)
			}
		case strings.HasPrefix(line, "/join "):
			id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/join ")), 10, 64)
			if err != nil {
				fmt.Println("usage: /join <room id>")
				continue
			}
			active = id
			if err := controller.OpenRoom(ctx, id); err != nil {
				log.Printf("history unavailable: %v", err)
			}
			printMessages(controller, active)
		default:
			controller.Keystroke()
			if err := controller.Send(ctx, line); err != nil {
				log.Printf("send: %v", err)
			}
			printMessages(controller, active)
		}
	}
}

func newTransport(cfg config.Config) transport.Transport {
	if cfg.Transport == "amqp" {
		return amqptransport.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.ReconnectDelay)
	}
	return transport.NewWSClient(cfg.WSURL, cfg.HandshakeTimeout, cfg.ReconnectDelay)
}

func loginLoop(ctx context.Context, sessions *session.Store, in *bufio.Scanner) error {
	for attempts := 0; attempts < 3; attempts++ {
		fmt.Print("username: ")
		if !in.Scan() {
			return errors.New("stdin closed")
		}
		username := strings.TrimSpace(in.Text())
		fmt.Print("password: ")
		if !in.Scan() {
			return errors.New("stdin closed")
		}
		password := in.Text()

		if _, err := sessions.Login(ctx, username, password); err != nil {
			fmt.Printf("login failed: %v\n", err)
			continue
		}
		return nil
	}
	return errors.New("too many failed attempts")
}

func printMessages(controller *chat.Controller, roomID int64) {
	for _, m := range controller.Messages(roomID) {
		marker := " "
		switch m.Delivery {
		case models.DeliveryPending:
			marker = "…"
		case models.DeliveryFailed:
			marker = "!"
		}
		fmt.Printf("%s [%s] %s: %s\n", marker, m.CreatedAt.Format("15:04"), m.Sender, m.Content)
	}
}
