package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-stream-kit/internal/api"
	"github.com/MegaGrindStone/chat-stream-kit/internal/cache"
	"github.com/MegaGrindStone/chat-stream-kit/internal/kv"
	"github.com/MegaGrindStone/chat-stream-kit/internal/models"
	"github.com/MegaGrindStone/chat-stream-kit/internal/resilience"
	"github.com/MegaGrindStone/chat-stream-kit/internal/session"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "chat-stream-kit")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	store, err := kv.NewBolt(filepath.Join(cfgPath, "cache.db"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening cache db: %w", err))
	}
	defer store.Close()

	client := api.NewClient(cfg.BaseURL, cfg.Token, logger)
	coord := cache.NewCoordinator()
	bus := cache.NewBus()

	messages := cache.NewManager(cache.ManagerConfig[[]models.Message]{
		Category:    "messages",
		Store:       store,
		MaxEntries:  cfg.MaxConversations,
		Coordinator: coord,
		Bus:         bus,
		Logger:      logger,
	})
	conversations := cache.NewManager(cache.ManagerConfig[[]models.ConversationSummary]{
		Category:         "recentChats",
		Store:            store,
		TTL:              time.Duration(cfg.ConversationsTTL),
		RefreshThreshold: time.Duration(cfg.ConversationsTTL) / 4,
		Coordinator:      coord,
		Bus:              bus,
		Logger:           logger,
		Fetch: func(ctx context.Context, _ string) ([]models.ConversationSummary, error) {
			return client.Conversations(ctx)
		},
	})
	profile := cache.NewManager(cache.ManagerConfig[models.Profile]{
		Category:         "profile",
		Store:            store,
		TTL:              time.Duration(cfg.ProfileTTL),
		RefreshThreshold: time.Duration(cfg.ProfileTTL) / 4,
		Coordinator:      coord,
		Bus:              bus,
		Logger:           logger,
		Fetch: func(ctx context.Context, _ string) (models.Profile, error) {
			return client.Profile(ctx)
		},
	})
	subscription := cache.NewManager(cache.ManagerConfig[models.Subscription]{
		Category:         "subscription",
		Store:            store,
		TTL:              time.Duration(cfg.SubscriptionTTL),
		RefreshThreshold: time.Duration(cfg.SubscriptionTTL) / 4,
		Coordinator:      coord,
		Bus:              bus,
		Logger:           logger,
		Fetch: func(ctx context.Context, _ string) (models.Subscription, error) {
			return client.Subscription(ctx)
		},
	})

	controller := session.New(session.Config{
		Streamer:         client,
		Breaker:          resilience.NewBreaker(cfg.BreakerMax, time.Duration(cfg.BreakerCool), logger),
		Retry:            resilience.RetryConfig{MaxRetries: cfg.MaxRetries, BaseDelay: time.Duration(cfg.BaseDelay)},
		Messages:         messages,
		Conversations:    conversations,
		MaxInputLen:      cfg.MaxInputLen,
		MaxMessages:      cfg.MaxMessages,
		MaxConversations: cfg.MaxConversations,
		Logger:           logger,
	})

	unsubscribe := bus.Subscribe("recentChats", func(string) {
		logger.Debug("Conversation list updated")
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runLoop(ctx, controller, profile, subscription, conversations, coord, logger)
}

func runLoop(
	ctx context.Context,
	controller *session.Controller,
	profile *cache.Manager[models.Profile],
	subscription *cache.Manager[models.Subscription],
	conversations *cache.Manager[[]models.ConversationSummary],
	coord *cache.Coordinator,
	logger *slog.Logger,
) {
	conversationID := ""
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("chat-stream-kit: type a message, or /chats, /profile, /new, /logout, /quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/new":
			conversationID = ""
			fmt.Println("Started a new conversation.")
			continue
		case line == "/chats":
			list, ok := conversations.Get(ctx, "")
			if !ok {
				var err error
				list, err = conversations.Refresh(ctx, "")
				if err != nil {
					fmt.Println("Could not load conversations.")
					continue
				}
			}
			for _, ch := range list {
				fmt.Printf("%s  %s\n", ch.ID, ch.Title)
			}
			continue
		case line == "/profile":
			p, ok := profile.Get(ctx, "")
			if !ok {
				var err error
				p, err = profile.Refresh(ctx, "")
				if err != nil {
					fmt.Println("Could not load profile. Please sign in.")
					continue
				}
			}
			fmt.Printf("%s <%s>\n", p.Name, p.Email)
			continue
		case line == "/logout":
			// Bump every outstanding sequence first, so in-flight fetches for the old
			// identity can never commit, then drop the identity-bound caches.
			coord.InvalidateAll()
			profile.InvalidateAll()
			subscription.InvalidateAll()
			conversationID = ""
			fmt.Println("Signed out.")
			continue
		case strings.HasPrefix(line, "/open "):
			conversationID = strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			fmt.Printf("Opened conversation %s.\n", conversationID)
			continue
		}

		turnCtx, cancel := context.WithCancel(ctx)
		printed := 0
		for update, err := range controller.Run(turnCtx, conversationID, line) {
			conversationID = update.ConversationID
			if err != nil {
				msg := update.State.Err
				if msg == "" {
					msg = err.Error()
				}
				fmt.Printf("\n%s\n", msg)
				break
			}

			content := update.Message.Content
			switch {
			case len(content) >= printed:
				fmt.Print(content[printed:])
			default:
				// Cleanup or a full-response re-send shrank the content; reprint the line.
				fmt.Printf("\r%s", content)
			}
			printed = len(content)

			if update.State.Stage == models.StageComplete {
				fmt.Println()
				break
			}
		}
		cancel()

		if ctx.Err() != nil {
			logger.Info("Shutting down")
			return
		}
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
