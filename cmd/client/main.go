// Package main provides a terminal client that joins a parley conversation,
// prints incoming messages and sends each line typed on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/parley/pkg/auth"
	"github.com/codeGROOVE-dev/parley/pkg/client"
)

func run() error {
	var (
		serverURL   = flag.String("server", "http://localhost:8080", "server base URL")
		conv        = flag.String("conv", "", "conversation to join, e.g. alice.bob")
		token       = flag.String("token", "", "bearer token (default: $PARLEY_TOKEN)")
		secret      = flag.String("secret", "", "mint a token locally with this signing secret instead of -token")
		userID      = flag.String("user-id", "", "user id for a minted token (default: the username)")
		username    = flag.String("user", "", "username for a minted token")
		issuer      = flag.String("issuer", "parley", "issuer for a minted token")
		binding     = flag.String("binding", "", "optional channel binding value")
		history     = flag.Int("history", 0, "print this many past messages before joining")
		noReconnect = flag.Bool("no-reconnect", false, "Disable automatic reconnection")
		maxRetries  = flag.Int("max-retries", 0, "Maximum reconnection attempts (0 = infinite)")
		outputJSON  = flag.Bool("json", false, "Output messages as JSON")
	)
	flag.Parse()

	if *conv == "" {
		return errors.New("-conv is required")
	}

	bearer := *token
	switch {
	case bearer != "":
	case *secret != "":
		if *username == "" {
			return errors.New("-user is required with -secret")
		}
		id := *userID
		if id == "" {
			id = *username
		}
		minted, err := auth.NewVerifier([]byte(*secret), *issuer).Issue(id, *username, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		bearer = minted
	case os.Getenv("PARLEY_TOKEN") != "":
		log.Println("Using token from PARLEY_TOKEN environment variable")
		bearer = os.Getenv("PARLEY_TOKEN")
	default:
		return errors.New("provide -token, -secret with -user, or PARLEY_TOKEN")
	}

	c, err := client.New(client.Config{
		ServerURL:      *serverURL,
		UserAgent:      "parley-cli/" + client.Version,
		Conversation:   *conv,
		Token:          bearer,
		ChannelBinding: *binding,
		NoReconnect:    *noReconnect,
		MaxRetries:     *maxRetries,
		OnConnect: func() {
			log.Printf("joined %s; type a message and press enter", *conv)
		},
		OnMessage: func(msg client.Message) {
			if *outputJSON {
				b, err := json.Marshal(msg)
				if err != nil {
					log.Printf("Failed to marshal message to JSON: %v", err)
					return
				}
				fmt.Println(string(b))
				return
			}
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format(time.Kitchen), msg.From, msg.Content)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *history > 0 {
		page, err := c.History(ctx, "", *history)
		if err != nil {
			log.Printf("history unavailable: %v", err)
		}
		for _, m := range page.Messages {
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.From, m.Content)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := c.Send(ctx, line); err != nil {
				log.Printf("not sent: %v", err)
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-interrupt:
		log.Printf("Signal %v received, shutting down gracefully...", sig)
		c.Stop()
		cancel()
		select {
		case <-errCh:
			return nil
		case <-time.After(5 * time.Second):
			log.Println("Shutdown timeout exceeded, forcing exit")
			return nil
		}
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
