package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/evcenter/chatsync/internal/client/api"
	"github.com/evcenter/chatsync/internal/client/chat"
	"github.com/evcenter/chatsync/internal/client/models"
	"github.com/evcenter/chatsync/internal/client/profile"
	"github.com/evcenter/chatsync/internal/config"
	"github.com/evcenter/chatsync/internal/logger"
	"golang.org/x/term"
)

func main() {
	debug := flag.Bool("debug", false, "Write debug logs to chat-debug.log")
	staff := flag.Bool("staff", false, "Open the staff console")
	doLogin := flag.Bool("login", false, "Save an API token to the profile and exit")
	logout := flag.Bool("logout", false, "Forget the saved token and exit")
	userID := flag.String("user", "", "User id the token belongs to (with -login)")
	role := flag.String("role", string(models.SenderCustomer), "Role of the token: customer, staff or technician (with -login)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}
	logCfg := logger.Config{Quiet: true, Debug: *debug}
	if *debug {
		logCfg.File = "chat-debug.log"
	}
	log := logger.Init(logCfg)

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *logout:
		profile.Clear(cfg.Profile)
		fmt.Println("Logged out.")
		return
	case *doLogin:
		if err := login(ctx, cfg, *userID, *role); err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Token saved to profile", cfg.Profile)
		return
	}

	// Environment wins over the saved profile.
	token, uid, sender := cfg.Token, "", models.SenderType(*role)
	if p := profile.Load(cfg.Profile); p != nil {
		if token == "" {
			token = p.Token
		}
		uid = p.UserID
		if p.UserType != "" {
			sender = models.SenderType(p.UserType)
		}
		if os.Getenv("CHAT_API_URL") == "" && p.APIURL != "" {
			cfg.APIURL = p.APIURL
			if p.WSURL != "" {
				cfg.WSURL = p.WSURL
			} else if ws, err := config.WebSocketURL(p.APIURL); err == nil {
				cfg.WSURL = ws
			}
		}
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No token. Set CHAT_TOKEN or run with -login.")
		os.Exit(1)
	}
	if *staff && sender == models.SenderCustomer {
		sender = models.SenderStaff
	}

	client := api.NewClient(cfg.APIURL, token)
	chats := chat.NewManager(client, chat.Config{
		WSBaseURL:    cfg.WSURL,
		Token:        token,
		UserID:       uid,
		SenderType:   sender,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       log,
	})
	defer chats.Shutdown()

	log.Info("client starting", "api", cfg.APIURL, "ws", cfg.WSURL, "profile", cfg.Profile, "staff", *staff)

	p := tea.NewProgram(initialModel(ctx, client, chats, uid, sender, *staff), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// login reads a token without echo, checks it against the service and
// stores it in the profile.
func login(ctx context.Context, cfg config.Client, userID, role string) error {
	if !models.SenderType(role).IsValid() {
		return fmt.Errorf("unknown role %q", role)
	}

	fmt.Print("API token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return models.ErrNoCredential
	}

	vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := api.NewClient(cfg.APIURL, token).GetMySessions(vctx); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	return profile.Save(cfg.Profile, profile.Profile{
		APIURL:   cfg.APIURL,
		WSURL:    cfg.WSURL,
		Token:    token,
		UserID:   userID,
		UserType: role,
	})
}
