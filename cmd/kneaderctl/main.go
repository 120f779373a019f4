package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/KevinKickass/OpenKneaderCore/internal/api/hmi"
	"github.com/KevinKickass/OpenKneaderCore/internal/auth"
	"github.com/KevinKickass/OpenKneaderCore/internal/console"
)

const usage = `usage:
  kneaderctl [address]              operator console (default 127.0.0.1:6000)
  kneaderctl hash-password <pw>     print an argon2id hash for auth.operators`

func main() {
	args := os.Args[1:]

	if len(args) > 0 && args[0] == "hash-password" {
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		hash, err := auth.NewPasswordHasher().HashPassword(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println(usage)
		return
	}

	address := os.Getenv("KNEADER_HMI_ADDRESS")
	if len(args) > 0 {
		address = args[0]
	}
	if address == "" {
		address = "127.0.0.1:6000"
	}

	client, err := hmi.Dial(context.Background(), address, 20*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	p := tea.NewProgram(console.NewApp(client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running console: %v\n", err)
		os.Exit(1)
	}
}
