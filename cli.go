package main

import (
	"context"
	"fmt"
	"os"

	"parley/server/internal/store"
)

// RunCLI handles subcommand execution against the persisted snapshot without
// starting the relay. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("parley server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "rooms":
		return cliRooms(dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st := mustOpen(dbPath)
	defer st.Close()

	ctx := context.Background()
	rooms, err := st.RoomCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	messages, err := st.MessageCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Rooms: %d\n", rooms)
	fmt.Printf("Messages: %d\n", messages)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliRooms(dbPath string) bool {
	st := mustOpen(dbPath)
	defer st.Close()

	paths, err := st.RoomPaths(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(paths) == 0 {
		fmt.Println("No rooms found.")
		return true
	}
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := mustOpen(dbPath)
	defer st.Close()

	outPath := "parley-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

func mustOpen(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}
