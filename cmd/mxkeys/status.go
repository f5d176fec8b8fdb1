package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type statusCommand struct{}

func (cmd *statusCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	fmt.Printf("User:         %s\n", m.UserID())
	fmt.Printf("Device:       %s\n", m.DeviceID())
	fmt.Printf("Identity key: %s\n", m.IdentityKey())
	fmt.Printf("Signing key:  %s\n", m.SigningKey())

	total, backedUp, err := m.SessionCounts()
	if err != nil {
		return err
	}
	fmt.Printf("Stored keys:  %d (%d backed up)\n", total, backedUp)

	b := m.Backup()
	if b == nil {
		fmt.Println("Backup:       not configured (pass --homeserver and --token)")
		return nil
	}
	version, err := b.CheckAndStartKeysBackup(ctx)
	if err != nil {
		return err
	}
	if version == nil {
		fmt.Println("Backup:       none on server")
		return nil
	}
	fmt.Printf("Backup:       version %s, %d keys on server, state %s\n",
		version.Version, version.Count, b.State())
	return nil
}
