package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	qrterminal "github.com/mdp/qrterminal/v3"
)

type createBackupCommand struct {
	Passphrase string `long:"passphrase" description:"Also derive the backup key from a passphrase"`
	NoQR       bool   `long:"no-qr" description:"Do not print the recovery key as a QR code"`
}

func (cmd *createBackupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()
	b, err := requireBackup(m)
	if err != nil {
		return err
	}

	var progress func(percent int)
	if cmd.Passphrase != "" {
		progress = func(percent int) {
			fmt.Printf("\rDeriving backup key... %3d%%", percent)
			if percent == 100 {
				fmt.Println()
			}
		}
	}
	info, err := b.PrepareVersion(cmd.Passphrase, progress)
	if err != nil {
		return err
	}
	version, err := b.CreateVersion(ctx, info)
	if err != nil {
		return err
	}
	if err := b.BackupAllKeys(ctx); err != nil {
		return err
	}

	fmt.Printf("Created backup version %s\n\n", version.Version)
	fmt.Println("Recovery key (store it somewhere safe, it is shown only once):")
	fmt.Printf("\n  %s\n\n", info.RecoveryKey)
	if !cmd.NoQR {
		qrterminal.GenerateWithConfig(info.RecoveryKey, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
		})
		fmt.Println()
	}
	return nil
}

type trustBackupCommand struct {
	RecoveryKey string `long:"recovery-key" description:"Recovery key proving ownership of the backup"`
	Passphrase  string `long:"passphrase" description:"Passphrase proving ownership of the backup"`
}

func (cmd *trustBackupCommand) Execute(args []string) error {
	if (cmd.RecoveryKey == "") == (cmd.Passphrase == "") {
		return fmt.Errorf("pass exactly one of --recovery-key or --passphrase")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()
	b, err := requireBackup(m)
	if err != nil {
		return err
	}

	version, err := b.CheckAndStartKeysBackup(ctx)
	if err != nil {
		return err
	}
	if version == nil {
		return fmt.Errorf("the server has no backup to trust")
	}
	if cmd.RecoveryKey != "" {
		err = b.TrustVersionWithRecoveryKey(ctx, version, cmd.RecoveryKey)
	} else {
		err = b.TrustVersionWithPassphrase(ctx, version, cmd.Passphrase)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Backup version %s is now trusted; this device will upload keys to it.\n", version.Version)
	return nil
}

type deleteBackupCommand struct {
	Args struct {
		Version string `positional-arg-name:"version" required:"true"`
	} `positional-args:"true"`
}

func (cmd *deleteBackupCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()
	b, err := requireBackup(m)
	if err != nil {
		return err
	}

	if err := b.DeleteBackup(ctx, cmd.Args.Version); err != nil {
		return err
	}
	fmt.Printf("Deleted backup version %s\n", cmd.Args.Version)
	return nil
}
