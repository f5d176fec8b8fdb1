package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	megolm "github.com/gwillem/megolm-go"
	"github.com/gwillem/megolm-go/internal/backup"
)

type restoreCommand struct {
	RecoveryKey string `long:"recovery-key" description:"Recovery key of the backup"`
	Passphrase  string `long:"passphrase" description:"Passphrase of the backup"`
}

func (cmd *restoreCommand) Execute(args []string) error {
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
		return fmt.Errorf("the server has no backup to restore from")
	}

	progress := func(step backup.RestoreStep, done, total int) {
		switch step {
		case backup.StepComputingKey:
			fmt.Printf("\rDeriving backup key... %3d%%", done)
			if done == total {
				fmt.Println()
			}
		case backup.StepDownloadingKey:
			fmt.Println("Downloading backup...")
		case backup.StepImportingKey:
			if total > 0 {
				fmt.Printf("\rImporting keys... %d/%d", done, total)
				if done == total {
					fmt.Println()
				}
			}
		}
	}

	var result megolm.ImportResult
	if cmd.RecoveryKey != "" {
		result, err = b.RestoreWithRecoveryKey(ctx, version, cmd.RecoveryKey, progress)
	} else {
		result, err = b.RestoreWithPassphrase(ctx, version, cmd.Passphrase, progress)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Restored %d of %d keys from backup version %s\n",
		result.Imported, result.Total, version.Version)
	return nil
}
