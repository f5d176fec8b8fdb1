package main

import (
	"context"
	"fmt"
	"os"

	megolm "github.com/gwillem/megolm-go"
)

type exportCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"true"`
	} `positional-args:"true"`
}

func (cmd *exportCommand) Execute(args []string) error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	sessions, err := m.ExportSessions()
	if err != nil {
		return err
	}
	blob, err := megolm.MarshalSessionExports(sessions)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cmd.Args.File, blob, 0o600); err != nil {
		return err
	}
	fmt.Printf("Exported %d keys to %s\n", len(sessions), cmd.Args.File)
	return nil
}

type importCommand struct {
	Trusted bool `long:"trusted" description:"Mark imported keys as trusted (only for exports you made yourself)"`
	Args    struct {
		File string `positional-arg-name:"file" required:"true"`
	} `positional-args:"true"`
}

func (cmd *importCommand) Execute(args []string) error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	blob, err := os.ReadFile(cmd.Args.File)
	if err != nil {
		return err
	}
	sessions, err := megolm.UnmarshalSessionExports(blob)
	if err != nil {
		return err
	}
	result, err := m.ImportSessions(context.Background(), sessions, cmd.Trusted, func(done, total int) {
		fmt.Printf("\rImporting keys... %d/%d", done, total)
		if done == total {
			fmt.Println()
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d of %d keys from %s\n", result.Imported, result.Total, cmd.Args.File)
	return nil
}
