// Command mxkeys manages Matrix encryption keys for one device: it shows
// the device's key status, creates and restores server-side key backups,
// and imports or exports portable key files.
//
// Usage:
//
//	mxkeys -u @user:server -d DEVICEID status
//	mxkeys -u @user:server -d DEVICEID create-backup
//	mxkeys -u @user:server -d DEVICEID restore --recovery-key "EsT..."
//	mxkeys -u @user:server -d DEVICEID export keys.json
package main

import (
	"fmt"
	"os"

	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"

	megolm "github.com/gwillem/megolm-go"
)

type globalOpts struct {
	DB         string `long:"db" description:"Path to database file"`
	User       string `short:"u" long:"user" description:"Matrix user ID (e.g. @alice:example.org)" required:"true"`
	Device     string `short:"d" long:"device" description:"Device ID" required:"true"`
	Homeserver string `long:"homeserver" description:"Homeserver base URL (for backup commands)"`
	Token      string `long:"token" env:"MXKEYS_TOKEN" description:"Access token for the homeserver"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Status       statusCommand       `command:"status" description:"Show device keys and backup status"`
	CreateBackup createBackupCommand `command:"create-backup" description:"Create a new key backup on the server"`
	TrustBackup  trustBackupCommand  `command:"trust-backup" description:"Trust the server's backup with a recovery key or passphrase"`
	DeleteBackup deleteBackupCommand `command:"delete-backup" description:"Delete a backup version from the server"`
	Restore      restoreCommand      `command:"restore" description:"Restore keys from the server backup"`
	Export       exportCommand       `command:"export" description:"Export all decryption keys to a file"`
	Import       importCommand       `command:"import" description:"Import decryption keys from a file"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func machineOpts() []megolm.Option {
	mopts := []megolm.Option{
		megolm.WithDeviceSource(offlineDirectory{}),
		megolm.WithToDeviceSender(offlineSender{}),
	}
	if opts.DB != "" {
		mopts = append(mopts, megolm.WithDBPath(opts.DB))
	}
	if opts.Homeserver != "" {
		mopts = append(mopts, megolm.WithHomeserver(opts.Homeserver, opts.Token))
	}
	if opts.Verbose {
		logger := slog.NewBackend(os.Stderr).Logger("MXKY")
		logger.SetLevel(slog.LevelDebug)
		mopts = append(mopts, megolm.WithLogger(logger))
	}
	return mopts
}

func openMachine() (*megolm.Machine, error) {
	return megolm.NewMachine(opts.User, opts.Device, machineOpts()...)
}

func requireBackup(m *megolm.Machine) (*megolm.BackupService, error) {
	b := m.Backup()
	if b == nil {
		return nil, fmt.Errorf("this command needs --homeserver and --token")
	}
	return b, nil
}
