package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/roomcrypto"
)

// RestoreStep names the phase a restore is in.
type RestoreStep int

const (
	// StepComputingKey covers passphrase key derivation.
	StepComputingKey RestoreStep = iota
	// StepDownloadingKey covers fetching the backup from the server.
	StepDownloadingKey
	// StepImportingKey covers decrypting and storing the sessions.
	StepImportingKey
)

func (s RestoreStep) String() string {
	switch s {
	case StepComputingKey:
		return "ComputingKey"
	case StepDownloadingKey:
		return "DownloadingKey"
	case StepImportingKey:
		return "ImportingKey"
	default:
		return "Invalid"
	}
}

// RestoreProgress reports restore progress. progress and total are only
// meaningful for steps with measurable work; total is 0 otherwise.
type RestoreProgress func(step RestoreStep, progress, total int)

// RestoreWithRecoveryKey downloads a backup version, decrypts every
// session with the recovery key, and imports them. Sessions that fail to
// decrypt are skipped. Restored sessions are not trusted: they prove
// knowledge of the backup key, not of the original sender.
func (s *Service) RestoreWithRecoveryKey(ctx context.Context, version *VersionResult, recoveryKey string, progress RestoreProgress) (roomcrypto.ImportResult, error) {
	if err := s.checkRecoveryKey(version, recoveryKey); err != nil {
		return roomcrypto.ImportResult{}, err
	}
	priv, err := ExtractKeyFromRecoveryKey(recoveryKey)
	if err != nil {
		return roomcrypto.ImportResult{}, err
	}
	return s.restore(ctx, version, priv, progress)
}

// RestoreWithPassphrase derives the backup key from the passphrase and
// restores with it.
func (s *Service) RestoreWithPassphrase(ctx context.Context, version *VersionResult, password string, progress RestoreProgress) (roomcrypto.ImportResult, error) {
	var keyProgress func(int)
	if progress != nil {
		keyProgress = func(percent int) { progress(StepComputingKey, percent, 100) }
	}
	priv, err := s.privateKeyFromPassphrase(version, password, keyProgress)
	if err != nil {
		return roomcrypto.ImportResult{}, err
	}
	return s.restore(ctx, version, priv, progress)
}

func (s *Service) restore(ctx context.Context, version *VersionResult, priv []byte, progress RestoreProgress) (roomcrypto.ImportResult, error) {
	if progress != nil {
		progress(StepDownloadingKey, 0, 0)
	}
	keys, err := s.Client.GetKeys(ctx, version.Version)
	if err != nil {
		return roomcrypto.ImportResult{}, err
	}

	var sessions []*event.MegolmSessionData
	for roomID, room := range keys.Rooms {
		for sessionID, data := range room.Sessions {
			session, err := decryptSessionData(priv, data.SessionData)
			if err != nil {
				s.log().Warnf("cannot decrypt backed-up session %s: %v", sessionID, err)
				continue
			}
			// The map keys are authoritative; the blob merely repeats them.
			session.RoomID = roomID
			session.SessionID = sessionID
			sessions = append(sessions, session)
		}
	}

	if progress != nil {
		progress(StepImportingKey, 0, len(sessions))
	}
	var importProgress func(done, total int)
	if progress != nil {
		importProgress = func(done, total int) { progress(StepImportingKey, done, total) }
	}
	result, err := s.Importer.ImportSessions(ctx, sessions, false, importProgress)
	if err != nil {
		return result, err
	}
	s.log().Infof("restored %d of %d sessions from backup version %s",
		result.Imported, result.Total, version.Version)
	return result, nil
}

// decryptSessionData opens one backup blob with the backup private key.
func decryptSessionData(priv []byte, sessionData json.RawMessage) (*event.MegolmSessionData, error) {
	var msg olm.PKMessage
	if err := json.Unmarshal(sessionData, &msg); err != nil {
		return nil, fmt.Errorf("backup: parse blob: %w", err)
	}
	plaintext, err := olm.PKDecrypt(priv, &msg)
	if err != nil {
		return nil, err
	}
	var session event.MegolmSessionData
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, fmt.Errorf("backup: parse session: %w", err)
	}
	return &session, nil
}
