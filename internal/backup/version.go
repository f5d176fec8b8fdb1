package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
)

// CreationInfo is a prepared, signed backup version ready to be created
// on the server. The recovery key is shown to the user exactly once.
type CreationInfo struct {
	Algorithm   string
	AuthData    *AuthData
	RecoveryKey string
}

// TrustInfo says whether a backup version can be used from this device.
type TrustInfo struct {
	// UsableBySignature means the auth data carries a valid signature
	// from this device or from a verified device of the same user.
	UsableBySignature bool
}

// PrepareVersion generates the key pair for a new backup and signs its
// auth data. With a non-empty password the private key is derived from
// it, so the backup can later be opened with either the password or the
// recovery key. progress reports key derivation percent.
func (s *Service) PrepareVersion(password string, progress func(percent int)) (*CreationInfo, error) {
	var (
		priv       []byte
		salt       string
		iterations int
		err        error
	)
	if password != "" {
		priv, salt, iterations, err = GeneratePrivateKeyWithPassword(password, progress)
	} else {
		_, priv, err = olm.GeneratePKKeyPair()
	}
	if err != nil {
		return nil, err
	}
	pub, err := olm.PKPublicKeyFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	authData := &AuthData{
		PublicKey:            pub,
		PrivateKeySalt:       salt,
		PrivateKeyIterations: iterations,
	}
	sigs, err := s.Account.SignJSON(authData)
	if err != nil {
		return nil, err
	}
	authData.Signatures = sigs
	return &CreationInfo{
		Algorithm:   event.AlgorithmMegolmBackup,
		AuthData:    authData,
		RecoveryKey: ComputeRecoveryKey(priv),
	}, nil
}

// CreateVersion creates the prepared backup on the server, makes it the
// version this device uploads to, and schedules a full upload. Every
// session's backup marker is reset: a new version starts empty.
func (s *Service) CreateVersion(ctx context.Context, info *CreationInfo) (*VersionResult, error) {
	version, err := s.Client.CreateVersion(ctx, info.Algorithm, info.AuthData)
	if err != nil {
		return nil, err
	}
	result := &VersionResult{
		Algorithm: info.Algorithm,
		AuthData:  info.AuthData,
		Version:   version,
	}
	if err := s.Store.ResetBackupMarkers(); err != nil {
		return nil, err
	}
	if err := s.enableVersion(result); err != nil {
		return nil, err
	}
	s.MaybeBackupKeys()
	return result, nil
}

// GetTrust checks whether the version's auth data carries a signature we
// accept: one from this device, or one from any verified device of ours.
// A backup created on a sibling device stays usable here once that device
// is verified.
func (s *Service) GetTrust(ctx context.Context, version *VersionResult) TrustInfo {
	if version.Algorithm != event.AlgorithmMegolmBackup || version.AuthData == nil {
		return TrustInfo{}
	}
	for keyID, sig := range version.AuthData.Signatures[s.Account.UserID] {
		deviceID, ok := strings.CutPrefix(keyID, "ed25519:")
		if !ok {
			continue
		}
		if deviceID == s.Account.DeviceID {
			if err := olm.VerifyJSON(s.Account.Ed25519Key(), sig, version.AuthData); err != nil {
				s.log().Warnf("backup version %s carries an invalid signature from us", version.Version)
				continue
			}
			return TrustInfo{UsableBySignature: true}
		}
		if s.Devices == nil {
			continue
		}
		device, err := s.Devices.UserDevice(ctx, s.Account.UserID, deviceID)
		if err != nil {
			s.log().Warnf("looking up signer device %s failed: %v", deviceID, err)
			continue
		}
		if device == nil || !device.Verified {
			continue
		}
		if err := olm.VerifyJSON(device.SigningKey, sig, version.AuthData); err != nil {
			s.log().Warnf("backup version %s carries an invalid signature from %s", version.Version, deviceID)
			continue
		}
		return TrustInfo{UsableBySignature: true}
	}
	return TrustInfo{}
}

// TrustVersion adds this device's signature to the version's auth data
// and activates the version for uploads.
func (s *Service) TrustVersion(ctx context.Context, version *VersionResult) error {
	if version.AuthData == nil {
		return fmt.Errorf("backup: version %s has no auth data", version.Version)
	}
	authData := *version.AuthData
	sigs, err := s.Account.SignJSON(&authData)
	if err != nil {
		return err
	}
	if authData.Signatures == nil {
		authData.Signatures = make(map[string]map[string]string)
	}
	for user, keys := range sigs {
		if authData.Signatures[user] == nil {
			authData.Signatures[user] = make(map[string]string)
		}
		for keyID, sig := range keys {
			authData.Signatures[user][keyID] = sig
		}
	}
	if err := s.Client.UpdateVersion(ctx, version.Version, version.Algorithm, &authData); err != nil {
		return err
	}
	version.AuthData = &authData
	if err := s.Store.ResetBackupMarkers(); err != nil {
		return err
	}
	if err := s.enableVersion(version); err != nil {
		return err
	}
	s.MaybeBackupKeys()
	return nil
}

// TrustVersionWithRecoveryKey trusts the version after proving the
// recovery key opens it.
func (s *Service) TrustVersionWithRecoveryKey(ctx context.Context, version *VersionResult, recoveryKey string) error {
	if err := s.checkRecoveryKey(version, recoveryKey); err != nil {
		return err
	}
	if err := s.Store.SetBackupRecoveryKey(recoveryKey); err != nil {
		return err
	}
	return s.TrustVersion(ctx, version)
}

// TrustVersionWithPassphrase trusts the version after proving the
// passphrase derives its key.
func (s *Service) TrustVersionWithPassphrase(ctx context.Context, version *VersionResult, password string) error {
	priv, err := s.privateKeyFromPassphrase(version, password, nil)
	if err != nil {
		return err
	}
	if err := s.Store.SetBackupRecoveryKey(ComputeRecoveryKey(priv)); err != nil {
		return err
	}
	return s.TrustVersion(ctx, version)
}

// checkRecoveryKey verifies the recovery key's private key matches the
// version's public key.
func (s *Service) checkRecoveryKey(version *VersionResult, recoveryKey string) error {
	if version.AuthData == nil {
		return fmt.Errorf("backup: version %s has no auth data", version.Version)
	}
	priv, err := ExtractKeyFromRecoveryKey(recoveryKey)
	if err != nil {
		return err
	}
	pub, err := olm.PKPublicKeyFromPrivate(priv)
	if err != nil {
		return err
	}
	if pub != version.AuthData.PublicKey {
		return errors.New("backup: recovery key does not match this backup")
	}
	return nil
}

func (s *Service) privateKeyFromPassphrase(version *VersionResult, password string, progress func(percent int)) ([]byte, error) {
	if version.AuthData == nil {
		return nil, fmt.Errorf("backup: version %s has no auth data", version.Version)
	}
	priv, err := RetrievePrivateKeyWithPassword(password,
		version.AuthData.PrivateKeySalt, version.AuthData.PrivateKeyIterations, progress)
	if err != nil {
		return nil, err
	}
	pub, err := olm.PKPublicKeyFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	if pub != version.AuthData.PublicKey {
		return nil, errors.New("backup: passphrase does not match this backup")
	}
	return priv, nil
}
