// ABOUTME: Optional end-to-end encryption for the Matrix bot using mautrix cryptohelper
// ABOUTME: Keeps the olm store in a per-user SQLite file and resets it when the device id changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// Crypto owns the encryption helper attached to a Matrix client.
type Crypto struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto enables E2EE on client. The recovery key is optional; without it
// encryption still works but the device is not cross-signed.
func SetupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*Crypto, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", Slugify(userID)))
	logger = logger.With("component", "matrix_crypto")
	logger.Info("setting up encryption", "db", dbPath)

	if stale, err := deviceMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check stored device id", "error", err)
	} else if stale {
		logger.Warn("device id changed, resetting crypto database")
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("removing crypto database: %w", err)
			}
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if recoveryKey != "" {
		if machine := helper.Machine(); machine == nil {
			logger.Warn("crypto machine not initialized, skipping recovery key")
		} else if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			logger.Warn("failed to verify with recovery key", "error", err)
		} else {
			logger.Info("device verified with recovery key")
		}
	}

	return &Crypto{helper: helper, logger: logger}, nil
}

// Close releases the crypto store.
func (c *Crypto) Close() error {
	if c == nil || c.helper == nil {
		return nil
	}
	return c.helper.Close()
}

// deviceMismatch reports whether an existing store belongs to another device.
func deviceMismatch(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

// Slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @helpdesk:matrix.org -> helpdesk_matrix.org
func Slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'), c == '.', c == '-', c == '_':
			result = append(result, c)
		case c == ':':
			result = append(result, '_')
		}
	}
	return string(result)
}

// storeKey derives the pickle key for a user's store.
func storeKey(userID string) []byte {
	h := sha256.Sum256([]byte("deskbridge-matrix-crypto:" + userID))
	return h[:]
}
