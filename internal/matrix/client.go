// ABOUTME: Constructs the mautrix client from bot credentials
// ABOUTME: The device id is pinned so the encryption store survives restarts

package matrix

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// ClientConfig holds bot credentials
type ClientConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	DeviceID    string
}

// NewClient creates an authenticated mautrix client.
func NewClient(cfg ClientConfig) (*mautrix.Client, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix homeserver, user_id and access_token are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}
	return client, nil
}
