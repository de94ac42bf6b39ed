package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringUser is the account name under which the pair is stored.
const keyringUser = "credentials"

// KeyringStore keeps the pair as one JSON secret in the OS keyring.
type KeyringStore struct {
	service string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore using the given keyring service name.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if service == "" {
		return nil, errors.New("keyring service cannot be empty")
	}
	return &KeyringStore{service: service}, nil
}

func (s *KeyringStore) Get(ctx context.Context) (Pair, bool, error) {
	if err := ctx.Err(); err != nil {
		return Pair{}, false, err
	}

	secret, err := keyring.Get(s.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return Pair{}, false, nil
	}
	if err != nil {
		return Pair{}, false, fmt.Errorf("reading keyring: %w", err)
	}

	var pair Pair
	if err := json.Unmarshal([]byte(secret), &pair); err != nil {
		return Pair{}, false, fmt.Errorf("decoding keyring secret: %w", err)
	}
	if pair.Validate() != nil {
		return Pair{}, false, nil
	}
	return pair, true, nil
}

func (s *KeyringStore) Set(ctx context.Context, pair Pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pair.Validate(); err != nil {
		return err
	}

	secret, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := keyring.Set(s.service, keyringUser, string(secret)); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}

func (s *KeyringStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := keyring.Delete(s.service, keyringUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring secret: %w", err)
	}
	return nil
}
