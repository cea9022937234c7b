package keyderivation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/vault/shamir"
	"github.com/opencreds/wallet-session-coordinator/cryptoutils"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// localShareName is the secure-store entry holding this device's share.
const localShareName = "device_share"

// DistributedStrategy implements the distributed-secret-sharing key
// derivation: the private key is split 2-of-2 between this device's secure
// storage and the share service, and reconstructed on demand. The key itself
// is never stored whole anywhere but the designated secure storage boundary.
type DistributedStrategy struct {
	svc   ShareService
	local interfaces.SecureStore
	log   *slog.Logger
}

// NewDistributedStrategy creates the strategy over a share service and the
// device's secure storage.
func NewDistributedStrategy(svc ShareService, local interfaces.SecureStore, log *slog.Logger) *DistributedStrategy {
	return &DistributedStrategy{svc: svc, local: local, log: log}
}

// GetLocalKey returns the device share cached in secure storage.
func (s *DistributedStrategy) GetLocalKey(ctx context.Context) (interfaces.DeviceShare, error) {
	share, err := s.local.Get(ctx, localShareName)
	if err != nil {
		if errors.Is(err, interfaces.ErrShareUnavailable) {
			return nil, interfaces.ErrShareUnavailable
		}
		return nil, fmt.Errorf("failed to read local share: %w", err)
	}
	if len(share) == 0 {
		return nil, interfaces.ErrShareUnavailable
	}
	return interfaces.DeviceShare(share), nil
}

// StoreLocalKey caches a device share in secure storage.
func (s *DistributedStrategy) StoreLocalKey(ctx context.Context, share interfaces.DeviceShare) error {
	if len(share) == 0 {
		return errors.New("refusing to store an empty device share")
	}
	if err := s.local.Set(ctx, localShareName, share); err != nil {
		return fmt.Errorf("failed to store local share: %w", err)
	}
	return nil
}

// ClearLocalKey erases the cached device share.
func (s *DistributedStrategy) ClearLocalKey(ctx context.Context) error {
	return s.local.Clear(ctx, localShareName)
}

// DeriveOrReconstruct combines the local device share with the server-held
// counterpart to rebuild the account private key.
func (s *DistributedStrategy) DeriveOrReconstruct(ctx context.Context, idToken, uid string) (interfaces.PrivateKey, error) {
	localShare, err := s.GetLocalKey(ctx)
	if err != nil {
		return nil, err
	}

	serverShare, err := s.svc.ServerShare(ctx, idToken, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server share: %w", err)
	}

	key, err := shamir.Combine([][]byte{localShare, serverShare})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct key: %w", err)
	}

	s.log.Debug("Reconstructed private key from shares", "uid", uid)
	return interfaces.PrivateKey(key), nil
}

// InstallKey splits a key 2-of-2, caches one share locally and records the
// other with the share service. The server record is keyed by uid, so
// installing the same key twice replaces the record rather than duplicating
// it, and the reconstructed DID stays the same.
func (s *DistributedStrategy) InstallKey(ctx context.Context, idToken, uid string, key interfaces.PrivateKey, did interfaces.DID) error {
	if err := did.Validate(); err != nil {
		return err
	}

	shares, err := shamir.Split(key, 2, 2)
	if err != nil {
		return fmt.Errorf("failed to split key: %w", err)
	}

	// Record the server half first: a device share without a server
	// counterpart is unrecoverable, the inverse is merely unused.
	if err := s.svc.PutServerShare(ctx, idToken, uid, shares[1], did); err != nil {
		return fmt.Errorf("failed to record server share: %w", err)
	}

	if err := s.StoreLocalKey(ctx, shares[0]); err != nil {
		return err
	}

	cryptoutils.WipeBytes(shares[0])
	cryptoutils.WipeBytes(shares[1])

	s.log.Info("Installed distributed key", "uid", uid, "did", did.String())
	return nil
}
