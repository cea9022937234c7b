package keyderivation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// RecordClassifier classifies a freshly authenticated account by consulting
// the share service's account record: no record means the account needs
// setup, a legacy record means migration, a distributed record means the key
// exists and the device either reconstructs it or needs recovery.
type RecordClassifier struct {
	svc ShareService
	log *slog.Logger
}

// NewRecordClassifier creates the reference classifier over a share service.
func NewRecordClassifier(svc ShareService, log *slog.Logger) *RecordClassifier {
	return &RecordClassifier{svc: svc, log: log}
}

// Classify returns the account record kind and the expected DID, if any.
func (c *RecordClassifier) Classify(ctx context.Context, idToken, uid string) (interfaces.AccountRecordKind, interfaces.DID, error) {
	record, err := c.svc.AccountRecord(ctx, idToken, uid)
	if err != nil {
		if errors.Is(err, interfaces.ErrNoKeyRecord) {
			return interfaces.RecordNone, "", nil
		}
		return interfaces.RecordNone, "", fmt.Errorf("account classification failed: %w", err)
	}

	c.log.Debug("Classified account", "uid", uid, "kind", record.Kind.String())
	return record.Kind, record.DID, nil
}
