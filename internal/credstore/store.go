// Package credstore persists per-tenant authentication credentials and
// protocol key material. It is pure storage: the blobs are opaque to this
// package and owned by the wire layer.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	logx "wacast/pkg/logx"

	"wacast/internal/storage"
)

type Store struct {
	db  storage.Store
	log logx.Logger
}

func New(db storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{db: db, log: log}
}

// ReadKey returns the stored blob for (clientID, keyType, keyID), or nil if
// none exists. It satisfies transport.KeyReader.
func (s *Store) ReadKey(ctx context.Context, clientID, keyType, keyID string) ([]byte, error) {
	return s.db.ReadKey(ctx, clientID, keyType, keyID)
}

// WriteKeys applies a batch of key changes: a non-nil blob upserts, a nil
// blob deletes. Ids are applied concurrently; the batch is idempotent, so
// applying the same map twice yields the same stored state.
//
// Individual failures are logged and collected; they never leave partially
// written blobs because each id is one upsert or delete.
func (s *Store) WriteKeys(ctx context.Context, clientID string, sets map[string]map[string][]byte) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for keyType, ids := range sets {
		for keyID, blob := range ids {
			wg.Add(1)
			go func(keyType, keyID string, blob []byte) {
				defer wg.Done()
				var err error
				if blob != nil {
					err = s.db.UpsertKey(ctx, clientID, keyType, keyID, blob)
				} else {
					err = s.db.DeleteKey(ctx, clientID, keyType, keyID)
				}
				if err != nil {
					s.log.Error("key write failed",
						logx.String("client", clientID),
						logx.String("type", keyType),
						logx.String("id", keyID),
						logx.Err(err))
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(keyType, keyID, blob)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ReadCredentials returns the credential blob for clientID, or nil when the
// tenant has no stored pairing. A blob that fails to parse is treated as
// absent so the caller re-initializes instead of crashing.
func (s *Store) ReadCredentials(ctx context.Context, clientID string) ([]byte, error) {
	blob, err := s.db.ReadCredentials(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		s.log.Info("no stored credentials, tenant will pair fresh", logx.String("client", clientID))
		return nil, nil
	}
	if !json.Valid(blob) {
		s.log.Error("stored credentials are corrupt, treating as absent", logx.String("client", clientID))
		return nil, nil
	}
	return blob, nil
}

// WriteCredentials upserts the credential blob, keyed uniquely by clientID.
// Upserts are transactional per call: a failed write leaves the previous
// value intact.
func (s *Store) WriteCredentials(ctx context.Context, clientID string, blob []byte) error {
	if clientID == "" {
		return errors.New("client id is required")
	}
	if err := s.db.UpsertCredentials(ctx, clientID, blob); err != nil {
		s.log.Error("credential write failed", logx.String("client", clientID), logx.Err(err))
		return err
	}
	return nil
}
