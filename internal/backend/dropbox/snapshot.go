package dropbox

import (
	"context"
	"errors"
	"path"
	"strings"

	"tasksync/internal/envelope"
	"tasksync/internal/service"
	"tasksync/internal/syncerr"
)

// SnapshotFile is the name of the encrypted state file inside the folder.
const SnapshotFile = "state.enc"

// DefaultFolder is used when no folder is configured.
const DefaultFolder = "/TaskFuchs"

// SnapshotStore keeps one encrypted service.Snapshot at {folder}/state.enc.
type SnapshotStore struct {
	client     *Client
	folder     string
	passphrase string
}

// NewSnapshotStore returns a store for folder, encrypting with passphrase.
func NewSnapshotStore(client *Client, folder, passphrase string) *SnapshotStore {
	folder = strings.TrimRight(strings.TrimSpace(folder), "/")
	if folder == "" {
		folder = DefaultFolder
	}
	if !strings.HasPrefix(folder, "/") {
		folder = "/" + folder
	}
	return &SnapshotStore{client: client, folder: folder, passphrase: passphrase}
}

// Path returns the full path of the snapshot file.
func (s *SnapshotStore) Path() string { return path.Join(s.folder, SnapshotFile) }

// Pull downloads and decrypts the snapshot.
func (s *SnapshotStore) Pull(ctx context.Context) (service.Snapshot, string, bool, error) {
	data, rev, err := s.client.Download(ctx, s.Path())
	if errors.Is(err, syncerr.ErrNotFound) {
		return service.Snapshot{}, "", false, nil
	}
	if err != nil {
		return service.Snapshot{}, "", false, err
	}

	var snap service.Snapshot
	if err := envelope.Decrypt(strings.TrimSpace(string(data)), s.passphrase, &snap); err != nil {
		return service.Snapshot{}, "", false, classifyEnvelope("dropbox.pull", err)
	}
	if snap.Version > service.SnapshotVersion {
		return service.Snapshot{}, "", false, syncerr.Newf(syncerr.ErrProtocol, "dropbox.pull",
			"snapshot version %d is newer than supported %d", snap.Version, service.SnapshotVersion)
	}
	return snap, rev, true, nil
}

// Push encrypts and uploads snap. With an empty baseRev the file must not
// exist yet; otherwise its revision must still be baseRev.
func (s *SnapshotStore) Push(ctx context.Context, snap service.Snapshot, baseRev string) (string, error) {
	if snap.Version == 0 {
		snap.Version = service.SnapshotVersion
	}
	blob, err := envelope.Encrypt(snap, s.passphrase)
	if err != nil {
		return "", classifyEnvelope("dropbox.push", err)
	}
	return s.client.Upload(ctx, s.Path(), []byte(blob), baseRev)
}

// Stat returns metadata for the snapshot file, if present.
func (s *SnapshotStore) Stat(ctx context.Context) (Metadata, bool, error) {
	entries, err := s.client.ListFolder(ctx, s.folder)
	if errors.Is(err, syncerr.ErrNotFound) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, SnapshotFile) {
			return e, true, nil
		}
	}
	return Metadata{}, false, nil
}

// Remove deletes the snapshot file. A missing file is not an error.
func (s *SnapshotStore) Remove(ctx context.Context) error {
	err := s.client.Delete(ctx, s.Path())
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	return err
}

func classifyEnvelope(op string, err error) error {
	switch {
	case errors.Is(err, envelope.ErrDecryptionFailed),
		errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, envelope.ErrEmptyPassphrase):
		return syncerr.New(syncerr.ErrCrypto, op, err)
	default:
		return syncerr.New(syncerr.ErrProtocol, op, err)
	}
}
