package store

import (
	"context"
	"fmt"
)

// PersistedFile is the JSON shape a Sink writes through: the
// {filename, owner_server_id, versions[]} record for one replica's copy
// of a file.
type PersistedFile struct {
	Filename       string        `json:"filename"`
	OwnerReplicaID string        `json:"owner_server_id"`
	Versions       []FileVersion `json:"versions"`
}

// Key derives the sink key for a (filename, replicaID) pair.
func Key(filename, replicaID string) string {
	return fmt.Sprintf("%s|%s", filename, replicaID)
}

// Sink is the external persistence collaborator: a crash-safe-at-write-
// granularity key/value blob store. Reads are never served from it; it
// exists for post-restart inspection only.
type Sink interface {
	Save(ctx context.Context, filename, replicaID string, rec PersistedFile) error
	Delete(ctx context.Context, filename, replicaID string) error
}

// ToPersisted converts a File into the record a Sink stores.
func ToPersisted(f *File) PersistedFile {
	return PersistedFile{
		Filename:       f.Filename,
		OwnerReplicaID: f.OwnerReplicaID,
		Versions:       f.Versions,
	}
}
