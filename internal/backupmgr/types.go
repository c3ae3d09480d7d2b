// Package backupmgr runs periodic local snapshots of StatusDB and the
// reportstore database, tars them together, and optionally uploads the
// archive to object storage.
package backupmgr

import "time"

// Config controls periodic backups.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool
}

// Snapshotter is the minimal DB snapshot contract a backup source
// implements — satisfied by both statusdb.Store and reportstore.Store.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
}
