package backupmgr

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 7
)

// Source pairs a Snapshotter with the name its file should carry inside
// the backup archive.
type Source struct {
	Name        string
	Snapshotter Snapshotter
}

// Manager runs periodic local snapshots of every configured Source,
// archives them together, and optionally uploads the archive.
type Manager struct {
	sources []Source
	cfg     Config

	s3Bucket string
	s3Prefix string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager initializes the backup manager. It returns nil when backups
// are disabled.
func NewManager(sources []Source, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("backupmgr: no sources configured")
	}
	for _, s := range sources {
		if strings.TrimSpace(s.Snapshotter.DBPath()) == "" {
			return nil, fmt.Errorf("backupmgr: source %q has no backing file (in-memory store)", s.Name)
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backupmgr: local-dir is required when backup is enabled")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backupmgr: create local-dir: %w", err)
	}

	var s3Bucket, s3Prefix string
	if strings.TrimSpace(cfg.BucketURL) != "" {
		bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
		if err != nil {
			return nil, fmt.Errorf("backupmgr: %w", err)
		}
		if strings.TrimSpace(cfg.S3AccessKey) == "" || strings.TrimSpace(cfg.S3SecretKey) == "" {
			return nil, fmt.Errorf("backupmgr: s3-access-key and s3-secret-key are required when bucket-url is set")
		}
		if _, err := exec.LookPath("aws"); err != nil {
			return nil, fmt.Errorf("backupmgr: aws cli not found in PATH")
		}
		if strings.TrimSpace(cfg.S3Region) == "" {
			cfg.S3Region = "us-east-1"
		}
		s3Bucket, s3Prefix = bucket, prefix
	}

	m := &Manager{sources: sources, cfg: cfg, s3Bucket: s3Bucket, s3Prefix: s3Prefix, done: make(chan struct{})}

	if err := m.RunOnce(context.Background()); err != nil {
		log.Printf("backupmgr: startup snapshot failed: %v", err)
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.RunOnce(context.Background()); err != nil {
				log.Printf("backupmgr: periodic snapshot failed: %v", err)
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce snapshots every source into a staging directory, tars and
// gzips them into one archive in LocalDir, uploads it when configured, and
// prunes old local archives.
func (m *Manager) RunOnce(ctx context.Context) error {
	stamp := time.Now().UTC().Format("20060102-150405.000000000")
	stageDir, err := os.MkdirTemp("", "pulse-backup-"+stamp)
	if err != nil {
		return fmt.Errorf("backupmgr: stage dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	staged := make([]string, 0, len(m.sources))
	for _, s := range m.sources {
		dst := filepath.Join(stageDir, s.Name)
		if err := s.Snapshotter.SnapshotTo(dst); err != nil {
			return fmt.Errorf("backupmgr: snapshot %s: %w", s.Name, err)
		}
		staged = append(staged, dst)
	}

	archiveName := fmt.Sprintf("pulse-%s.tar.gz", stamp)
	archivePath := filepath.Join(m.cfg.LocalDir, archiveName)
	if err := writeTarGz(archivePath, staged); err != nil {
		return fmt.Errorf("backupmgr: archive: %w", err)
	}
	log.Printf("backupmgr: created backup %s bundling %s", archivePath, strings.Join(sourceNames(m.sources), ","))

	if m.s3Bucket != "" {
		if err := m.uploadToS3(ctx, archivePath); err != nil {
			return fmt.Errorf("backupmgr: upload: %w", err)
		}
		log.Printf("backupmgr: uploaded backup %s", filepath.Base(archivePath))
	}

	if err := pruneLocalBackups(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return fmt.Errorf("backupmgr: prune local backups: %w", err)
	}
	return nil
}

// Stop terminates the periodic backup loop.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

func sourceNames(sources []Source) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name
	}
	return names
}

// uploadToS3 shells out to the AWS CLI (`aws s3 cp`) rather than importing
// an SDK, keyed under the bucket's configured prefix plus the joined names
// of the sources the archive bundles, so a listing of the bucket shows
// which engines each backup covers without downloading it.
func (m *Manager) uploadToS3(ctx context.Context, localPath string) error {
	objectKey := strings.Join(sourceNames(m.sources), "+") + "/" + filepath.Base(localPath)
	if m.s3Prefix != "" {
		objectKey = path.Join(m.s3Prefix, objectKey)
	}
	dest := fmt.Sprintf("s3://%s/%s", m.s3Bucket, objectKey)

	args := []string{"s3", "cp", localPath, dest, "--region", m.cfg.S3Region, "--only-show-errors"}
	if endpoint := normalizeEndpoint(m.cfg.S3Endpoint, m.cfg.S3UseSSL); endpoint != "" {
		args = append(args, "--endpoint-url", endpoint)
	}

	cmd := exec.CommandContext(ctx, "aws", args...)
	cmd.Env = append(os.Environ(),
		"AWS_ACCESS_KEY_ID="+m.cfg.S3AccessKey,
		"AWS_SECRET_ACCESS_KEY="+m.cfg.S3SecretKey,
		"AWS_DEFAULT_REGION="+m.cfg.S3Region,
	)
	if strings.TrimSpace(m.cfg.S3SessionToken) != "" {
		cmd.Env = append(cmd.Env, "AWS_SESSION_TOKEN="+m.cfg.S3SessionToken)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("aws s3 cp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https://"
	if !useSSL {
		scheme = "http://"
	}
	return scheme + endpoint
}

func parseS3BucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("bucket-url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("bucket-url missing bucket name")
	}
	prefix = strings.Trim(strings.TrimSpace(u.Path), "/")
	return u.Host, prefix, nil
}

func writeTarGz(archivePath string, files []string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addFileToTar(tw, path); err != nil {
			return err
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(tw, src)
	return err
}

func pruneLocalBackups(localDir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(localDir, "pulse-*.tar.gz"))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		// timestamp is embedded in filename and lexical sort matches chronology
		return matches[i] > matches[j]
	})

	for _, oldPath := range matches[keepLast:] {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
