package utils

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// UpdateStatus is the outcome of the background update check. Failures
// are carried, never surfaced as errors to the scan itself.
type UpdateStatus struct {
	Release         *GitHubRelease
	HasUpdate       bool
	CatalogRevision int // remote published revision, -1 when unknown
	Err             error
}

// StartUpdateCheck launches the release and catalog revision check in the
// background and returns the channel its single result arrives on.
// Callers collect the result at exit; an unread result is simply dropped.
func StartUpdateCheck(cfg UpdateCheckConfig, currentVersion string, logger *Logger) <-chan UpdateStatus {
	ch := make(chan UpdateStatus, 1)
	go func() {
		ch <- runUpdateCheck(cfg, currentVersion, logger)
	}()
	return ch
}

func runUpdateCheck(cfg UpdateCheckConfig, currentVersion string, logger *Logger) UpdateStatus {
	status := UpdateStatus{CatalogRevision: -1}

	updater := NewUpdater(UpdaterConfig{
		Repository:     cfg.Repository,
		BinaryName:     "mce",
		CurrentVersion: currentVersion,
		Logger:         logger,
	})
	release, hasUpdate, err := updater.CheckForUpdate()
	if err != nil {
		status.Err = err
		return status
	}
	status.Release = release
	status.HasUpdate = hasUpdate

	if cfg.CatalogURL != "" {
		rev, err := fetchCatalogRevision(cfg.CatalogURL)
		if err != nil {
			status.Err = fmt.Errorf("catalog revision check: %w", err)
			return status
		}
		status.CatalogRevision = rev
	}
	return status
}

// fetchCatalogRevision reads the published catalog revision, a plain
// integer document.
func fetchCatalogRevision(url string) (int, error) {
	resp, err := NewDefaultHTTPClient().Get(url)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return -1, err
	}
	rev, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return -1, fmt.Errorf("malformed revision document: %w", err)
	}
	return rev, nil
}
