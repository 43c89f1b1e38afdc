// Package pipeline drives the scan of input files: pattern scanning and
// validation per vendor, catalog lookups, latest-revision judgement,
// classification and artifact extraction. One bad candidate never stops
// the scan of the remaining buffer or vendors; only an unreadable input
// aborts that file.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"

	"github.com/platomav/MCExtractor/internal/catalog"
	"github.com/platomav/MCExtractor/internal/mcb"
	"github.com/platomav/MCExtractor/internal/ucode"
	"github.com/platomav/MCExtractor/internal/utils"
)

// pfatMagic marks AMI BIOS Guard protected images, which must be
// unpacked by a dedicated tool before any microcode is reachable.
var pfatMagic = []byte("_AMIPFAT")

// Status is the artifact name prefix encoding the classification.
type Status string

const (
	StatusOK  Status = ""
	StatusNew Status = "!New_"
	StatusBad Status = "!Bad_"
)

// Options selects the run mode. Add, Rename, Repo and Blob are mutually
// exclusive modes that replace the default extraction; Info only prints
// decoded headers.
type Options struct {
	ExtractDir  string
	WarningsDir string
	RepoDir     string

	Add    bool
	Info   bool
	Rename bool
	Repo   bool
	Blob   bool
}

// Record is one classified microcode found during a scan.
type Record struct {
	Vendor    ucode.Vendor
	Name      string
	Offset    int
	Size      int
	Status    Status
	Latest    bool
	Known     bool // present in the catalog
	Modded    bool
	Synthetic bool
	Data      []byte

	// BlobEntry is populated in blob mode for Intel and AMD records.
	BlobEntry *mcb.Entry
}

// FileResult summarizes one processed input.
type FileResult struct {
	Path    string
	PFAT    bool
	Matches int // raw pattern hits across all vendors
	Records []Record
	Added   int
	Renamed string
}

// Pipeline carries the per-run state shared across input files.
type Pipeline struct {
	store  *catalog.Store
	logger *utils.Logger
	opts   Options

	// repoSeen dedupes repository entries across all inputs of a run.
	repoSeen map[string]bool
	// warnCount numbers colliding warning copies.
	warnCount int
}

// New builds a pipeline over an open catalog.
func New(store *catalog.Store, logger *utils.Logger, opts Options) *Pipeline {
	return &Pipeline{
		store:    store,
		logger:   logger,
		opts:     opts,
		repoSeen: make(map[string]bool),
	}
}

// Run processes every given path, walking directories recursively, and
// returns the per-file results.
func (p *Pipeline) Run(paths []string) ([]*FileResult, error) {
	files, err := expandInputs(paths)
	if err != nil {
		return nil, err
	}

	results := make([]*FileResult, 0, len(files))
	for _, file := range files {
		res, err := p.ProcessFile(file)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// expandInputs resolves files and recursive directory walks into a flat
// file list.
func expandInputs(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("reading input %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.Walk(path, func(sub string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() {
				files = append(files, sub)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", path, err)
		}
	}
	return files, nil
}

// ProcessFile scans one input file across all four vendors. Decode
// failures inside the file are reported and end that file's processing
// without failing the run.
func (p *Pipeline) ProcessFile(path string) (*FileResult, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	log := p.logger.WithComponent("pipeline").WithField("file", filepath.Base(path))
	res := &FileResult{Path: path}

	if len(buf) >= 0x10 && bytes.Equal(buf[0x8:0x10], pfatMagic) {
		log.Warn("AMI BIOS Guard (PFAT) protected image, prior extraction required")
		res.PFAT = true
		p.warnCopy(path, buf)
		return res, nil
	}

	vendors := []func(*FileResult, string, []byte) error{
		p.processIntel,
		p.processAMD,
		p.processVIA,
		p.processFSL,
	}
	for _, process := range vendors {
		if err := process(res, path, buf); err != nil {
			log.WithField("error", err).Error("File processing aborted")
			p.warnCopy(path, buf)
			return res, nil
		}
	}

	if res.Matches == 0 {
		log.Info("File does not contain CPU microcodes")
	}

	if p.opts.Rename {
		p.renameInput(res)
	}
	return res, nil
}

// renameInput renames the input file after its first microcode's catalog
// name. Files holding several microcodes have no single name and are
// left alone with a warning.
func (p *Pipeline) renameInput(res *FileResult) {
	log := p.logger.WithComponent("pipeline").WithField("file", filepath.Base(res.Path))

	var names []string
	for _, rec := range res.Records {
		if !rec.Synthetic {
			names = append(names, rec.Name)
		}
	}
	if len(names) == 0 {
		return
	}
	if len(names) > 1 {
		log.Warn("This file includes multiple microcodes, not renaming")
		return
	}

	target := filepath.Join(filepath.Dir(res.Path), names[0]+".bin")
	if filepath.Base(res.Path) == names[0]+".bin" {
		return
	}
	if _, err := os.Stat(target); err == nil {
		log.Error("A file with the same name already exists")
		return
	}
	if err := os.Rename(res.Path, target); err != nil {
		log.WithField("error", err).Error("Rename failed")
		return
	}
	res.Renamed = target
	log.Infof("Renamed to %s", filepath.Base(target))
}

// saveArtifact writes one extracted microcode under the vendor folder.
// A byte-identical existing artifact is left untouched; a differing one
// with the same identity gets a fingerprint-suffixed sibling.
func (p *Pipeline) saveArtifact(vendor ucode.Vendor, status Status, name string, data []byte) error {
	dir := filepath.Join(p.opts.ExtractDir, vendor.String())
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}

	path := filepath.Join(dir, string(status)+name+".bin")
	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		path = fmt.Sprintf("%s_%08X.bin", path[:len(path)-4], ucode.Fingerprint(data))
	}
	return renameio.WriteFile(path, data, 0644)
}

// saveRepo copies one microcode into the per-vendor repository folder.
func (p *Pipeline) saveRepo(vendor ucode.Vendor, name string, data []byte) error {
	dirName := "Repo_" + vendorRepoTag(vendor)
	dir := filepath.Join(p.opts.RepoDir, dirName)
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, name+".bin"), data, 0644)
}

func vendorRepoTag(vendor ucode.Vendor) string {
	switch vendor {
	case ucode.VendorIntel:
		return "INTEL"
	case ucode.VendorAMD:
		return "AMD"
	case ucode.VendorVIA:
		return "VIA"
	default:
		return "FSL"
	}
}

// warnCopy preserves an input that produced a warning under the Warnings
// directory, once per distinct content.
func (p *Pipeline) warnCopy(path string, data []byte) {
	log := p.logger.WithComponent("pipeline")
	if err := utils.EnsureDir(p.opts.WarningsDir); err != nil {
		log.WithField("error", err).Error("Cannot create warnings directory")
		return
	}

	target := filepath.Join(p.opts.WarningsDir, filepath.Base(path))
	if existing, err := os.ReadFile(target); err == nil {
		if ucode.Fingerprint(existing) == ucode.Fingerprint(data) {
			return
		}
		p.warnCount++
		target = fmt.Sprintf("%s_%d", target, p.warnCount)
	}
	if err := renameio.WriteFile(target, data, 0644); err != nil {
		log.WithField("error", err).Error("Cannot copy file to warnings directory")
	}
}

// nextOffset returns the smallest scan hit offset past off, or -1. Used
// for the cross-over diagnostic: a candidate whose declared region
// swallows the next hit is suspicious but both are still processed.
func nextOffset(offsets []int, off int) int {
	sort.Ints(offsets)
	for _, o := range offsets {
		if o > off {
			return o
		}
	}
	return -1
}

// crossesOver emits the cross-over diagnostic when the declared region
// runs past the next candidate. Both candidates are still processed.
func (p *Pipeline) crossesOver(path string, buf []byte, off, size, next int) {
	if next >= 0 && next < off+size {
		p.logger.WithComponent("pipeline").WithField("file", filepath.Base(path)).
			Warnf("Microcode at 0x%X is crossing over to the next microcode(s)", off)
		p.warnCopy(path, buf)
	}
}
