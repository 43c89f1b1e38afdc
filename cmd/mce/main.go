package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"github.com/platomav/MCExtractor/internal/catalog"
	"github.com/platomav/MCExtractor/internal/mcb"
	"github.com/platomav/MCExtractor/internal/pipeline"
	"github.com/platomav/MCExtractor/internal/ucode"
	"github.com/platomav/MCExtractor/internal/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mce",
		Short: "MC Extractor, the CPU microcode scanner",
		Long: `mce scans arbitrary binary images (BIOS/UEFI dumps, update capsules,
raw microcode files) for Intel, AMD, VIA and Freescale CPU microcodes,
validates them against vendor checksums and a local catalog of known
releases, and extracts each one as a standalone named binary.`,
		Version: utils.GetVersionString(),
	}

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newLastCmd())
	cmd.AddCommand(newBlobCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newUpdateCmd())

	return cmd
}

// appEnv is the loaded configuration plus the services every command
// needs.
type appEnv struct {
	config *utils.Config
	logger *utils.Logger
}

func newAppEnv(configFile string, verbose bool) (*appEnv, error) {
	manager := utils.NewConfigManager()
	if err := manager.LoadConfig(configFile); err != nil {
		return nil, err
	}
	config := manager.GetConfig()

	logLevel, _ := utils.ParseLogLevel(config.LogLevel)
	if verbose {
		logLevel = utils.LogLevelDebug
	}
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:  logLevel,
		Format: utils.ParseLogFormat(config.LogFormat),
		File:   config.LogFile,
	})
	return &appEnv{config: config, logger: logger}, nil
}

func (env *appEnv) openCatalog(path string, create bool) (*catalog.Store, error) {
	if path == "" {
		path = env.config.CatalogPath
	}
	return catalog.Open(path, create, env.logger)
}

func newScanCmd() *cobra.Command {
	var (
		extractDir    string
		catalogPath   string
		configFile    string
		add           bool
		info          bool
		rename        bool
		repo          bool
		noUpdateCheck bool
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "scan [files|dirs...]",
		Short: "Scan files or directories for CPU microcodes",
		Long: `Scan every given file, and every file under given directories, for
microcodes of all four supported vendors. Validated microcodes are
extracted under the extraction directory, one per-vendor folder each,
with a name encoding the full identity. Inputs that trigger warnings
are copied to the Warnings directory for inspection.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newAppEnv(configFile, verbose)
			if err != nil {
				return err
			}

			var updateCh <-chan utils.UpdateStatus
			if env.config.Update.Enabled && !noUpdateCheck {
				updateCh = utils.StartUpdateCheck(env.config.Update, utils.Version, env.logger)
			}

			store, err := env.openCatalog(catalogPath, add)
			if err != nil {
				return err
			}
			defer store.Close()

			if extractDir == "" {
				extractDir = env.config.ExtractDir
			}
			pipe := pipeline.New(store, env.logger, pipeline.Options{
				ExtractDir:  extractDir,
				WarningsDir: env.config.WarningsDir,
				RepoDir:     env.config.RepoDir,
				Add:         add,
				Info:        info,
				Rename:      rename,
				Repo:        repo,
			})

			results, err := pipe.Run(args)
			if err != nil {
				return err
			}
			printScanSummary(env, results)
			reportUpdateStatus(env, store, updateCh)
			return nil
		},
	}

	cmd.Flags().StringVar(&extractDir, "extract-dir", "", "Extraction directory (default from config)")
	cmd.Flags().BoolVar(&add, "add", false, "Add new microcodes to the catalog")
	cmd.Flags().BoolVar(&info, "info", false, "Print decoded headers instead of extracting")
	cmd.Flags().BoolVar(&rename, "rename", false, "Rename single-microcode inputs to their catalog name")
	cmd.Flags().BoolVar(&repo, "repo", false, "Build per-vendor repositories of latest microcodes")
	cmd.Flags().BoolVar(&noUpdateCheck, "no-update-check", false, "Skip the background release and catalog check")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog database path (default from config)")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	return cmd
}

func printScanSummary(env *appEnv, results []*pipeline.FileResult) {
	total, extracted, added := 0, 0, 0
	for _, res := range results {
		total += res.Matches
		extracted += len(res.Records)
		added += res.Added
	}
	log := env.logger.WithComponent("scan")
	log.Infof("Scanned %d file(s): %d match(es), %d microcode(s)", len(results), total, extracted)
	if added > 0 {
		log.Infof("Added %d new microcode(s) to the catalog", added)
	}
}

// reportUpdateStatus collects the background check result, if one was
// started and has finished. Failures are logged at debug level only.
func reportUpdateStatus(env *appEnv, store *catalog.Store, ch <-chan utils.UpdateStatus) {
	if ch == nil {
		return
	}
	select {
	case status := <-ch:
		log := env.logger.WithComponent("update")
		if status.Err != nil {
			log.Debugf("Update check failed: %v", status.Err)
			return
		}
		if status.HasUpdate && status.Release != nil {
			log.Warnf("Outdated MC Extractor, %s is available from github.com/%s",
				status.Release.TagName, env.config.Update.Repository)
		}
		if status.CatalogRevision >= 0 && status.CatalogRevision > store.Meta().Revision {
			log.Warnf("Outdated catalog (r%d, latest is r%d)", store.Meta().Revision, status.CatalogRevision)
		}
	default:
		// Still in flight; a scan should never wait on the network.
	}
}

func newSearchCmd() *cobra.Command {
	var (
		catalogPath string
		configFile  string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "search <cpuid|model>",
		Short: "Search the catalog across all vendor tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newAppEnv(configFile, verbose)
			if err != nil {
				return err
			}
			store, err := env.openCatalog(catalogPath, false)
			if err != nil {
				return err
			}
			defer store.Close()

			hits, err := store.Search(args[0])
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("No matching microcodes in the catalog")
				return nil
			}
			for _, hit := range hits {
				fmt.Printf("%-10s %s\n", hit.Vendor, hit.Line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog database path (default from config)")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	return cmd
}

func newLastCmd() *cobra.Command {
	var (
		catalogPath string
		configFile  string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "last <vendor> <cpuid> <version> [platform]",
		Short: "Check whether a microcode revision is the latest known",
		Long: `Compare a revision identity against every cataloged revision of the
same CPUID. Vendors: intel (platform required), amd. The date-equal
version tie-break is suppressed so the latest known microcode judges
itself as latest.`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newAppEnv(configFile, verbose)
			if err != nil {
				return err
			}
			store, err := env.openCatalog(catalogPath, false)
			if err != nil {
				return err
			}
			defer store.Close()

			return runLast(store, args)
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog database path (default from config)")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	return cmd
}

func runLast(store *catalog.Store, args []string) error {
	vendor := strings.ToLower(args[0])
	version, err := strconv.ParseUint(strings.TrimPrefix(args[2], "0x"), 16, 32)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[2], err)
	}

	switch vendor {
	case "intel":
		if len(args) != 4 {
			return fmt.Errorf("intel requires a platform argument")
		}
		cpuid, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("invalid cpuid %q: %w", args[1], err)
		}
		platform, err := strconv.ParseUint(strings.TrimPrefix(args[3], "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("invalid platform %q: %w", args[3], err)
		}
		refs, err := store.IntelRevisions(uint32(cpuid))
		if err != nil {
			return err
		}
		in := ucode.IntelRef{CPUID: uint32(cpuid), Platform: uint32(platform), Version: uint32(version)}
		in.DateKey = dateKeyOf(refs, uint32(version))
		latest, winner := ucode.LatestIntel(in, false, true, refs)
		printLast(latest, winner != nil, func() string {
			return fmt.Sprintf("ver%08X plat%02X from %s", winner.Version, winner.Platform, winner.DateKey)
		})
	case "amd":
		cpuid := strings.ToUpper(args[1])
		refs, err := store.AMDRevisions(cpuid)
		if err != nil {
			return err
		}
		in := ucode.AMDRef{CPUID: cpuid, Version: uint32(version)}
		in.DateKey = amdDateKeyOf(refs, uint32(version))
		latest, winner := ucode.LatestAMD(in, false, true, refs)
		printLast(latest, winner != nil, func() string {
			return fmt.Sprintf("ver%08X from %s", winner.Version, winner.DateKey)
		})
	default:
		return fmt.Errorf("unsupported vendor %q (intel, amd)", args[0])
	}
	return nil
}

// dateKeyOf resolves the cataloged date of the queried revision so the
// comparison has a date to work from; an uncataloged revision compares
// with an empty date and loses to everything, which is the conservative
// answer.
func dateKeyOf(refs []ucode.IntelRef, version uint32) string {
	for _, ref := range refs {
		if ref.Version == version {
			return ref.DateKey
		}
	}
	return ""
}

func amdDateKeyOf(refs []ucode.AMDRef, version uint32) string {
	for _, ref := range refs {
		if ref.Version == version {
			return ref.DateKey
		}
	}
	return ""
}

func printLast(latest, hasWinner bool, winner func() string) {
	if latest {
		fmt.Println("Microcode is the latest!")
		return
	}
	if hasWinner {
		fmt.Printf("Microcode is outdated, latest is %s\n", winner())
		return
	}
	fmt.Println("Microcode is outdated!")
}

func newBlobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Build or query the Microcode Blob container",
	}
	cmd.AddCommand(newBlobBuildCmd())
	cmd.AddCommand(newBlobExtractCmd())
	return cmd
}

func newBlobBuildCmd() *cobra.Command {
	var (
		blobPath    string
		vendorName  string
		catalogPath string
		configFile  string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "build [files|dirs...]",
		Short: "Build a Microcode Blob from scanned inputs",
		Long: `Scan the inputs and pack every validated microcode of the chosen
vendor into a single $MCB container with a lookup table for fast
retrieval.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newAppEnv(configFile, verbose)
			if err != nil {
				return err
			}
			store, err := env.openCatalog(catalogPath, false)
			if err != nil {
				return err
			}
			defer store.Close()

			vendor, err := blobVendor(vendorName)
			if err != nil {
				return err
			}

			pipe := pipeline.New(store, env.logger, pipeline.Options{
				ExtractDir:  env.config.ExtractDir,
				WarningsDir: env.config.WarningsDir,
				Blob:        true,
			})
			results, err := pipe.Run(args)
			if err != nil {
				return err
			}

			var items []mcb.Item
			for _, res := range results {
				for _, rec := range res.Records {
					if rec.Vendor == vendor && rec.BlobEntry != nil {
						items = append(items, mcb.Item{Entry: *rec.BlobEntry, Data: rec.Data})
					}
				}
			}
			if len(items) == 0 {
				return fmt.Errorf("no %s microcodes found in the inputs", vendor)
			}

			rev := store.Meta().Revision
			blob, err := mcb.Build(vendor, uint16(rev), items)
			if err != nil {
				return err
			}
			if blobPath == "" {
				blobPath = env.config.BlobPath
			}
			if err := renameio.WriteFile(blobPath, blob, 0644); err != nil {
				return err
			}
			env.logger.WithComponent("blob").Infof("Wrote %d microcode(s) to %s", len(items), blobPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&blobPath, "out", "", "Blob output path (default from config)")
	cmd.Flags().StringVar(&vendorName, "vendor", "intel", "Blob vendor (intel, amd)")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "Catalog database path (default from config)")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	return cmd
}

func newBlobExtractCmd() *cobra.Command {
	var (
		blobPath   string
		outPath    string
		configFile string
		latest     bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "extract <cpuid> [version] [platform]",
		Short: "Extract one microcode from a Microcode Blob",
		Long: `Look up a microcode by identity in the blob's table and write its
payload without scanning anything. The platform argument applies to
Intel blobs only. With --latest the version argument is dropped and the
newest entry for the identity is extracted.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newAppEnv(configFile, verbose)
			if err != nil {
				return err
			}
			if blobPath == "" {
				blobPath = env.config.BlobPath
			}
			data, err := os.ReadFile(blobPath)
			if err != nil {
				return err
			}
			blob, err := mcb.Parse(data)
			if err != nil {
				return err
			}
			return runBlobExtract(env, blob, args, outPath, latest)
		},
	}

	cmd.Flags().StringVar(&blobPath, "blob", "", "Blob path (default from config)")
	cmd.Flags().BoolVar(&latest, "latest", false, "Extract the newest entry for the identity")
	cmd.Flags().StringVar(&outPath, "out", "last.bin", "Extracted microcode path")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	return cmd
}

func runBlobExtract(env *appEnv, blob *mcb.Blob, args []string, outPath string, latest bool) error {
	var entry mcb.Entry
	if latest {
		var err error
		switch blob.Vendor() {
		case ucode.VendorIntel:
			if len(args) != 2 {
				return fmt.Errorf("intel blobs require cpuid and platform arguments")
			}
			cpuid, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
			if err != nil {
				return fmt.Errorf("invalid cpuid %q: %w", args[0], err)
			}
			platform, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 32)
			if err != nil {
				return fmt.Errorf("invalid platform %q: %w", args[1], err)
			}
			entry, err = blob.FindLatestIntel(uint32(cpuid), uint32(platform))
			if err != nil {
				return err
			}
		case ucode.VendorAMD:
			if len(args) != 1 {
				return fmt.Errorf("amd blobs take only a cpuid argument")
			}
			entry, err = blob.FindLatestAMD(strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported blob vendor")
		}
		return writeBlobPayload(env, blob, entry, outPath)
	}

	if len(args) < 2 {
		return fmt.Errorf("a version argument is required without --latest")
	}
	version, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 32)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[1], err)
	}

	switch blob.Vendor() {
	case ucode.VendorIntel:
		if len(args) != 3 {
			return fmt.Errorf("intel blobs require a platform argument")
		}
		cpuid, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("invalid cpuid %q: %w", args[0], err)
		}
		platform, err := strconv.ParseUint(strings.TrimPrefix(args[2], "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("invalid platform %q: %w", args[2], err)
		}
		entry, err = blob.FindIntel(ucode.IntelRef{
			CPUID:    uint32(cpuid),
			Platform: uint32(platform),
			Version:  uint32(version),
		})
		if err != nil {
			return err
		}
	case ucode.VendorAMD:
		entry, err = blob.FindAMD(ucode.AMDRef{
			CPUID:   strings.ToUpper(args[0]),
			Version: uint32(version),
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported blob vendor")
	}
	return writeBlobPayload(env, blob, entry, outPath)
}

func writeBlobPayload(env *appEnv, blob *mcb.Blob, entry mcb.Entry, outPath string) error {

	payload, err := blob.Payload(entry)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(outPath, payload, 0644); err != nil {
		return err
	}
	env.logger.WithComponent("blob").Infof("Extracted 0x%X byte(s) to %s", len(payload), outPath)
	return nil
}

func blobVendor(name string) (ucode.Vendor, error) {
	switch strings.ToLower(name) {
	case "intel":
		return ucode.VendorIntel, nil
	case "amd":
		return ucode.VendorAMD, nil
	default:
		return 0, fmt.Errorf("unsupported blob vendor %q (intel, amd)", name)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mce version %s\n", utils.Version)
			fmt.Printf("Commit: %s\n", utils.Commit)
			fmt.Printf("Built: %s\n", utils.Date)
		},
	}
}

func newUpdateCmd() *cobra.Command {
	var (
		force      bool
		configFile string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update mce to the latest GitHub release",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newAppEnv(configFile, verbose)
			if err != nil {
				return err
			}

			updater := utils.NewUpdater(utils.UpdaterConfig{
				Repository:     env.config.Update.Repository,
				BinaryName:     "mce",
				CurrentVersion: utils.Version,
				Logger:         env.logger,
			})
			release, hasUpdate, err := updater.CheckForUpdate()
			if err != nil {
				return err
			}
			if !hasUpdate && !force {
				fmt.Println("mce is up to date")
				return nil
			}
			return updater.Update(release, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Update even when already on the latest version")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	return cmd
}
