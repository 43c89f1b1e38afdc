package pipeline

import (
	"path/filepath"

	"github.com/platomav/MCExtractor/internal/catalog"
	"github.com/platomav/MCExtractor/internal/mcb"
	"github.com/platomav/MCExtractor/internal/ucode"
)

func (p *Pipeline) processIntel(res *FileResult, path string, buf []byte) error {
	mcs, rejects, err := ucode.ScanIntel(buf)
	if err != nil {
		return err
	}
	res.Matches += len(mcs) + len(rejects)

	log := p.logger.WithComponent("intel").WithField("file", filepath.Base(path))
	for _, rej := range rejects {
		log.Warnf("Skipped potential Intel microcode: %s", rej)
		p.warnCopy(path, buf)
	}

	offsets := make([]int, 0, len(mcs)+len(rejects))
	for _, mc := range mcs {
		offsets = append(offsets, mc.Offset)
	}
	for _, rej := range rejects {
		offsets = append(offsets, rej.Offset)
	}

	for _, mc := range mcs {
		p.crossesOver(path, buf, mc.Offset, mc.Size, nextOffset(offsets, mc.Offset))
		if err := p.handleIntel(res, path, buf, mc); err != nil {
			return err
		}

		// Each extended field becomes a standalone synthetic candidate
		// that re-enters the same handling, but never counts toward the
		// catalog, repository, blob or rename decisions.
		if mc.Extended == nil {
			continue
		}
		for _, field := range mc.Extended.Fields {
			data := mc.Materialize(field)
			smc, rej, err := ucode.ValidateIntel(data, 0, true)
			if err != nil {
				return err
			}
			if rej != nil {
				log.Warnf("Skipped extended microcode of 0x%X: %s", mc.Offset, rej)
				continue
			}
			if err := p.handleIntel(res, path, buf, smc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) handleIntel(res *FileResult, path string, buf []byte, mc *ucode.IntelMicrocode) error {
	log := p.logger.WithComponent("intel").WithField("file", filepath.Base(path))

	rec := catalog.NewIntelRecord(mc)
	dbRec, known, err := p.store.LookupIntel(rec)
	if err != nil {
		return err
	}

	if mc.ReservedSum != 0 {
		log.Warnf("Microcode at 0x%X has non-empty Reserved fields", mc.Offset)
		p.warnCopy(path, buf)
	}
	if mc.CPUIDMismatch {
		log.Warnf("Microcode at 0x%X has Header CPUID discrepancy", mc.Offset)
		p.warnCopy(path, buf)
	}
	if mc.RevisionMismatch {
		log.Warnf("Microcode at 0x%X has Header Update Revision discrepancy", mc.Offset)
		p.warnCopy(path, buf)
	}

	if p.opts.Info {
		p.printIntel(mc)
		return nil
	}

	out := Record{
		Vendor:    ucode.VendorIntel,
		Name:      mc.Name(),
		Offset:    mc.Offset,
		Size:      mc.Size,
		Known:     known,
		Synthetic: mc.Synthetic,
		Data:      mc.Data,
	}

	if p.opts.Add {
		if !known && !mc.Synthetic {
			if _, err := p.store.InsertIntel(rec); err != nil {
				return err
			}
			res.Added++
			log.Infof("Added Intel: %s", out.Name)
		}
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Rename {
		res.Records = append(res.Records, out)
		return nil
	}

	out.Modded = known && dbRec.Modded
	refs, err := p.store.IntelRevisions(mc.CPUID())
	if err != nil {
		return err
	}
	latest, winner := ucode.LatestIntel(rec.Ref(), out.Modded, false, refs)
	out.Latest = latest

	if p.opts.Repo {
		repoID := "Intel_" + rec.CPUID + "_" + rec.Platform
		if !mc.Synthetic && mc.Release == ucode.ReleaseProduction &&
			mc.CPUID() != 0 && mc.CPUID() != 0x506C0 &&
			latest && !p.repoSeen[repoID] {
			if err := p.saveRepo(ucode.VendorIntel, out.Name, mc.Data); err != nil {
				return err
			}
			p.repoSeen[repoID] = true
		}
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Blob {
		if !mc.Synthetic {
			out.BlobEntry = &mcb.Entry{
				CPUID:    mc.Header.ProcessorSignature,
				Platform: uint32(mc.Header.PlatformIDs),
				Revision: mc.Header.UpdateRevision,
				Year:     mc.Header.Year,
				Month:    mc.Header.Month,
				Day:      mc.Header.Day,
				Checksum: mc.Header.Checksum,
			}
		}
		res.Records = append(res.Records, out)
		return nil
	}

	if out.Modded {
		note := ""
		if dbRec.Notes != "" {
			note = " (" + dbRec.Notes + ")"
		}
		log.Warnf("Microcode %s has an OEM/User modified header%s", out.Name, note)
	}
	if !latest && winner != nil {
		log.Infof("Microcode %s is outdated, latest is ver%08X from %s", out.Name, winner.Version, winner.DateKey)
	}

	// A catalog fingerprint match proves byte integrity without
	// resumming; otherwise fall back to the vendor checksum.
	chkOK := known && dbRec.Fingerprint == rec.Fingerprint || mc.ChecksumValid()
	extOK := known && dbRec.ExtFingerprint == rec.ExtFingerprint || mc.ExtendedChecksumValid()

	switch {
	case !chkOK || !extOK:
		if mc.KnownBad() {
			out.Status = StatusOK
		} else {
			log.Warnf("Microcode %s is corrupted", out.Name)
			out.Status = StatusBad
		}
	case mc.Truncated():
		log.Warnf("Microcode %s is truncated", out.Name)
		out.Status = StatusBad
	case !known:
		log.Infof("Microcode %s is not in the catalog", out.Name)
		out.Status = StatusNew
	}

	res.Records = append(res.Records, out)
	return p.saveArtifact(ucode.VendorIntel, out.Status, out.Name, mc.Data)
}

// printIntel dumps the decoded headers for the info mode.
func (p *Pipeline) printIntel(mc *ucode.IntelMicrocode) {
	log := p.logger.WithComponent("intel")
	log.Infof("Header: cpuid %08X platform %02X version %08X date %s size 0x%X checksum %08X loader %X",
		mc.Header.ProcessorSignature, mc.Header.PlatformIDs, mc.Header.UpdateRevision,
		mc.Date, mc.Size, mc.Header.Checksum, mc.Header.LoaderRevision)
	if mc.Extra != nil {
		log.Infof("Extra: revision %08X vcn %d svn %d rsa %d-bit signed %v",
			mc.Extra.UpdateRevision, mc.Extra.VCN, mc.Extra.SVN,
			mc.Extra.RSAKeyLen*8, mc.Extra.RSASigned())
	}
	if mc.Extended != nil {
		for i, field := range mc.Extended.Fields {
			log.Infof("Extended field %d: cpuid %08X platform %08X checksum %08X",
				i+1, field.ProcessorSignature, field.PlatformIDs, field.Checksum)
		}
	}
}
