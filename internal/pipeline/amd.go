package pipeline

import (
	"path/filepath"
	"strconv"

	"github.com/platomav/MCExtractor/internal/catalog"
	"github.com/platomav/MCExtractor/internal/mcb"
	"github.com/platomav/MCExtractor/internal/ucode"
)

func (p *Pipeline) processAMD(res *FileResult, path string, buf []byte) error {
	mcs, rejects, err := ucode.ScanAMD(buf)
	if err != nil {
		return err
	}
	res.Matches += len(mcs) + len(rejects)

	log := p.logger.WithComponent("amd").WithField("file", filepath.Base(path))
	for _, rej := range rejects {
		log.Warnf("Skipped potential AMD microcode: %s", rej)
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
		if err := p.handleAMD(res, path, mc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleAMD(res *FileResult, path string, mc *ucode.AMDMicrocode) error {
	log := p.logger.WithComponent("amd").WithField("file", filepath.Base(path))

	rec := catalog.NewAMDRecord(mc)
	dbRec, known, err := p.store.LookupAMD(rec)
	if err != nil {
		return err
	}

	if p.opts.Info {
		p.printAMD(mc)
		return nil
	}

	out := Record{
		Vendor: ucode.VendorAMD,
		Name:   mc.Name(),
		Offset: mc.Offset,
		Size:   mc.Size,
		Known:  known,
		Data:   mc.Data,
	}

	if p.opts.Add {
		if !known {
			if _, err := p.store.InsertAMD(rec); err != nil {
				return err
			}
			res.Added++
			log.Infof("Added AMD: %s", out.Name)
		}
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Rename {
		res.Records = append(res.Records, out)
		return nil
	}

	out.Modded = known && dbRec.Modded
	refs, err := p.store.AMDRevisions(mc.CPUID)
	if err != nil {
		return err
	}
	latest, winner := ucode.LatestAMD(rec.Ref(), out.Modded, false, refs)
	out.Latest = latest

	if p.opts.Repo {
		repoID := "AMD_" + mc.CPUID
		if latest && !p.repoSeen[repoID] {
			if err := p.saveRepo(ucode.VendorAMD, out.Name, mc.Data); err != nil {
				return err
			}
			p.repoSeen[repoID] = true
		}
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Blob {
		cpuid, _ := strconv.ParseUint(mc.CPUID, 16, 32)
		out.BlobEntry = &mcb.Entry{
			CPUID:    uint32(cpuid),
			Revision: mc.Header.UpdateRevision,
			Year:     mc.Header.Year,
			Month:    mc.Header.Month,
			Day:      mc.Header.Day,
			Checksum: ucode.Fingerprint(mc.Data),
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

	chkOK := known && dbRec.Fingerprint == rec.Fingerprint || mc.ChecksumValid()
	switch {
	case !chkOK:
		log.Warnf("Microcode %s is corrupted", out.Name)
		out.Status = StatusBad
	case mc.Truncated():
		log.Warnf("Microcode %s is truncated", out.Name)
		out.Status = StatusBad
	case !known:
		log.Infof("Microcode %s is not in the catalog", out.Name)
		out.Status = StatusNew
	}

	res.Records = append(res.Records, out)
	return p.saveArtifact(ucode.VendorAMD, out.Status, out.Name, mc.Data)
}

func (p *Pipeline) printAMD(mc *ucode.AMDMicrocode) {
	p.logger.WithComponent("amd").Infof(
		"Header: cpuid %s version %08X date %s size 0x%X checksum %08X loader %04X nb %s sb %s rev %s",
		mc.CPUID, mc.Header.UpdateRevision, mc.Date, mc.Size,
		mc.Header.DataChecksum, mc.Header.LoaderID, mc.NBID, mc.SBID, mc.NBSBRev)
}
