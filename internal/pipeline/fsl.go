package pipeline

import (
	"path/filepath"

	"github.com/platomav/MCExtractor/internal/catalog"
	"github.com/platomav/MCExtractor/internal/ucode"
)

func (p *Pipeline) processFSL(res *FileResult, path string, buf []byte) error {
	mcs, rejects, err := ucode.ScanFSL(buf)
	if err != nil {
		return err
	}
	res.Matches += len(mcs) + len(rejects)

	log := p.logger.WithComponent("fsl").WithField("file", filepath.Base(path))
	for _, rej := range rejects {
		log.Warnf("Skipped potential Freescale microcode: %s", rej)
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
		if err := p.handleFSL(res, path, buf, mc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleFSL(res *FileResult, path string, buf []byte, mc *ucode.FSLMicrocode) error {
	log := p.logger.WithComponent("fsl").WithField("file", filepath.Base(path))

	rec := catalog.NewFSLRecord(mc)
	dbRec, known, err := p.store.LookupFSL(rec)
	if err != nil {
		return err
	}

	if mc.ReservedSum != 0 {
		log.Warnf("Microcode at 0x%X has non-empty Reserved fields", mc.Offset)
		p.warnCopy(path, buf)
	}

	if p.opts.Info {
		p.printFSL(mc)
		return nil
	}

	out := Record{
		Vendor: ucode.VendorFreescale,
		Name:   mc.Name(),
		Offset: mc.Offset,
		Size:   mc.Size,
		Known:  known,
		Data:   mc.Data,
	}

	if p.opts.Add {
		if !known {
			if _, err := p.store.InsertFSL(rec); err != nil {
				return err
			}
			res.Added++
			log.Infof("Added Freescale: %s", out.Name)
		}
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Rename {
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Repo {
		// Every Freescale microcode goes into the repository.
		if err := p.saveRepo(ucode.VendorFreescale, out.Name, mc.Data); err != nil {
			return err
		}
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Blob {
		res.Records = append(res.Records, out)
		return nil
	}

	out.Modded = known && dbRec.Modded
	if out.Modded {
		note := ""
		if dbRec.Notes != "" {
			note = " (" + dbRec.Notes + ")"
		}
		log.Warnf("Microcode %s has an OEM/User modified header%s", out.Name, note)
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
	return p.saveArtifact(ucode.VendorFreescale, out.Status, out.Name, mc.Data)
}

func (p *Pipeline) printFSL(mc *ucode.FSLMicrocode) {
	log := p.logger.WithComponent("fsl")
	log.Infof("Header: name %s model %s rev %d.%d modules %d iram %d size 0x%X crc %08X",
		mc.SigName, mc.Model, mc.Header.Major, mc.Header.Minor,
		mc.Header.CountMC, mc.Header.IRAM, mc.Size, mc.Checksum)
	for i, entry := range mc.Entries {
		log.Infof("Module %d: name %s eccr %08X iram 0x%X code 0x%X+0x%X dwords rev %d.%d.%d",
			i+1, entry.SigName(), entry.ECCR, entry.IRAMOffset,
			entry.CodeOffset, entry.CodeLength, entry.Major, entry.Minor, entry.Revision)
	}
}
