package pipeline

import (
	"path/filepath"

	"github.com/platomav/MCExtractor/internal/catalog"
	"github.com/platomav/MCExtractor/internal/ucode"
)

func (p *Pipeline) processVIA(res *FileResult, path string, buf []byte) error {
	mcs, rejects, err := ucode.ScanVIA(buf)
	if err != nil {
		return err
	}
	res.Matches += len(mcs) + len(rejects)

	log := p.logger.WithComponent("via").WithField("file", filepath.Base(path))
	for _, rej := range rejects {
		log.Warnf("Skipped potential VIA microcode: %s", rej)
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
		if err := p.handleVIA(res, path, mc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) handleVIA(res *FileResult, path string, mc *ucode.VIAMicrocode) error {
	log := p.logger.WithComponent("via").WithField("file", filepath.Base(path))

	rec := catalog.NewVIARecord(mc)
	dbRec, known, err := p.store.LookupVIA(rec)
	if err != nil {
		return err
	}

	if p.opts.Info {
		p.printVIA(mc)
		return nil
	}

	out := Record{
		Vendor: ucode.VendorVIA,
		Name:   mc.Name(),
		Offset: mc.Offset,
		Size:   mc.Size,
		Known:  known,
		Data:   mc.Data,
	}

	if p.opts.Add {
		if !known {
			if _, err := p.store.InsertVIA(rec); err != nil {
				return err
			}
			res.Added++
			log.Infof("Added VIA: %s", out.Name)
		}
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Rename {
		res.Records = append(res.Records, out)
		return nil
	}
	if p.opts.Repo {
		// Every VIA microcode goes into the repository.
		if err := p.saveRepo(ucode.VendorVIA, out.Name, mc.Data); err != nil {
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
	return p.saveArtifact(ucode.VendorVIA, out.Status, out.Name, mc.Data)
}

func (p *Pipeline) printVIA(mc *ucode.VIAMicrocode) {
	p.logger.WithComponent("via").Infof(
		"Header: cpuid %08X signature %s version %08X date %s size 0x%X checksum %08X cnr %02X",
		mc.Header.ProcessorSignature, mc.SigName, mc.Header.UpdateRevision,
		mc.Date, mc.Size, mc.Header.Checksum, mc.Header.CNRRevision)
}
