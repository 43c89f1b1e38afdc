// Package catalog is the local store of known microcode identities,
// backed by BadgerDB. Each vendor has its own key prefix; record identity
// lives in the key, record detail in a JSON value. Key layout puts the
// date component right after the primary identity so reverse prefix
// iteration yields date-descending results without a secondary index.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/platomav/MCExtractor/internal/ucode"
	"github.com/platomav/MCExtractor/internal/utils"
)

var (
	// ErrMissing means no catalog exists at the given path and creation
	// was not requested. Scanning without a catalog is meaningless, so
	// callers treat this as fatal.
	ErrMissing = errors.New("microcode catalog not found")
	// ErrTooOld means the catalog demands a newer application version.
	ErrTooOld = errors.New("microcode catalog requires a newer release")

	ErrNotFound = errors.New("record not found")
)

var metaKey = []byte("meta")

// Meta is the catalog-global record.
type Meta struct {
	Revision  int    `json:"revision"`
	Developer bool   `json:"developer"`
	Minimum   string `json:"minimum"` // lowest application version allowed to load this catalog
}

// Store wraps the BadgerDB catalog.
type Store struct {
	mu     sync.Mutex
	db     *badger.DB
	meta   Meta
	logger *utils.Logger
}

// Open loads the catalog at path. With create false a missing directory
// is an error; with create true an empty catalog is initialized. A
// catalog whose minimum version exceeds the running application refuses
// to load.
func Open(path string, create bool, logger *utils.Logger) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && !create {
		return nil, fmt.Errorf("%w: %s", ErrMissing, path)
	}

	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.loadMeta(create); err != nil {
		db.Close()
		return nil, err
	}
	if s.meta.Minimum != "" && utils.VersionOlder(utils.Version, s.meta.Minimum) {
		db.Close()
		return nil, fmt.Errorf("%w: need at least %s, running %s", ErrTooOld, s.meta.Minimum, utils.Version)
	}
	logger.WithComponent("catalog").Debugf("Catalog r%d loaded from %s", s.meta.Revision, path)
	return s, nil
}

func (s *Store) loadMeta(create bool) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &s.meta)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		if !create {
			return fmt.Errorf("%w: store has no meta record", ErrMissing)
		}
		s.meta = Meta{Minimum: "0.0.0"}
		return s.writeMeta()
	}
	return err
}

func (s *Store) writeMeta() error {
	enc, err := json.Marshal(&s.meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey, enc)
	})
}

// Close releases the underlying store.
func (s *Store) Close() error { return s.db.Close() }

// Meta returns the catalog-global record.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// insert writes one record idempotently. The first new record since the
// last published catalog bumps the revision; the persisted developer
// flag latches the bump, so any number of additions land on one
// unpublished revision until a release clears the flag.
func (s *Store) insert(key, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already cataloged
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, value)
	})
	if err != nil || !added {
		return false, err
	}
	if !s.meta.Developer {
		s.meta.Revision++
		s.meta.Developer = true
		if err := s.writeMeta(); err != nil {
			return true, err
		}
		s.logger.WithComponent("catalog").Infof("Catalog revision is now r%d", s.meta.Revision)
	}
	return true, nil
}

func (s *Store) lookup(key []byte, out interface{}) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(val, out)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan walks all records under prefix, newest date first, handing each
// JSON value to visit.
func (s *Store) scan(prefix []byte, visit func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Reverse = true
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()

		// Reverse iteration must seek past the last key of the prefix.
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := visit(val); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertIntel catalogs an Intel record, reporting whether it was new.
func (s *Store) InsertIntel(rec IntelRecord) (bool, error) {
	enc, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}
	return s.insert(rec.key(), enc)
}

// LookupIntel fetches the cataloged row matching the record's identity.
func (s *Store) LookupIntel(rec IntelRecord) (*IntelRecord, bool, error) {
	var out IntelRecord
	found, err := s.lookup(rec.key(), &out)
	if !found || err != nil {
		return nil, false, err
	}
	return &out, true, nil
}

// IntelRevisions lists every non-modded cataloged revision for a CPUID,
// for the latest-revision comparison.
func (s *Store) IntelRevisions(cpuid uint32) ([]ucode.IntelRef, error) {
	prefix := []byte(fmt.Sprintf("intel/%08X/", cpuid))
	var refs []ucode.IntelRef
	err := s.scan(prefix, func(val []byte) error {
		var rec IntelRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if !rec.Modded {
			refs = append(refs, rec.Ref())
		}
		return nil
	})
	return refs, err
}

// InsertAMD catalogs an AMD record, reporting whether it was new.
func (s *Store) InsertAMD(rec AMDRecord) (bool, error) {
	enc, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}
	return s.insert(rec.key(), enc)
}

// LookupAMD fetches the cataloged row matching the record's identity.
func (s *Store) LookupAMD(rec AMDRecord) (*AMDRecord, bool, error) {
	var out AMDRecord
	found, err := s.lookup(rec.key(), &out)
	if !found || err != nil {
		return nil, false, err
	}
	return &out, true, nil
}

// AMDRevisions lists every cataloged revision for a CPUID.
func (s *Store) AMDRevisions(cpuid string) ([]ucode.AMDRef, error) {
	prefix := []byte("amd/" + cpuid + "/")
	var refs []ucode.AMDRef
	err := s.scan(prefix, func(val []byte) error {
		var rec AMDRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		refs = append(refs, rec.Ref())
		return nil
	})
	return refs, err
}

// InsertVIA catalogs a VIA record, reporting whether it was new.
func (s *Store) InsertVIA(rec VIARecord) (bool, error) {
	enc, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}
	return s.insert(rec.key(), enc)
}

// LookupVIA fetches the cataloged row matching the record's identity.
func (s *Store) LookupVIA(rec VIARecord) (*VIARecord, bool, error) {
	var out VIARecord
	found, err := s.lookup(rec.key(), &out)
	if !found || err != nil {
		return nil, false, err
	}
	return &out, true, nil
}

// InsertFSL catalogs a Freescale record, reporting whether it was new.
func (s *Store) InsertFSL(rec FSLRecord) (bool, error) {
	enc, err := json.Marshal(&rec)
	if err != nil {
		return false, err
	}
	return s.insert(rec.key(), enc)
}

// LookupFSL fetches the cataloged row matching the record's identity.
func (s *Store) LookupFSL(rec FSLRecord) (*FSLRecord, bool, error) {
	var out FSLRecord
	found, err := s.lookup(rec.key(), &out)
	if !found || err != nil {
		return nil, false, err
	}
	return &out, true, nil
}

// SearchHit is one row of a catalog search, already rendered.
type SearchHit struct {
	Vendor ucode.Vendor
	Line   string
}

// Search scans all four vendor tables for records whose identity
// contains term (case-insensitive), newest first per vendor.
func (s *Store) Search(term string) ([]SearchHit, error) {
	term = strings.ToUpper(term)
	var hits []SearchHit

	err := s.scan([]byte("intel/"), func(val []byte) error {
		var r IntelRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if strings.Contains(r.CPUID, term) {
			hits = append(hits, SearchHit{ucode.VendorIntel, fmt.Sprintf(
				"cpuid %s platform %s version %s date %s size %s", r.CPUID, r.Platform, r.Version, r.DateKey, r.Size)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.scan([]byte("amd/"), func(val []byte) error {
		var r AMDRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if strings.Contains(r.CPUID, term) {
			hits = append(hits, SearchHit{ucode.VendorAMD, fmt.Sprintf(
				"cpuid %s version %s date %s size %s", r.CPUID, r.Version, r.DateKey, r.Size)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.scan([]byte("via/"), func(val []byte) error {
		var r VIARecord
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if strings.Contains(r.CPUID, term) || strings.Contains(strings.ToUpper(r.Signature), term) {
			hits = append(hits, SearchHit{ucode.VendorVIA, fmt.Sprintf(
				"cpuid %s sig %s version %s date %s", r.CPUID, r.Signature, r.Version, r.DateKey)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.scan([]byte("fsl/"), func(val []byte) error {
		var r FSLRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if strings.Contains(strings.ToUpper(r.Name), term) || strings.Contains(r.Model, term) {
			hits = append(hits, SearchHit{ucode.VendorFreescale, fmt.Sprintf(
				"model %s name %s rev %s.%s", r.Model, r.Name, r.Major, r.Minor)})
		}
		return nil
	})
	return hits, err
}
