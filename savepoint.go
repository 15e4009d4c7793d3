package silkdb

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// The savepoint is a human-readable metadata document: the storage list
// with per-storage fields. It is rewritten on every storage create and
// drop, through a temp file and an atomic rename.

type savepointStorage struct {
	ID          StorageID `xml:"id,attr"`
	Name        string    `xml:"name,attr"`
	Type        string    `xml:"type,attr"`
	PayloadSize uint16    `xml:"payload_size,omitempty"`
	ArraySize   uint64    `xml:"array_size,omitempty"`
	RootPageID  uint64    `xml:"root_page_id"`
}

type savepointDoc struct {
	XMLName  xml.Name           `xml:"savepoint"`
	Storages []savepointStorage `xml:"storage"`
}

type SavepointManager struct {
	path string
}

func newSavepointManager(opts *SavepointOptions) *SavepointManager {
	return &SavepointManager{path: opts.SavepointPath}
}

func (s *SavepointManager) initialize() error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "cannot create savepoint folder %s", dir)
		}
	}
	return nil
}

// write serializes the registry snapshot. Single-writer: callers hold the
// registry lock.
func (s *SavepointManager) write(storages []Storage) error {
	doc := savepointDoc{}
	for _, st := range storages {
		meta := st.Metadata()
		doc.Storages = append(doc.Storages, savepointStorage{
			ID:          meta.ID,
			Name:        meta.Name,
			Type:        meta.Type.String(),
			PayloadSize: meta.PayloadSize,
			ArraySize:   meta.ArraySize,
			RootPageID:  meta.RootPageID,
		})
	}
	sort.Slice(doc.Storages, func(i, j int) bool {
		return doc.Storages[i].ID < doc.Storages[j].ID
	})
	data, err := xml.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "savepoint marshal failed")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append([]byte(xml.Header), data...), 0644); err != nil {
		return errors.Wrapf(err, "cannot write savepoint %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "cannot publish savepoint %s", s.path)
	}
	log.WithFields(log.Fields{"path": s.path, "storages": len(doc.Storages)}).
		Debug("savepoint written")
	return nil
}

// read loads the storage list back; recovery replay is out of scope, so
// callers use this for inspection only.
func (s *SavepointManager) read() ([]savepointStorage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "cannot read savepoint %s", s.path)
	}
	var doc savepointDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "savepoint unmarshal failed")
	}
	return doc.Storages, nil
}
