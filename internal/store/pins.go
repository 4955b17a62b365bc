// Package store persists closed scan cycles as map pins for the field UI:
// one JSON document listing every pin plus the image files it references.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/samber/lo"
)

type Config struct {
	// DataPath is the pin document, e.g. ./ui/api/data.json.
	DataPath string `toml:"data_path"`
	// ImageRoot receives panorama and hyperspectral images.
	ImageRoot string `toml:"image_root"`
	// ImageRef prefixes image references written into the document.
	ImageRef string `toml:"image_ref"`
	Location string `toml:"location"`
}

func DefaultConfig() Config {
	return Config{
		DataPath:  "./ui/api/data.json",
		ImageRoot: "./ui/public/images",
		ImageRef:  "./images",
		Location:  "New Scan",
	}
}

type Document struct {
	Location string `json:"location"`
	Pins     []Pin  `json:"pins"`
}

type Pin struct {
	UID         string       `json:"uid"`
	GeoCoords   [2]float64   `json:"geo_coords"`
	PanoramaRef string       `json:"panorama_ref,omitempty"`
	Manual      *ManualSweep `json:"manual,omitempty"`
	Objects     []PinObject  `json:"objects"`
}

type PinObject struct {
	ID                int                `json:"id"`
	X                 float64            `json:"x"`
	Y                 float64            `json:"y"`
	W                 float64            `json:"w"`
	H                 float64            `json:"h"`
	RGBClassification string             `json:"RGB_classification"`
	RGBConfidence     float64            `json:"RGB_confidence"`
	HSClassification  map[string]float64 `json:"HS_classification,omitempty"`
	HSImageRefs       []string           `json:"HS_images,omitempty"`
	Distance          *float64           `json:"distance,omitempty"`
}

type ManualSweep struct {
	HSClassification map[string]float64 `json:"HS_classification,omitempty"`
	HSImageRefs      []string           `json:"HS_images,omitempty"`
}

// PinStore appends one pin per cycle. Safe for concurrent use.
type PinStore struct {
	cfg Config
	mu  sync.Mutex
}

var _ scan.Persister = (*PinStore)(nil)

func NewPinStore(cfg Config) *PinStore {
	d := DefaultConfig()
	if cfg.DataPath == "" {
		cfg.DataPath = d.DataPath
	}
	if cfg.ImageRoot == "" {
		cfg.ImageRoot = d.ImageRoot
	}
	if cfg.ImageRef == "" {
		cfg.ImageRef = d.ImageRef
	}
	if cfg.Location == "" {
		cfg.Location = d.Location
	}
	return &PinStore{cfg: cfg}
}

// Persist writes the cycle's images and appends its pin.
func (s *PinStore) Persist(ctx context.Context, cycle *scan.ScanCycle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pin := Pin{
		UID:       cycle.UID,
		GeoCoords: [2]float64{cycle.Location.Lon, cycle.Location.Lat},
		Objects:   make([]PinObject, 0, len(cycle.Objects)),
	}
	if len(cycle.Panorama.Data) > 0 {
		name := "img" + cycle.UID + ".jpg"
		if err := s.writeImage(name, cycle.Panorama.Data); err != nil {
			return err
		}
		pin.PanoramaRef = s.ref(name)
	}
	for _, o := range cycle.Objects {
		box := o.FusedBox()
		po := PinObject{
			ID:                o.ID,
			X:                 box.X1,
			Y:                 box.Y1,
			W:                 box.Width(),
			H:                 box.Height(),
			RGBClassification: o.Label,
			RGBConfidence:     o.Confidence,
			Distance:          o.Distance,
		}
		if o.Hyperspectral != nil {
			refs, err := s.writeResult(cycle.UID, strconv.Itoa(o.ID), *o.Hyperspectral)
			if err != nil {
				return err
			}
			po.HSClassification = materials(o.Hyperspectral.Materials)
			po.HSImageRefs = refs
		}
		pin.Objects = append(pin.Objects, po)
	}
	if cycle.ManualResult != nil {
		refs, err := s.writeResult(cycle.UID, "manual", *cycle.ManualResult)
		if err != nil {
			return err
		}
		pin.Manual = &ManualSweep{HSClassification: materials(cycle.ManualResult.Materials), HSImageRefs: refs}
	}

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Pins = append(doc.Pins, pin)
	if err := s.save(doc); err != nil {
		return err
	}
	logs.Infof("store.PinStore.Persist uid=%s objects=%d pins=%d", cycle.UID, len(pin.Objects), len(doc.Pins))
	return nil
}

// Load returns the current document.
func (s *PinStore) Load() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Reset replaces the document with an empty one named location.
func (s *PinStore) Reset(location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if location == "" {
		location = s.cfg.Location
	}
	return s.save(Document{Location: location, Pins: make([]Pin, 0)})
}

func (s *PinStore) load() (Document, error) {
	b, err := os.ReadFile(s.cfg.DataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{Location: s.cfg.Location, Pins: make([]Pin, 0)}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: read %s: %w", s.cfg.DataPath, err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("store: decode %s: %w", s.cfg.DataPath, err)
	}
	if doc.Pins == nil {
		doc.Pins = make([]Pin, 0)
	}
	return doc, nil
}

// save writes through a temp file so readers never see a partial document.
func (s *PinStore) save(doc Document) error {
	b, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.cfg.DataPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".data-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.cfg.DataPath)
}

func (s *PinStore) writeResult(uid, tag string, res scan.HyperspectralResult) ([]string, error) {
	refs := make([]string, 0, 1+len(res.Indices))
	for i, img := range res.Images() {
		if len(img.Data) == 0 {
			continue
		}
		label := img.Name
		if label == "" {
			label = strconv.Itoa(i)
		}
		name := filepath.Join("hs", fmt.Sprintf("%s_%s_%s.jpg", uid, tag, label))
		if err := s.writeImage(name, img.Data); err != nil {
			return nil, err
		}
		refs = append(refs, s.ref(name))
	}
	return refs, nil
}

func (s *PinStore) writeImage(name string, data []byte) error {
	path := filepath.Join(s.cfg.ImageRoot, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	return nil
}

func (s *PinStore) ref(name string) string {
	return s.cfg.ImageRef + "/" + filepath.ToSlash(name)
}

func materials(ms []scan.Material) map[string]float64 {
	if len(ms) == 0 {
		return nil
	}
	return lo.SliceToMap(ms, func(m scan.Material) (string, float64) {
		return m.Name, m.Percent
	})
}
