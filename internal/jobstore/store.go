package jobstore

import (
	"context"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/model"
)

// envelopeVersion is bumped whenever the record layout changes incompatibly.
const envelopeVersion = 1

type recordEnvelope struct {
	Version int              `json:"version"`
	Record  *model.JobRecord `json:"record"`
}

type manifestEnvelope struct {
	Version  int                `json:"version"`
	Manifest *model.RunManifest `json:"manifest"`
}

// Store is the typed job store. It is safe for concurrent use as long as its
// backend is.
type Store struct {
	backend Backend
	clock   clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp UpdatedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New wraps a backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenURI opens the backend named by uri and wraps it.
func OpenURI(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	backend, err := Open(ctx, uri)
	if err != nil {
		return nil, flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("open " + uri)
	}
	return New(backend, opts...), nil
}

// Put durably writes a record, stamping its UpdatedAt.
func (s *Store) Put(ctx context.Context, rec *model.JobRecord) error {
	key := KeyOf(rec)
	if err := key.validate(); err != nil {
		return err
	}
	rec.UpdatedAt = s.clock.Now().UTC()
	data, err := json.Marshal(recordEnvelope{Version: envelopeVersion, Record: rec})
	if err != nil {
		return flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("encode " + key.String())
	}
	if err := s.backend.Put(ctx, key.String(), data); err != nil {
		return flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("put " + key.String())
	}
	return nil
}

// Get returns the record under key, or found=false if there is none.
func (s *Store) Get(ctx context.Context, key Key) (*model.JobRecord, bool, error) {
	if err := key.validate(); err != nil {
		return nil, false, err
	}
	data, found, err := s.backend.Get(ctx, key.String())
	if err != nil {
		return nil, false, flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("get " + key.String())
	}
	if !found {
		return nil, false, nil
	}
	rec, err := decodeRecord(key.String(), data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// ListByPrefix returns every record whose key starts with prefix, ordered by
// key. Reserved keys are never returned.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]*model.JobRecord, error) {
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("list " + prefix)
	}
	records := make([]*model.JobRecord, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, "_") {
			continue
		}
		data, found, err := s.backend.Get(ctx, key)
		if err != nil {
			return nil, flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("get " + key)
		}
		if !found {
			// Listed but gone: the object was replaced between List and Get.
			continue
		}
		rec, err := decodeRecord(key, data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(key string, data []byte) (*model.JobRecord, error) {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("decode " + key)
	}
	if env.Version != envelopeVersion || env.Record == nil {
		return nil, flowerr.ErrStoreUnavailable.GenWithStackByArgs("decode " + key + ": unsupported record version")
	}
	return env.Record, nil
}

// PutManifest durably writes the run manifest.
func (s *Store) PutManifest(ctx context.Context, m *model.RunManifest) error {
	data, err := json.Marshal(manifestEnvelope{Version: envelopeVersion, Manifest: m})
	if err != nil {
		return flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("encode manifest")
	}
	if err := s.backend.Put(ctx, ManifestKey, data); err != nil {
		return flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("put manifest")
	}
	return nil
}

// GetManifest returns the stored run manifest, or found=false.
func (s *Store) GetManifest(ctx context.Context) (*model.RunManifest, bool, error) {
	data, found, err := s.backend.Get(ctx, ManifestKey)
	if err != nil {
		return nil, false, flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("get manifest")
	}
	if !found {
		return nil, false, nil
	}
	var env manifestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, flowerr.ErrStoreUnavailable.Wrap(err).GenWithStackByArgs("decode manifest")
	}
	if env.Version != envelopeVersion || env.Manifest == nil {
		return nil, false, flowerr.ErrStoreUnavailable.GenWithStackByArgs("decode manifest: unsupported version")
	}
	return env.Manifest, true, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
