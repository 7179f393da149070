package directory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/lock"
	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

// StreetService manages streets. Streets always belong to a postal code; one
// that is missing during reconciliation is created with only its code.
type StreetService struct {
	postalcodes store.PostalcodeRepository
	streets     store.StreetRepository
	source      Source[model.ExtractedStreet]
	runs        RunLog
	locker      lock.Locker
	flight      runGroup
	now         func() time.Time
}

// NewStreetService creates a StreetService. source may be nil when the service
// is only used for direct access. Share locker with the PostalcodeService.
func NewStreetService(st store.Store, source Source[model.ExtractedStreet], locker lock.Locker) *StreetService {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &StreetService{
		postalcodes: st.Postalcodes(),
		streets:     st.Streets(),
		source:      source,
		runs:        st,
		locker:      locker,
		now:         time.Now,
	}
}

// Get returns the street with the given ID.
func (s *StreetService) Get(ctx context.Context, id uuid.UUID) (*model.Street, error) {
	return s.streets.FindByID(ctx, id)
}

// GetByKey returns the street with the given natural key.
func (s *StreetService) GetByKey(ctx context.Context, key model.StreetKey) (*model.Street, error) {
	key.Streetname = model.NormalizeStreetname(key.Streetname)
	return s.streets.FindByNaturalKey(ctx, key)
}

// GetByPostalcode returns the streets of the postal code with the given code.
func (s *StreetService) GetByPostalcode(ctx context.Context, code string) ([]model.Street, error) {
	pc, err := s.postalcodes.FindByNaturalKey(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.streets.FindByPostalcode(ctx, pc.ID)
}

// GetAll returns every street ordered by postal code and name.
func (s *StreetService) GetAll(ctx context.Context) ([]model.Street, error) {
	return s.streets.FindAll(ctx)
}

// Add inserts st. Its postal code must exist. A missing geometry is derived
// from the center.
func (s *StreetService) Add(ctx context.Context, st model.Street) (*model.Street, error) {
	st.Streetname = model.NormalizeStreetname(st.Streetname)
	if st.Streetname == "" {
		return nil, eris.New("directory: street without name")
	}
	if err := fillGeometry(&st); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, streetLockKey(st.Key()))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.streets.Save(ctx, st)
}

// Update overwrites the street with the given ID with the attributes of st.
func (s *StreetService) Update(ctx context.Context, id uuid.UUID, st model.Street) (*model.Street, error) {
	st.Streetname = model.NormalizeStreetname(st.Streetname)
	if err := fillGeometry(&st); err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, streetLockKey(st.Key()))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.update(ctx, id, st)
}

func (s *StreetService) update(ctx context.Context, id uuid.UUID, st model.Street) (*model.Street, error) {
	current, err := s.streets.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	current.Merge(st)
	return s.streets.Update(ctx, *current)
}

// Delete removes the street with the given ID under its natural key lock.
func (s *StreetService) Delete(ctx context.Context, id uuid.UUID) error {
	st, err := s.streets.FindByID(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, streetLockKey(st.Key()))
	if err != nil {
		return err
	}
	defer unlock()
	return s.streets.DeleteByID(ctx, id)
}

func fillGeometry(st *model.Street) error {
	if st.Geometry != nil {
		return nil
	}
	geometry, err := model.PointEWKB(st.CenterLatitude, st.CenterLongitude)
	if err != nil {
		return err
	}
	st.Geometry = geometry
	return nil
}

// DeleteAll removes every street. Postal codes are kept.
func (s *StreetService) DeleteAll(ctx context.Context) (int64, error) {
	return s.streets.DeleteAll(ctx)
}

// UpdateOrAdd upserts an extracted street by postal code and name.
func (s *StreetService) UpdateOrAdd(ctx context.Context, es model.ExtractedStreet) (*model.Street, error) {
	name := model.NormalizeStreetname(es.Streetname)
	if name == "" {
		return nil, eris.New("directory: street without name")
	}

	parent, err := s.resolvePostalcode(ctx, es.PostalCode)
	if err != nil {
		return nil, err
	}

	geometry, err := model.PointEWKB(es.CenterLatitude, es.CenterLongitude)
	if err != nil {
		return nil, err
	}
	st := model.Street{
		PostalcodeID:    parent.ID,
		Postalcode:      parent.Code,
		Streetname:      name,
		CenterLatitude:  es.CenterLatitude,
		CenterLongitude: es.CenterLongitude,
		Geometry:        geometry,
	}

	unlock, err := s.locker.Lock(ctx, streetLockKey(st.Key()))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.streets.FindByNaturalKey(ctx, st.Key())
	switch {
	case err == nil:
		return s.update(ctx, existing.ID, st)
	case !errors.Is(err, store.ErrItemNotFound):
		return nil, err
	}

	saved, err := s.streets.Save(ctx, st)
	if errors.Is(err, store.ErrConflict) {
		existing, err := s.streets.FindByNaturalKey(ctx, st.Key())
		if err != nil {
			return nil, err
		}
		return s.update(ctx, existing.ID, st)
	}
	return saved, err
}

// resolvePostalcode returns the postal code with the given code, creating it
// when missing.
func (s *StreetService) resolvePostalcode(ctx context.Context, code string) (*model.Postalcode, error) {
	if code == "" {
		return nil, eris.New("directory: street without postal code")
	}
	unlock, err := s.locker.Lock(ctx, postalcodeLockKey(code))
	if err != nil {
		return nil, err
	}
	defer unlock()

	pc, err := s.postalcodes.FindByNaturalKey(ctx, code)
	if err == nil || !errors.Is(err, store.ErrItemNotFound) {
		return pc, err
	}

	zap.L().Debug("creating missing postal code",
		zap.String("component", "directory.streets"),
		zap.String("code", code),
	)
	pc, err = s.postalcodes.Save(ctx, model.Postalcode{Code: code})
	if errors.Is(err, store.ErrConflict) {
		return s.postalcodes.FindByNaturalKey(ctx, code)
	}
	return pc, err
}

// markExtracted stamps LastStreetExtractionOn on the given postal codes.
func (s *StreetService) markExtracted(ctx context.Context, codes map[string]struct{}, at time.Time) error {
	sorted := make([]string, 0, len(codes))
	for code := range codes {
		sorted = append(sorted, code)
	}
	sort.Strings(sorted)

	for _, code := range sorted {
		if err := s.markOne(ctx, code, at); err != nil {
			return eris.Wrapf(err, "directory: mark postal code %s extracted", code)
		}
	}
	return nil
}

func (s *StreetService) markOne(ctx context.Context, code string, at time.Time) error {
	unlock, err := s.locker.Lock(ctx, postalcodeLockKey(code))
	if err != nil {
		return err
	}
	defer unlock()

	pc, err := s.postalcodes.FindByNaturalKey(ctx, code)
	if err != nil {
		return err
	}
	at = at.UTC()
	pc.LastStreetExtractionOn = &at
	_, err = s.postalcodes.Update(ctx, *pc)
	return err
}

// Populate extracts the streets of areaID and upserts each of them. Every
// postal code that received streets gets LastStreetExtractionOn set to the
// run's start time. Concurrent calls for the same area share one run.
func (s *StreetService) Populate(ctx context.Context, areaID int64) (int, error) {
	if s.source == nil {
		return 0, ErrNoSource
	}
	return s.flight.do(ctx, areaID, func(ctx context.Context) (int, error) {
		touched := make(map[string]struct{})
		b := &batch[model.ExtractedStreet]{
			kind:   model.KindStreets,
			source: s.source,
			runs:   s.runs,
			now:    s.now,
			log:    zap.L().With(zap.String("component", "directory.streets")),
			keyOf: func(es model.ExtractedStreet) string {
				return es.PostalCode + "/" + model.NormalizeStreetname(es.Streetname)
			},
			upsert: func(ctx context.Context, es model.ExtractedStreet) error {
				st, err := s.UpdateOrAdd(ctx, es)
				if err != nil {
					return err
				}
				touched[st.Postalcode] = struct{}{}
				return nil
			},
			finish: func(ctx context.Context, runTime time.Time) error {
				return s.markExtracted(ctx, touched, runTime)
			},
		}
		return b.run(ctx, areaID)
	})
}
