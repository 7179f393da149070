package directory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/lock"
	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

// PostalcodeService manages postal codes.
type PostalcodeService struct {
	repo   store.PostalcodeRepository
	source Source[model.Postalcode]
	runs   RunLog
	locker lock.Locker
	flight runGroup
	now    func() time.Time
}

// NewPostalcodeService creates a PostalcodeService. source may be nil when
// the service is only used for direct access.
func NewPostalcodeService(st store.Store, source Source[model.Postalcode], locker lock.Locker) *PostalcodeService {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &PostalcodeService{
		repo:   st.Postalcodes(),
		source: source,
		runs:   st,
		locker: locker,
		now:    time.Now,
	}
}

// Get returns the postal code with the given ID.
func (s *PostalcodeService) Get(ctx context.Context, id uuid.UUID) (*model.Postalcode, error) {
	return s.repo.FindByID(ctx, id)
}

// GetByCode returns the postal code with the given code.
func (s *PostalcodeService) GetByCode(ctx context.Context, code string) (*model.Postalcode, error) {
	return s.repo.FindByNaturalKey(ctx, code)
}

// GetAll returns every postal code ordered by code.
func (s *PostalcodeService) GetAll(ctx context.Context) ([]model.Postalcode, error) {
	return s.repo.FindAll(ctx)
}

// Add inserts pc. It fails with store.ErrConflict when the code exists.
func (s *PostalcodeService) Add(ctx context.Context, pc model.Postalcode) (*model.Postalcode, error) {
	if pc.Code == "" {
		return nil, eris.New("directory: postal code without code")
	}
	unlock, err := s.locker.Lock(ctx, postalcodeLockKey(pc.Code))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.repo.Save(ctx, pc)
}

// Update overwrites the postal code with the given ID with the attributes of
// pc and returns the stored result.
func (s *PostalcodeService) Update(ctx context.Context, id uuid.UUID, pc model.Postalcode) (*model.Postalcode, error) {
	unlock, err := s.locker.Lock(ctx, postalcodeLockKey(pc.Code))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.update(ctx, id, pc)
}

func (s *PostalcodeService) update(ctx context.Context, id uuid.UUID, pc model.Postalcode) (*model.Postalcode, error) {
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	current.Merge(pc)
	return s.repo.Update(ctx, *current)
}

// Delete removes the postal code with the given ID together with its streets.
// It holds the code's lock so it cannot interleave with an upsert of the same
// code.
func (s *PostalcodeService) Delete(ctx context.Context, id uuid.UUID) error {
	pc, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, postalcodeLockKey(pc.Code))
	if err != nil {
		return err
	}
	defer unlock()
	return s.repo.DeleteByID(ctx, id)
}

// DeleteAll removes every postal code and every street.
func (s *PostalcodeService) DeleteAll(ctx context.Context) (int64, error) {
	return s.repo.DeleteAll(ctx)
}

// UpdateOrAdd upserts pc by its code.
func (s *PostalcodeService) UpdateOrAdd(ctx context.Context, pc model.Postalcode) (*model.Postalcode, error) {
	if pc.Code == "" {
		return nil, eris.New("directory: postal code without code")
	}
	unlock, err := s.locker.Lock(ctx, postalcodeLockKey(pc.Code))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.repo.FindByNaturalKey(ctx, pc.Code)
	switch {
	case err == nil:
		return s.update(ctx, existing.ID, pc)
	case !errors.Is(err, store.ErrItemNotFound):
		return nil, err
	}

	saved, err := s.repo.Save(ctx, pc)
	if errors.Is(err, store.ErrConflict) {
		// Another process inserted the code after the lookup.
		existing, err := s.repo.FindByNaturalKey(ctx, pc.Code)
		if err != nil {
			return nil, err
		}
		return s.update(ctx, existing.ID, pc)
	}
	return saved, err
}

// Populate extracts the postal codes of areaID and upserts each of them.
// Concurrent calls for the same area share one run, which stops only when
// every caller waiting on it has given up.
func (s *PostalcodeService) Populate(ctx context.Context, areaID int64) (int, error) {
	if s.source == nil {
		return 0, ErrNoSource
	}
	return s.flight.do(ctx, areaID, func(ctx context.Context) (int, error) {
		b := &batch[model.Postalcode]{
			kind:   model.KindPostalcodes,
			source: s.source,
			runs:   s.runs,
			now:    s.now,
			log:    zap.L().With(zap.String("component", "directory.postalcodes")),
			keyOf:  func(pc model.Postalcode) string { return pc.Code },
			upsert: func(ctx context.Context, pc model.Postalcode) error {
				_, err := s.UpdateOrAdd(ctx, pc)
				return err
			},
		}
		return b.run(ctx, areaID)
	})
}
