package lock

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultGormTableName = "tenant_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLock is the row model: one row per held lock, keyed by lock_key.
type gormLock struct {
	Key       string    `gorm:"primaryKey;column:lock_key;size:255"`
	Holder    string    `gorm:"column:holder;size:255;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (r gormLock) record() Record {
	return Record{
		Key:       r.Key,
		Holder:    r.Holder,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// GormStore implements Store on a relational database through GORM. The
// primary key on lock_key is the only synchronization primitive it relies on.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormClock overrides time.Now for record timestamps and FindStale.
func WithGormClock(now func() time.Time) GormOption {
	return func(o *gormStoreOptions) {
		o.now = now
	}
}

// NewGormStore returns a GormStore using the provided connection, creating
// the lock table if needed.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormLock{}); err != nil {
			return nil, storeErr("gorm migrate", err)
		}
	}

	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		now:       o.now,
	}, nil
}

func (s *GormStore) table(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx).Table(s.tableName), cancel
}

// Create implements Store.Create.
func (s *GormStore) Create(ctx context.Context, key, holder string) (Outcome, error) {
	if err := checkCtx("gorm create", ctx); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	row := gormLock{Key: key, Holder: holder, CreatedAt: now, UpdatedAt: now}

	tx, cancel := s.table(ctx)
	defer cancel()
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	switch {
	case errors.Is(res.Error, gorm.ErrDuplicatedKey):
		return AlreadyExists, nil
	case res.Error != nil:
		return 0, storeErr("gorm create", res.Error)
	case res.RowsAffected == 0:
		return AlreadyExists, nil
	}
	return Created, nil
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := checkCtx("gorm get", ctx); err != nil {
		return Record{}, false, err
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	var row gormLock
	err := tx.Where("lock_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storeErr("gorm get", err)
	}
	return row.record(), true, nil
}

// Steal implements Store.Steal.
func (s *GormStore) Steal(ctx context.Context, key string) (bool, error) {
	if err := checkCtx("gorm steal", ctx); err != nil {
		return false, err
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	res := tx.Where("lock_key = ?", key).Delete(&gormLock{})
	if res.Error != nil {
		return false, storeErr("gorm steal", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Release implements Store.Release.
func (s *GormStore) Release(ctx context.Context, key, holder string) (bool, error) {
	if err := checkCtx("gorm release", ctx); err != nil {
		return false, err
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	res := tx.Where("lock_key = ? AND holder = ?", key, holder).Delete(&gormLock{})
	if res.Error != nil {
		return false, storeErr("gorm release", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindStale implements Store.FindStale.
func (s *GormStore) FindStale(ctx context.Context, olderThan time.Duration) ([]Record, error) {
	if err := checkCtx("gorm find stale", ctx); err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-olderThan)
	tx, cancel := s.table(ctx)
	defer cancel()

	var rows []gormLock
	if err := tx.Where("created_at < ?", cutoff).Order("created_at").Find(&rows).Error; err != nil {
		return nil, storeErr("gorm find stale", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}
