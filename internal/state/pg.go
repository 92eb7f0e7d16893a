package state

import (
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"optrader/pkg/exception"
)

var pgSSLModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// keys PGOption sets from its own fields
var pgReservedParams = map[string]bool{
	"host": true, "port": true, "user": true, "password": true, "dbname": true, "sslmode": true,
}

// PGOption configures the postgres store. ConnString, when set, is used as is
// and the discrete fields are ignored.
type PGOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	// Migrate creates the state table on open.
	Migrate bool
}

// Validate reports a field the driver would reject or silently override.
func (opt PGOption) Validate() error {
	if opt.ConnString != "" {
		return nil
	}
	if opt.Port < 0 || opt.Port > 65535 {
		return errors.Wrapf(exception.ErrInvalidArgument, "postgres port %d", opt.Port)
	}
	if opt.SSLMode != "" && !pgSSLModes[opt.SSLMode] {
		return errors.Wrapf(exception.ErrInvalidArgument, "postgres sslmode %q", opt.SSLMode)
	}
	for key := range opt.Params {
		if key == "" || pgReservedParams[key] {
			return errors.Wrapf(exception.ErrInvalidArgument, "postgres param %q", key)
		}
	}
	return nil
}

// connString renders the option as libpq key/value pairs with local,
// unencrypted defaults.
func (opt PGOption) connString() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}
	pairs := []string{
		"host=" + pgQuote(cmp.Or(opt.Host, "localhost")),
		"port=" + strconv.Itoa(cmp.Or(opt.Port, 5432)),
	}
	if opt.User != "" {
		pairs = append(pairs, "user="+pgQuote(opt.User))
	}
	if opt.Password != "" {
		pairs = append(pairs, "password="+pgQuote(opt.Password))
	}
	if opt.Database != "" {
		pairs = append(pairs, "dbname="+pgQuote(opt.Database))
	}
	pairs = append(pairs, "sslmode="+cmp.Or(opt.SSLMode, "disable"))
	for _, key := range slices.Sorted(maps.Keys(opt.Params)) {
		pairs = append(pairs, key+"="+pgQuote(opt.Params[key]))
	}
	return strings.Join(pairs, " ")
}

// pgQuote single-quotes values libpq would otherwise split or misread.
func pgQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// dayStateRow holds one trading day; later saves of the same day overwrite it.
type dayStateRow struct {
	Day     string    `gorm:"primaryKey;size:10"`
	Payload string    `gorm:"type:jsonb;not null"`
	SavedAt time.Time `gorm:"not null;index"`
}

func (dayStateRow) TableName() string {
	return "engine_day_state"
}

func encodeRow(st DayState) (dayStateRow, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return dayStateRow{}, errors.Wrap(err, "marshal day state")
	}
	return dayStateRow{Day: st.Day, Payload: string(payload), SavedAt: st.SavedAt}, nil
}

func decodeRow(row dayStateRow) (DayState, error) {
	var st DayState
	if err := json.Unmarshal([]byte(row.Payload), &st); err != nil {
		return DayState{}, errors.Wrap(err, "decode day state "+row.Day)
	}
	return st, nil
}

// PGStore keeps one row per trading day in postgres.
type PGStore struct {
	db *gorm.DB
}

// NewPGStore opens the connection pool.
func NewPGStore(opt PGOption) (*PGStore, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(opt.connString()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if opt.Migrate {
		if err := db.AutoMigrate(&dayStateRow{}); err != nil {
			return nil, errors.Wrap(err, "migrate day state")
		}
	}
	return &PGStore{db: db}, nil
}

// Save upserts the day's row.
func (s *PGStore) Save(ctx context.Context, st DayState) error {
	row, err := encodeRow(st)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "saved_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "save day state "+st.Day)
	}
	return nil
}

// Latest loads the most recent day.
func (s *PGStore) Latest(ctx context.Context) (DayState, bool, error) {
	var rows []dayStateRow
	if err := s.db.WithContext(ctx).Order("day desc").Limit(1).Find(&rows).Error; err != nil {
		return DayState{}, false, errors.Wrap(err, "load day state")
	}
	if len(rows) == 0 {
		return DayState{}, false, nil
	}
	st, err := decodeRow(rows[0])
	if err != nil {
		return DayState{}, false, err
	}
	return st, true, nil
}

// Close closes the underlying pool.
func (s *PGStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
