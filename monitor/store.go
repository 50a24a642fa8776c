package monitor

import (
	"errors"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Query narrows a capture listing. Module matches either end of a frame.
type Query struct {
	Module *uint8
	Type   *uint8
	Limit  int
}

// limit falls back to DefaultQueryLimit and never exceeds MaxQueryLimit.
func (query Query) limit() int {
	switch {
	case query.Limit <= 0:
		return DefaultQueryLimit
	case query.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return query.Limit
}

// Store keeps captured frames and monitor users in a bolt database.
type Store struct {
	db *storm.DB
}

func OpenStore(dbFile string) (s *Store, err error) {
	db, err := storm.Open(dbFile)
	if err != nil {
		return
	}

	// call inits for each type
	for _, v := range []interface{}{&Record{}, &User{}} {
		if err := db.Init(v); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(r *Record) error {
	return s.db.Save(r)
}

// Recent returns matching records, newest first.
func (s *Store) Recent(query Query) ([]Record, error) {
	var matchers []q.Matcher
	if query.Module != nil {
		matchers = append(matchers, q.Or(q.Eq("Source", *query.Module), q.Eq("Destination", *query.Module)))
	}
	if query.Type != nil {
		matchers = append(matchers, q.Eq("Type", *query.Type))
	}
	var records []Record
	err := s.db.Select(matchers...).OrderBy("ID").Reverse().Limit(query.limit()).Find(&records)
	if errors.Is(err, storm.ErrNotFound) {
		return []Record{}, nil
	}
	return records, err
}

func (s *Store) Count() (int, error) {
	return s.db.Count(&Record{})
}
