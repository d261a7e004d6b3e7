package sqlstore

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// dbTimeLayout is fixed-width so lexical order matches chronological order
// on SQLite TEXT columns. PostgreSQL parses it into TIMESTAMPTZ.
const dbTimeLayout = "2006-01-02T15:04:05.000000Z"

// dbTime maps time.Time to both backends. The zero value is stored as NULL.
type dbTime struct {
	time.Time
}

func newDBTime(t time.Time) dbTime {
	return dbTime{Time: t.UTC()}
}

func newNullDBTime(t *time.Time) dbTime {
	if t == nil {
		return dbTime{}
	}
	return newDBTime(*t)
}

// Value implements driver.Valuer.
func (t dbTime) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UTC().Format(dbTimeLayout), nil
}

// Scan implements sql.Scanner.
func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported time source %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	parsed, err := parseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

// ptr returns nil for the zero time.
func (t dbTime) ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// parseTime accepts the layouts SQLite and PostgreSQL hand back as text.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		dbTimeLayout,
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
