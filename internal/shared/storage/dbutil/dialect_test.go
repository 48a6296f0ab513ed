package dbutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

type questionDialect struct{}

func (questionDialect) DriverType() DriverType { return DriverSQLite }
func (questionDialect) Rebind(q string) string { return RebindToQuestion(StripPgCasts(q)) }
func (questionDialect) ForUpdate() string { return "" }
func (questionDialect) AutoMigrate(db *sql.DB) error { return nil }
func (questionDialect) UpsertConflict(c string, u []string) string { return UpsertOnConflict(c, u) }

func TestPlaceholderList(t *testing.T) {
	assert.Equal(t, "$1", PlaceholderList(1, 1))
	assert.Equal(t, "$3, $4, $5", PlaceholderList(3, 3))
	assert.Equal(t, "", PlaceholderList(1, 0))
}

func TestBuildDynamicQuery(t *testing.T) {
	tests := []struct {
		name  string
		conds []string
		want  string
	}{
		{name: "无条件", want: "SELECT id FROM t ORDER BY id"},
		{name: "多条件", conds: []string{"team_id = $1", "status IN ($2, $3)"},
			want: "SELECT id FROM t WHERE team_id = ? AND status IN (?, ?) ORDER BY id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := BuildDynamicQuery(questionDialect{}, "SELECT id FROM t", tt.conds, " ORDER BY id", []interface{}{"a"})
			assert.Equal(t, tt.want, q)
			assert.Len(t, args, 1)
		})
	}
}

func TestRebindHelpers(t *testing.T) {
	q := "UPDATE t SET n = $1::bigint WHERE id = $2"
	assert.Equal(t, q, RebindToPositional(q))
	assert.Equal(t, "UPDATE t SET n = ? WHERE id = ?", RebindToQuestion(StripPgCasts(q)))
	assert.Equal(t, "ON CONFLICT (team_id, id) DO UPDATE SET a = EXCLUDED.a, b = EXCLUDED.b",
		UpsertOnConflict("team_id, id", []string{"a = EXCLUDED.a", "b = EXCLUDED.b"}))
}
