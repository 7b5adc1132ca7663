package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID   int64
	Name string
}

func TestOpenSQLiteAndPaginate(t *testing.T) {
	db, err := Open(&Config{Driver: "sqlite", DSN: ":memory:", MaxOpen: 10, LogLevel: "silent"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections, "sqlite 强制单连接")

	require.NoError(t, db.AutoMigrate(&row{}))
	for i := 0; i < 25; i++ {
		require.NoError(t, db.Create(&row{Name: "r"}).Error)
	}

	tests := []struct {
		name        string
		page, limit int
		want        int
		firstID     int64
	}{
		{name: "第一页", page: 1, limit: 10, want: 10, firstID: 1},
		{name: "最后一页不满", page: 3, limit: 10, want: 5, firstID: 21},
		{name: "缺省第一页每页 20", page: 0, limit: 0, want: 20, firstID: 1},
		{name: "超过上限被截断", page: 1, limit: 1000, want: 25, firstID: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rows []row
			require.NoError(t, db.Order("id").Scopes(Paginate(tt.page, tt.limit)).Find(&rows).Error)
			require.Len(t, rows, tt.want)
			assert.Equal(t, tt.firstID, rows[0].ID)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(&Config{Driver: "oracle"})
	assert.Error(t, err)
}
