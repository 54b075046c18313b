package gamification

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStatsReader_ActivityCounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"properties_listed", "valuations_received", "valuations_given", "scored_valuations", "accurate_valuations",
	}).AddRow(3, 2, 14, 12, 11)
	mock.ExpectQuery(`SELECT .* FROM properties WHERE owner_id = \$1`).
		WithArgs("u1").
		WillReturnRows(rows)

	reader := NewSQLStatsReader(sqlx.NewDb(db, "sqlmock"))
	counts, err := reader.ActivityCounts(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, &ActivityCounts{
		PropertiesListed:   3,
		ValuationsReceived: 2,
		ValuationsGiven:    14,
		ScoredValuations:   12,
		AccurateValuations: 11,
	}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStatsReader_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(".*").WithArgs("u1").WillReturnError(errors.New("relation does not exist"))

	reader := NewSQLStatsReader(sqlx.NewDb(db, "sqlmock"))
	_, err = reader.ActivityCounts(context.Background(), "u1")
	assert.ErrorContains(t, err, "failed to read activity counts")
	assert.NoError(t, mock.ExpectationsWereMet())
}
