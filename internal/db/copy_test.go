package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "suggestions", []string{"id", "type"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"suggestions"}, []string{"id", "type"}).WillReturnResult(3)

	rows := [][]any{{"s1", "url"}, {"s2", "url"}, {"s3", "url"}}
	n, err := CopyFrom(context.Background(), mock, "suggestions", []string{"id", "type"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"suggestions"}, []string{"id", "type"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"s1", "url"}}
	_, err = CopyFrom(context.Background(), mock, "suggestions", []string{"id", "type"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO suggestions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
