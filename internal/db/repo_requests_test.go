package db

import (
    "context"
    "testing"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

func TestRequestRepo_Create_WrapsInTransaction(t *testing.T) {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    repo := NewRequestRepo(&DB{DB: mockDB})

    mock.ExpectBegin()
    mock.ExpectExec("INSERT INTO otp_requests").WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectCommit()

    req := &models.OtpRequest{
        ID: "req-1", Phone: "+15551234567", PhonePrefix: "1555",
        CodeDigest: "digest", DeliveryStatus: models.DeliveryStatusPending,
        CreatedAt: 1, UpdatedAt: 1, ExpiresAt: 2,
    }
    require.NoError(t, repo.Create(context.Background(), req))
    require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRepo_UpdateAuth_NoRowsAffectedReturnsError(t *testing.T) {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    repo := NewRequestRepo(&DB{DB: mockDB})

    mock.ExpectBegin()
    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 0))
    mock.ExpectRollback()

    err = repo.UpdateAuth(context.Background(), "req-1", models.AuthStatusVerified, 5)
    assert.Error(t, err)
    require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRepo_FindByID_NotFoundWrapsErrNotFound(t *testing.T) {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    repo := NewRequestRepo(&DB{DB: mockDB})

    mock.ExpectQuery("SELECT id, phone, phone_prefix").
        WithArgs("missing").WillReturnRows(sqlmock.NewRows(nil))

    _, err = repo.FindByID(context.Background(), "missing")
    require.Error(t, err)
    assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRequestRepo_ExpireStale_ReturnsRowsAffected(t *testing.T) {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    repo := NewRequestRepo(&DB{DB: mockDB})

    mock.ExpectExec("UPDATE otp_requests").WillReturnResult(sqlmock.NewResult(0, 3))

    n, err := repo.ExpireStale(context.Background(), 1000)
    require.NoError(t, err)
    assert.Equal(t, int64(3), n)
}

func TestRequestRepo_CountByPhone_ScansCount(t *testing.T) {
    mockDB, mock, err := sqlmock.New()
    require.NoError(t, err)
    repo := NewRequestRepo(&DB{DB: mockDB})

    mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM otp_requests WHERE phone").
        WithArgs("+15551234567", int64(500)).
        WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

    n, err := repo.CountByPhone(context.Background(), "+15551234567", 500, 1000)
    require.NoError(t, err)
    assert.Equal(t, int64(4), n)
}
