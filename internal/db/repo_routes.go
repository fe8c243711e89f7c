package db

import (
    "context"
    "strings"

    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

// RouteRepo persists caller_id_routes. The database is authoritative; the
// caller-ID router keeps an in-memory copy refreshed by ListEnabled.
type RouteRepo struct {
    db *DB
}

func NewRouteRepo(db *DB) *RouteRepo {
    return &RouteRepo{db: db}
}

// ListEnabled returns every enabled route for channel, used to (re)build
// the in-memory prefix table.
func (r *RouteRepo) ListEnabled(ctx context.Context, channel models.Channel) ([]*models.CallerIdRoute, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at
        FROM caller_id_routes WHERE channel = ? AND enabled = 1
    `, channel)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list caller_id_routes")
    }
    defer rows.Close()

    var routes []*models.CallerIdRoute
    for rows.Next() {
        var rt models.CallerIdRoute
        if err := rows.Scan(&rt.ID, &rt.Channel, &rt.Prefix, &rt.CallerID, &rt.Description, &rt.Enabled, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan caller_id_route")
        }
        routes = append(routes, &rt)
    }
    return routes, nil
}

func (r *RouteRepo) ListAll(ctx context.Context) ([]*models.CallerIdRoute, error) {
    rows, err := r.db.QueryContext(ctx, `
        SELECT id, channel, prefix, caller_id, description, enabled, created_at, updated_at
        FROM caller_id_routes ORDER BY channel ASC, prefix ASC
    `)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list caller_id_routes")
    }
    defer rows.Close()

    var routes []*models.CallerIdRoute
    for rows.Next() {
        var rt models.CallerIdRoute
        if err := rows.Scan(&rt.ID, &rt.Channel, &rt.Prefix, &rt.CallerID, &rt.Description, &rt.Enabled, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan caller_id_route")
        }
        routes = append(routes, &rt)
    }
    return routes, nil
}

func (r *RouteRepo) Create(ctx context.Context, rt *models.CallerIdRoute) error {
    res, err := r.db.ExecContext(ctx, `
        INSERT INTO caller_id_routes (channel, prefix, caller_id, description, enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, rt.Channel, rt.Prefix, rt.CallerID, rt.Description, rt.Enabled, rt.CreatedAt, rt.UpdatedAt)
    if err != nil {
        if isDuplicateKeyError(err) {
            return errors.New(errors.ErrDuplicatePrefix, "a route for this channel and prefix already exists")
        }
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert caller_id_route")
    }
    rt.ID, _ = res.LastInsertId()
    return nil
}

func (r *RouteRepo) Delete(ctx context.Context, channel models.Channel, prefix string) error {
    res, err := r.db.ExecContext(ctx, `
        DELETE FROM caller_id_routes WHERE channel = ? AND prefix = ?
    `, channel, prefix)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to delete caller_id_route")
    }
    n, _ := res.RowsAffected()
    if n == 0 {
        return errors.New(errors.ErrNotFound, "caller id route not found")
    }
    return nil
}

func isDuplicateKeyError(err error) bool {
    if err == nil {
        return false
    }
    s := err.Error()
    return strings.Contains(s, "Duplicate entry") || strings.Contains(s, "Error 1062")
}
