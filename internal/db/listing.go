package db

import (
    "context"
    "fmt"

    "github.com/sendotp/otp-gateway/pkg/errors"
)

// listableTables whitelists the tables ListPage (used by the admin CLI)
// is allowed to page through, together with the columns a
// caller may sort by. Both the table name and the sort column are
// validated against these sets before being interpolated into SQL, since
// the SQL driver has no placeholder syntax for identifiers.
var listableTables = map[string]map[string]bool{
    "otp_requests": {
        "created_at": true, "updated_at": true, "expires_at": true, "fraud_score": true,
    },
    "caller_id_routes": {
        "created_at": true, "channel": true, "prefix": true,
    },
    "fraud_whitelist": {
        "created_at": true, "type": true, "value": true,
    },
    "asn_blocklist": {
        "created_at": true, "asn": true,
    },
    "carrier_rates": {
        "last_seen_at": true, "channel": true, "dst_prefix": true, "confidence_score": true,
    },
    "webhook_logs": {
        "sent_at": true, "request_id": true,
    },
    "circuit_breaker": {
        "updated_at": true, "state": true,
    },
}

// ListPage runs a validated SELECT * FROM <table> ORDER BY <sortColumn>
// <direction> LIMIT/OFFSET query against one of the whitelisted tables,
// returning raw column names and row values for the caller to format.
func (db *DB) ListPage(ctx context.Context, table, sortColumn, direction string, limit, offset int) ([]string, [][]interface{}, error) {
    columns, ok := listableTables[table]
    if !ok {
        return nil, nil, errors.New(errors.ErrValidation, fmt.Sprintf("table %q is not listable", table))
    }
    if sortColumn == "" {
        for c := range columns {
            sortColumn = c
            break
        }
    }
    if !columns[sortColumn] {
        return nil, nil, errors.New(errors.ErrValidation, fmt.Sprintf("column %q is not a valid sort key for %q", sortColumn, table))
    }
    if direction != "ASC" && direction != "DESC" {
        direction = "DESC"
    }
    if limit <= 0 || limit > 500 {
        limit = 50
    }

    query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s %s LIMIT ? OFFSET ?", table, sortColumn, direction)
    rows, err := db.QueryContext(ctx, query, limit, offset)
    if err != nil {
        return nil, nil, errors.Wrap(err, errors.ErrDatabase, "failed to list "+table)
    }
    defer rows.Close()

    cols, err := rows.Columns()
    if err != nil {
        return nil, nil, errors.Wrap(err, errors.ErrDatabase, "failed to read columns for "+table)
    }

    var result [][]interface{}
    for rows.Next() {
        raw := make([]interface{}, len(cols))
        ptrs := make([]interface{}, len(cols))
        for i := range raw {
            ptrs[i] = &raw[i]
        }
        if err := rows.Scan(ptrs...); err != nil {
            return nil, nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan row for "+table)
        }
        result = append(result, raw)
    }
    return cols, result, nil
}
