// Package callerid holds the per-channel caller-ID prefix table (C4):
// the database is authoritative, the in-memory table is a read-optimized
// cache rebuilt wholesale on Reload. Grounded on the teacher's
// internal/router/did_manager.go, which keeps the same split between a
// durable table and an in-memory map guarded by a mutex.
package callerid

import (
    "context"
    "strings"
    "sync"

    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/errors"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

// Router resolves the caller-ID a channel provider should present for a
// given destination number, per channel.
type Router struct {
    routes *db.RouteRepo

    mu     sync.RWMutex
    tables map[models.Channel][]*models.CallerIdRoute // sorted longest-prefix first
}

func NewRouter(routes *db.RouteRepo) *Router {
    return &Router{
        routes: routes,
        tables: make(map[models.Channel][]*models.CallerIdRoute),
    }
}

// Reload rebuilds the in-memory table for channel from the store.
func (r *Router) Reload(ctx context.Context, channel models.Channel) error {
    rows, err := r.routes.ListEnabled(ctx, channel)
    if err != nil {
        return err
    }

    sortByPrefixLengthDesc(rows)

    r.mu.Lock()
    r.tables[channel] = rows
    r.mu.Unlock()

    logger.WithField("channel", string(channel)).WithField("routes", len(rows)).Debug("caller id table reloaded")
    return nil
}

// ReloadAll refreshes both channels.
func (r *Router) ReloadAll(ctx context.Context) error {
    if err := r.Reload(ctx, models.ChannelSMS); err != nil {
        return err
    }
    return r.Reload(ctx, models.ChannelVoice)
}

// Resolve finds the longest enabled prefix match for destination on
// channel, falling back to the enabled wildcard ("*") entry. Returns
// ErrNoCallerIDRoute if neither exists.
func (r *Router) Resolve(channel models.Channel, destination string) (*models.CallerIdRoute, error) {
    digits := strings.TrimPrefix(destination, "+")

    r.mu.RLock()
    defer r.mu.RUnlock()

    var wildcard *models.CallerIdRoute
    for _, rt := range r.tables[channel] {
        if rt.Prefix == "*" {
            if wildcard == nil {
                wildcard = rt
            }
            continue
        }
        if strings.HasPrefix(digits, rt.Prefix) {
            return rt, nil
        }
    }
    if wildcard != nil {
        return wildcard, nil
    }
    return nil, errors.New(errors.ErrNoCallerIDRoute, "no caller id route for destination")
}

// sortByPrefixLengthDesc orders non-wildcard entries by decreasing prefix
// length so Resolve's first prefix match is always the longest.
func sortByPrefixLengthDesc(routes []*models.CallerIdRoute) {
    for i := 1; i < len(routes); i++ {
        for j := i; j > 0 && len(routes[j].Prefix) > len(routes[j-1].Prefix); j-- {
            routes[j], routes[j-1] = routes[j-1], routes[j]
        }
    }
}
