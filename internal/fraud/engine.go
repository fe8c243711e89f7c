// Package fraud implements the admission pipeline (C3): whitelist
// short-circuit, hard blockers, weighted soft-signal scoring, and the
// threshold decision that drives shadow-banning and honeypot growth.
// Grounded on the teacher's provider-verification and health-tracking
// methods in router/router.go and router/loadbalancer.go, generalized
// from "is this provider healthy" into "is this request trustworthy".
package fraud

import (
    "context"
    "net"
    "strings"
    "time"

    "github.com/sendotp/otp-gateway/internal/config"
    "github.com/sendotp/otp-gateway/internal/db"
    "github.com/sendotp/otp-gateway/internal/models"
    "github.com/sendotp/otp-gateway/pkg/logger"
)

const (
    reasonUnresolvedASN     = "unresolved_asn"
    reasonCountryMismatch   = "ip_phone_country_mismatch"
    reasonSubnetBurst       = "subnet_burst"
    reasonPhoneBurst        = "phone_burst"
    reasonPrefixLowVerify   = "prefix_low_verify_rate"
    reasonLowTrust          = "low_trust_subnet"
    reasonHoneypot          = "honeypot_subnet"
    reasonBannedSubnet      = "banned_subnet"
    reasonASNBlocklist      = "asn_blocklist"
    reasonBreakerOpen       = "circuit_breaker_open"
)

// ASNResolver looks up the autonomous system number and country for an
// IP. A nil ASN or empty country means "unresolved" and feeds the
// unresolved-ASN soft signal.
type ASNResolver interface {
    Resolve(ctx context.Context, ip string) (asn *int64, ipCountry string, err error)
}

// CountryResolver maps an E.164 phone number to its country, used only
// for the IP/phone country-mismatch signal.
type CountryResolver interface {
    PhoneCountry(phone string) string
}

// Cache is the subset of the Redis wrapper the engine needs for burst
// counters; satisfied by *db.Cache.
type Cache interface {
    IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Engine runs the admission pipeline described in spec section 4.3.
type Engine struct {
    cfg         config.FraudConfig
    fraudRepo   *db.FraudRepo
    reputation  *db.ReputationRepo
    requests    *db.RequestRepo
    cache       Cache
    asn         ASNResolver
    country     CountryResolver
}

func NewEngine(cfg config.FraudConfig, fraudRepo *db.FraudRepo, reputation *db.ReputationRepo, requests *db.RequestRepo, cache Cache, asn ASNResolver, country CountryResolver) *Engine {
    return &Engine{
        cfg:        cfg,
        fraudRepo:  fraudRepo,
        reputation: reputation,
        requests:   requests,
        cache:      cache,
        asn:        asn,
        country:    country,
    }
}

// Evaluate runs the full pipeline for an inbound request and returns the
// decision the dispatch orchestrator persists alongside the request.
// channel is the chosen channel (the first entry of channels_requested)
// whose circuit breaker gates admission per the hard-blocker step.
func (e *Engine) Evaluate(ctx context.Context, phone, ip string, channel models.Channel, now int64) (*models.FraudDecision, error) {
    subnet := Subnet(ip)
    prefix := PhonePrefix(phone)

    decision := &models.FraudDecision{
        IPSubnet:    subnet,
        PhonePrefix: prefix,
    }

    whitelistedIP, err := e.fraudRepo.IsWhitelisted(ctx, models.WhitelistTypeIP, ip)
    if err != nil {
        return nil, err
    }
    whitelistedPhone, err := e.fraudRepo.IsWhitelisted(ctx, models.WhitelistTypePhone, phone)
    if err != nil {
        return nil, err
    }
    if whitelistedIP || whitelistedPhone {
        decision.Score = 0
        decision.Reasons = []string{"whitelisted"}
        e.touchTotal(ctx, subnet, now)
        return decision, nil
    }

    if asnResolved, ipCountry, err := e.resolveASN(ctx, ip); err != nil {
        logger.WithError(err).Warn("asn resolution failed, treating as unresolved")
    } else {
        decision.ASN = asnResolved
        decision.IPCountry = ipCountry
    }
    if e.country != nil {
        decision.PhoneCountry = e.country.PhoneCountry(phone)
    }

    if hit, reason, err := e.checkHardBlockers(ctx, subnet, decision.ASN, channel, now); err != nil {
        return nil, err
    } else if hit {
        decision.Score = 100
        decision.Shadow = true
        decision.Reasons = []string{reason}
        e.touchTotal(ctx, subnet, now)
        return decision, nil
    }

    score, reasons := e.scoreSoftSignals(ctx, subnet, phone, prefix, decision, now)
    decision.Score = score
    decision.Reasons = reasons

    switch {
    case score >= e.cfg.ShadowBanThreshold:
        decision.Shadow = true
    case score >= e.cfg.HoneypotThreshold:
        expiresAt := now + e.cfg.HoneypotTTL.Milliseconds()
        if err := e.fraudRepo.AddHoneypotEntry(ctx, subnet, "score_threshold", expiresAt, now); err != nil {
            logger.WithError(err).Warn("failed to add honeypot entry")
        }
    }

    e.touchTotal(ctx, subnet, now)

    return decision, nil
}

func (e *Engine) touchTotal(ctx context.Context, subnet string, now int64) {
    if err := e.reputation.TouchTotal(ctx, subnet, now); err != nil {
        logger.WithError(err).Warn("failed to touch ip reputation total")
    }
}

func (e *Engine) resolveASN(ctx context.Context, ip string) (*int64, string, error) {
    if e.asn == nil {
        return nil, "", nil
    }
    return e.asn.Resolve(ctx, ip)
}

func (e *Engine) checkHardBlockers(ctx context.Context, subnet string, asn *int64, channel models.Channel, now int64) (bool, string, error) {
    honeypot, err := e.fraudRepo.GetHoneypotEntry(ctx, subnet, now)
    if err != nil {
        return false, "", err
    }
    if honeypot != nil {
        return true, reasonHoneypot, nil
    }

    rep, err := e.reputation.GetIPReputation(ctx, subnet)
    if err != nil {
        return false, "", err
    }
    if rep.Banned {
        return true, reasonBannedSubnet, nil
    }

    if asn != nil {
        blocked, err := e.fraudRepo.IsASNBlocked(ctx, *asn)
        if err != nil {
            return false, "", err
        }
        if blocked {
            return true, reasonASNBlocklist, nil
        }
    }

    if channel != "" {
        status, err := e.CheckBreaker(ctx, breakerKeyForChannel(channel), now)
        if err != nil {
            return false, "", err
        }
        if status.Open {
            return true, reasonBreakerOpen, nil
        }
    }

    return false, "", nil
}

// breakerKeyForChannel is the circuit breaker key for a channel's
// admission gate, e.g. "channel:voice".
func breakerKeyForChannel(channel models.Channel) string {
    return "channel:" + string(channel)
}

func (e *Engine) scoreSoftSignals(ctx context.Context, subnet, phone, prefix string, decision *models.FraudDecision, now int64) (int, []string) {
    score := 0
    var reasons []string

    if decision.ASN == nil && e.cfg.ShadowBanUnresolvedASN {
        score += 40
        reasons = append(reasons, reasonUnresolvedASN)
    }

    if decision.IPCountry != "" && decision.PhoneCountry != "" && !strings.EqualFold(decision.IPCountry, decision.PhoneCountry) {
        score += 15
        reasons = append(reasons, reasonCountryMismatch)
    }

    if e.burstCount(ctx, "burst:subnet:"+subnet, subnet, e.cfg.BurstSubnetWindow, now, e.countBySubnet) >= int64(e.cfg.BurstSubnetThreshold) {
        score += 25
        reasons = append(reasons, reasonSubnetBurst)
    }

    if e.burstCount(ctx, "burst:phone:"+phone, phone, e.cfg.BurstPhoneWindow, now, e.countByPhone) >= int64(e.cfg.BurstPhoneThreshold) {
        score += 20
        reasons = append(reasons, reasonPhoneBurst)
    }

    prefixRep, err := e.reputation.GetPrefixReputation(ctx, prefix)
    if err != nil {
        logger.WithError(err).Warn("failed to load prefix reputation")
    } else if prefixRep.Total >= int64(e.cfg.PrefixFailMinAttempts) && prefixRep.VerifiedRate() < e.cfg.PrefixFailRateFloor {
        score += 20
        reasons = append(reasons, reasonPrefixLowVerify)
    }

    ipRep, err := e.reputation.GetIPReputation(ctx, subnet)
    if err != nil {
        logger.WithError(err).Warn("failed to load ip reputation for trust score")
    } else if ipRep.Total >= int64(e.cfg.LowTrustMinTotal) && ipRep.TrustScore() < e.cfg.LowTrustFloor {
        score += 15
        reasons = append(reasons, reasonLowTrust)
    }

    return score, reasons
}

// burstCount increments a fixed-window Redis counter and falls back to a
// durable COUNT query if the cache is unavailable, since IncrWindow itself
// fails open and returns 0 on a cache error.
func (e *Engine) burstCount(ctx context.Context, cacheKey, entity string, window time.Duration, now int64, fallback func(ctx context.Context, entity string, windowMs, nowMs int64) (int64, error)) int64 {
    if e.cache != nil {
        count, err := e.cache.IncrWindow(ctx, cacheKey, window)
        if err == nil && count > 0 {
            return count
        }
    }
    count, err := fallback(ctx, entity, window.Milliseconds(), now)
    if err != nil {
        logger.WithError(err).Warn("burst fallback count query failed")
        return 0
    }
    return count
}

func (e *Engine) countBySubnet(ctx context.Context, subnet string, windowMs, nowMs int64) (int64, error) {
    return e.requests.CountByIPSubnet(ctx, subnet, windowMs, nowMs)
}

func (e *Engine) countByPhone(ctx context.Context, phone string, windowMs, nowMs int64) (int64, error) {
    return e.requests.CountByPhone(ctx, phone, windowMs, nowMs)
}

// Subnet normalizes an IP to its reputation grouping key: IPv4 /24,
// IPv6 /64, with IPv4-mapped IPv6 addresses unwrapped first.
func Subnet(ip string) string {
    parsed := net.ParseIP(ip)
    if parsed == nil {
        return ip
    }
    if v4 := parsed.To4(); v4 != nil {
        return net.IPv4(v4[0], v4[1], v4[2], 0).String() + "/24"
    }
    v6 := parsed.To16()
    masked := make(net.IP, net.IPv6len)
    copy(masked, v6[:8])
    return masked.String() + "/64"
}

// PhonePrefix returns the first six digits of the E.164 number (without
// the "+") as the key used for prefix-level reputation. The country-code
// boundary is not detected: the prefix is not cut at country code plus
// three digits, so a one-digit country code keeps five further digits.
func PhonePrefix(phone string) string {
    digits := strings.TrimPrefix(phone, "+")
    if len(digits) > 6 {
        digits = digits[:6]
    }
    return digits
}
