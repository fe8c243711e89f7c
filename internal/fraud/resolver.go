package fraud

import "context"

// NoopASNResolver always reports an unresolved ASN. Wiring a real IP
// intelligence feed (MaxMind, Team Cymru whois, an RDAP client) is a
// deployment-time decision outside this module. With this resolver every
// request has an unresolved ASN; the engine adds the unresolved-ASN soft
// signal for it only when fraud.shadow_ban_unresolved_asn is enabled
// (off by default).
type NoopASNResolver struct{}

func (NoopASNResolver) Resolve(ctx context.Context, ip string) (*int64, string, error) {
    return nil, "", nil
}

// callingCodeCountries maps E.164 calling codes to ISO 3166-1 alpha-2
// country codes, checked longest-prefix-first. Covers the calling codes
// actually exercised by the admission pipeline's country-mismatch
// signal; unmatched numbers resolve to an empty country, which the
// engine treats as "unknown" rather than a mismatch.
var callingCodeCountries = []struct {
    code    string
    country string
}{
    {"1", "US"},
    {"20", "EG"},
    {"27", "ZA"},
    {"30", "GR"},
    {"31", "NL"},
    {"32", "BE"},
    {"33", "FR"},
    {"34", "ES"},
    {"39", "IT"},
    {"40", "RO"},
    {"41", "CH"},
    {"44", "GB"},
    {"46", "SE"},
    {"47", "NO"},
    {"48", "PL"},
    {"49", "DE"},
    {"52", "MX"},
    {"55", "BR"},
    {"61", "AU"},
    {"62", "ID"},
    {"63", "PH"},
    {"64", "NZ"},
    {"65", "SG"},
    {"66", "TH"},
    {"81", "JP"},
    {"82", "KR"},
    {"84", "VN"},
    {"86", "CN"},
    {"91", "IN"},
    {"92", "PK"},
    {"212", "MA"},
    {"234", "NG"},
    {"254", "KE"},
    {"971", "AE"},
    {"966", "SA"},
}

// CallingCodeCountryResolver maps a phone number's E.164 calling code to
// its country. Standard-library only: the calling-code table above is a
// small static fact table, not a service integration, so no third-party
// dependency applies here.
type CallingCodeCountryResolver struct{}

func (CallingCodeCountryResolver) PhoneCountry(phone string) string {
    digits := phone
    if len(digits) > 0 && digits[0] == '+' {
        digits = digits[1:]
    }
    best := ""
    for _, cc := range callingCodeCountries {
        if len(cc.code) > len(best) && len(digits) >= len(cc.code) && digits[:len(cc.code)] == cc.code {
            best = cc.code
        }
    }
    for _, cc := range callingCodeCountries {
        if cc.code == best {
            return cc.country
        }
    }
    return ""
}
