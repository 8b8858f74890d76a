// Package phone validates and canonicalises Kenyan mobile numbers into the
// 254XXXXXXXXX wire format the payment provider expects.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// CountryCode is the Kenyan dialling code without the plus sign.
	CountryCode = "254"
	// TrunkPrefix is the national leading zero.
	TrunkPrefix = "0"
	// SubscriberLength is the national significant number length.
	SubscriberLength = 9
	// CanonicalLength is len(CountryCode) + SubscriberLength.
	CanonicalLength = 12

	maskWidth = 4
)

var (
	ErrEmptyNumber         = errors.New("phone number is empty")
	ErrNonNumeric          = errors.New("phone number contains no digits")
	ErrWrongLength         = errors.New("phone number has the wrong length")
	ErrUnrecognizedPrefix  = errors.New("phone number prefix is not a known Kenyan mobile prefix")
	ErrCarrierNotSupported = errors.New("carrier is not supported for mobile money payments")
)

// Carrier identifies the mobile network a number belongs to.
type Carrier string

const (
	CarrierSafaricom Carrier = "Safaricom"
	CarrierAirtel    Carrier = "Airtel"
	CarrierTelkom    Carrier = "Telkom"
	CarrierEquitel   Carrier = "Equitel"
	CarrierUnknown   Carrier = "Unknown"
)

// Prefix tables are partitioned; no prefix appears under two carriers.
var carrierPrefixes = map[Carrier][]string{
	CarrierSafaricom: {
		"700", "701", "702", "703", "704", "705", "706", "707", "708", "709",
		"710", "711", "712", "713", "714", "715", "716", "717", "718", "719",
		"720", "721", "722", "723", "724", "725", "726", "727", "728", "729",
		"740", "741", "742", "743", "745", "746", "748", "757", "758", "759",
		"768", "769",
		"790", "791", "792", "793", "794", "795", "796", "797", "798", "799",
		"110", "111", "112", "113", "114", "115",
	},
	CarrierAirtel: {
		"730", "731", "732", "733", "734", "735", "736", "737", "738", "739",
		"750", "751", "752", "753", "754", "755", "756",
		"785", "786", "787", "788", "789",
		"100", "101", "102", "103", "104", "105", "106",
	},
	CarrierTelkom: {
		"770", "771", "772", "773", "774", "775", "776", "777", "778", "779",
	},
	CarrierEquitel: {
		"763", "764", "765",
	},
}

var prefixToCarrier = func() map[string]Carrier {
	index := make(map[string]Carrier)
	for carrier, prefixes := range carrierPrefixes {
		for _, prefix := range prefixes {
			index[prefix] = carrier
		}
	}
	return index
}()

func digitsOnly(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Canonicalize converts free form input into the canonical
// <countrycode><subscriber> digit string. It accepts the local trunk form
// (07...), the international form with or without a plus, and a bare nine
// digit subscriber number. The result always has a recognised mobile prefix.
func Canonicalize(input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", ErrEmptyNumber
	}

	digits := digitsOnly(input)
	if digits == "" {
		return "", ErrNonNumeric
	}

	var canonical string
	switch {
	case strings.HasPrefix(digits, TrunkPrefix) && len(digits) == 1+SubscriberLength:
		canonical = CountryCode + digits[1:]
	case strings.HasPrefix(digits, CountryCode) && len(digits) == CanonicalLength:
		canonical = digits
	case len(digits) == SubscriberLength:
		canonical = CountryCode + digits
	default:
		return "", fmt.Errorf("%w: got %d digits", ErrWrongLength, len(digits))
	}

	prefix := canonical[len(CountryCode) : len(CountryCode)+3]
	if _, ok := prefixToCarrier[prefix]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnrecognizedPrefix, prefix)
	}

	return canonical, nil
}

// CarrierOf classifies an already canonical number for display. Unlike
// Canonicalize it never fails; an unrecognised prefix reports CarrierUnknown.
func CarrierOf(canonical string) Carrier {
	if len(canonical) != CanonicalLength || !strings.HasPrefix(canonical, CountryCode) {
		return CarrierUnknown
	}
	prefix := canonical[len(CountryCode) : len(CountryCode)+3]
	carrier, ok := prefixToCarrier[prefix]
	if !ok {
		return CarrierUnknown
	}
	return carrier
}

// ToLocalDisplay renders a canonical number in the grouped local form,
// e.g. 254712345678 -> "0712 345 678".
func ToLocalDisplay(canonical string) (string, error) {
	if len(canonical) != CanonicalLength || !strings.HasPrefix(canonical, CountryCode) {
		return "", fmt.Errorf("%w: expected canonical %d digit number", ErrWrongLength, CanonicalLength)
	}
	subscriber := canonical[len(CountryCode):]
	return fmt.Sprintf("%s%s %s %s",
		TrunkPrefix, subscriber[:3], subscriber[3:6], subscriber[6:]), nil
}

// Mask hides the middle of a canonical number, keeping the first four and
// last three digits around a fixed width mask: 254712345678 -> 2547****678.
func Mask(canonical string) string {
	if len(canonical) < maskWidth+3 {
		return strings.Repeat("*", maskWidth)
	}
	return canonical[:4] + strings.Repeat("*", maskWidth) + canonical[len(canonical)-3:]
}

// ValidateForCarriers canonicalises the input and additionally requires the
// number to belong to one of the allowed carriers. A structurally valid
// number on an unsupported network is rejected.
func ValidateForCarriers(input string, allowed []Carrier) (string, Carrier, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", CarrierUnknown, err
	}

	carrier := CarrierOf(canonical)
	for _, a := range allowed {
		if carrier == a {
			return canonical, carrier, nil
		}
	}
	return "", carrier, fmt.Errorf("%w: %s", ErrCarrierNotSupported, carrier)
}

// ParseCarriers converts a comma separated configuration value such as
// "Safaricom,Airtel" into a carrier list, ignoring unknown names.
func ParseCarriers(list string) []Carrier {
	var carriers []Carrier
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		switch Carrier(name) {
		case CarrierSafaricom, CarrierAirtel, CarrierTelkom, CarrierEquitel:
			carriers = append(carriers, Carrier(name))
		}
	}
	return carriers
}
