package utils

import (
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// DefaultRegion is used for numbers written without a country prefix.
var DefaultRegion = "NL"

// NormalizePhone formats a number as E.164, or returns an error when it is not valid
// for the region.
func NormalizePhone(phoneNumber, region string) (string, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return "", fmt.Errorf("empty phone number")
	}
	if region == "" {
		region = DefaultRegion
	}
	p, err := libphonenumber.Parse(phoneNumber, region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}
