package service

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"

	"github.com/sqids/sqids-go"
)

const (
	codeAlphabet  = "k3G7QAe51FCsiWrNOYBUwM6XzZvdLT4j9JhyHKg2cVbxfERq0mSoI8lDpunPat"
	codeMinLength = 6
	// codeSpace keeps generated codes around seven characters.
	codeSpace = 1 << 40
)

var (
	sq     *sqids.Sqids
	sqOnce sync.Once

	customCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

	// reservedCodes collide with top-level routes.
	reservedCodes = map[string]struct{}{
		"api":      {},
		"health":   {},
		"jobs":     {},
		"link":     {},
		"metrics":  {},
		"open":     {},
		"queue":    {},
		"redirect": {},
	}
)

func getSqids() *sqids.Sqids {
	sqOnce.Do(func() {
		var err error
		sq, err = sqids.New(sqids.Options{
			Alphabet:  codeAlphabet,
			MinLength: codeMinLength,
		})
		if err != nil {
			panic("sqids init failed: " + err.Error())
		}
	})
	return sq
}

// GenerateCode returns a random short code.
func GenerateCode() (string, error) {
	code, err := getSqids().Encode([]uint64{rand.Uint64N(codeSpace)})
	if err != nil {
		return "", fmt.Errorf("encode short code: %w", err)
	}
	return code, nil
}

// ValidCustomCode reports whether code is acceptable as a user-chosen code.
func ValidCustomCode(code string) bool {
	if _, reserved := reservedCodes[strings.ToLower(code)]; reserved {
		return false
	}
	return customCodePattern.MatchString(code)
}
