package utils

import (
	"crypto/rand"
	"errors"

	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/models"
	"gorm.io/gorm"
)

const codeLength = 8
const letterBytes = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MaxGenerationAttempts bounds the collision loop. With 36^8 possible codes
// the loop essentially never runs twice; the bound exists so a corrupted
// table cannot spin the service forever.
const MaxGenerationAttempts = 10

// randRead is crypto/rand.Read; tests may replace it.
var randRead = rand.Read

// rejectAbove is the largest multiple of len(letterBytes) that fits in a
// byte. Bytes at or above it are discarded so every character is drawn
// uniformly; taking bytes modulo 36 directly would skew toward A-D.
const rejectAbove = byte(256 / len(letterBytes) * len(letterBytes))

func randomCode() (string, error) {
	code := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength)
	for len(code) < codeLength {
		if _, err := randRead(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= rejectAbove {
				continue
			}
			code = append(code, letterBytes[int(b)%len(letterBytes)])
			if len(code) == codeLength {
				break
			}
		}
	}
	return string(code), nil
}

// GenerateUniqueCode returns a code that does not yet exist in
// affiliate_codes. The caller is expected to hold an open transaction; the
// uniqueIndex on the column remains the final arbiter under concurrency.
func GenerateUniqueCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < MaxGenerationAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}

		var existing models.AffiliateCode
		err = tx.Where("code = ?", code).First(&existing).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return code, nil
			}
			return "", err
		}
	}
	return "", errs.GenerationExhausted(MaxGenerationAttempts)
}
