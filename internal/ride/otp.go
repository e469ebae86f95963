package ride

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

var otpSpan = big.NewInt(9000)

// newOTP returns a uniformly random 4-digit code in [1000, 9999].
func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpan)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+1000, 10), nil
}
