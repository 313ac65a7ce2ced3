package ln

import (
	"crypto/sha256"
	"time"
)

// paymentTimeout is how long we give the backend to settle an outgoing
// payment before the call returns and the reconciler takes over
const paymentTimeout = 60 * time.Second

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
