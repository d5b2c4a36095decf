package crypto

import (
	"fmt"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// Signature domains keep a request signature from being replayed as a vote.
const (
	SigSeparator  = ":"
	requestDomain = "covenant:request:v1"
	voteDomain    = "covenant:vote:v1"
)

func requestMessage(hash string) []byte {
	return []byte(requestDomain + SigSeparator + hash)
}

func voteMessage(v *contracts.Vote) ([]byte, error) {
	content := v.Content()
	b, err := canonicalize.JCS(&content)
	if err != nil {
		return nil, fmt.Errorf("canonicalize vote: %w", err)
	}
	return append([]byte(voteDomain+SigSeparator), b...), nil
}
