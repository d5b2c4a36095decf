package governance

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// CheckVersionIncrease enforces that a governance update carries a strictly
// greater semantic version than the document it replaces.
func CheckVersionIncrease(current, next *Document) error {
	cur, err := semver.NewVersion(current.Version)
	if err != nil {
		return fmt.Errorf("%w: current version %q: %v", contracts.ErrEvaluationFailed, current.Version, err)
	}
	nv, err := semver.NewVersion(next.Version)
	if err != nil {
		return fmt.Errorf("%w: new version %q: %v", contracts.ErrEvaluationFailed, next.Version, err)
	}
	if !nv.GreaterThan(cur) {
		return fmt.Errorf("%w: governance version %s does not advance %s", contracts.ErrEvaluationFailed, nv, cur)
	}
	return nil
}
