package evaluation

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/Mindburn-Labs/covenant/pkg/canonicalize"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// Copy operations may not grow a document by more than this many bytes.
const maxPatchCopyGrowth = 1 << 20

// Apply computes the state that results from applying payload to state, in
// canonical form. A json payload replaces the state; a json_patch payload is
// an RFC 6902 patch against it. Failures wrap contracts.ErrInvalidRequest.
func Apply(state json.RawMessage, payload contracts.Payload) (json.RawMessage, error) {
	var next []byte
	switch payload.Kind {
	case contracts.PayloadJSON:
		next = payload.Data
	case contracts.PayloadJSONPatch:
		if len(state) == 0 {
			return nil, fmt.Errorf("%w: json_patch needs an existing state", contracts.ErrInvalidRequest)
		}
		patch, err := jsonpatch.DecodePatch(payload.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode patch: %v", contracts.ErrInvalidRequest, err)
		}
		opts := jsonpatch.NewApplyOptions()
		opts.SupportNegativeIndices = false
		opts.AccumulatedCopySizeLimit = maxPatchCopyGrowth
		next, err = patch.ApplyWithOptions(state, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: apply patch: %v", contracts.ErrInvalidRequest, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %q", contracts.ErrInvalidRequest, payload.Kind)
	}

	canonical, err := canonicalize.Transform(next)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidRequest, err)
	}
	return canonical, nil
}
