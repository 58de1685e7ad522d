package sampleresults

import (
	"encoding/json"
	"fmt"
)

// ExtractExternalContext reads the tracker linkage from the first visit
// attribute of the carrier attribute type. It returns (nil, nil) when the
// attribute is absent and a wrapped ErrParseContext when its value is not JSON.
func ExtractExternalContext(v *Visit) (*ExternalSystemContext, error) {
	if v == nil {
		return nil, nil
	}
	for _, attr := range v.Attributes {
		if attr.AttributeTypeUUID != ExternalContextAttributeTypeUUID {
			continue
		}
		var ext ExternalSystemContext
		if err := json.Unmarshal([]byte(attr.Value), &ext); err != nil {
			return nil, fmt.Errorf("%w: visit %s: %v", ErrParseContext, v.UUID, err)
		}
		return &ext, nil
	}
	return nil, nil
}
