package sampleresults

import (
	"context"
	"fmt"
)

// MappingResolver translates an internal coded result into the partner
// tracker's vocabulary through the concept's reference-term mappings.
type MappingResolver struct {
	concepts ConceptLookup
}

func NewMappingResolver(concepts ConceptLookup) *MappingResolver {
	return &MappingResolver{concepts: concepts}
}

// Resolve returns the code of the first mapping whose reference-term source
// matches mappingSourceID. ErrConfiguration is returned when the concept has
// no mappings at all and ErrMappingGap when none match the source.
func (r *MappingResolver) Resolve(ctx context.Context, codedValueID, mappingSourceID string) (string, error) {
	concept, err := r.concepts.ConceptByUUID(ctx, codedValueID, ConceptMappingProjection)
	if err != nil {
		return "", &TransportError{Op: "lookup concept " + codedValueID, Err: err}
	}
	if concept == nil || len(concept.Mappings) == 0 {
		return "", ErrConfiguration
	}

	for _, m := range concept.Mappings {
		if m.ReferenceTerm.Source.UUID != mappingSourceID {
			continue
		}
		if m.ReferenceTerm.Code == "" {
			return "", fmt.Errorf("%w: empty code on %s", ErrMappingGap, m.Display)
		}
		return m.ReferenceTerm.Code, nil
	}
	return "", ErrMappingGap
}
